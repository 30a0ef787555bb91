package analysis

import (
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ShellFinding is a risky construct inside a shell command literal.
type ShellFinding struct {
	Command  string   `json:"command"`
	Reason   string   `json:"reason"`
	Severity Severity `json:"severity"`
}

// shellCallRe captures the first string argument passed to a process or
// shell API.
var shellCallRe = regexp.MustCompile(
	`(?:\b(?:execSync|execFileSync|execFile|exec|spawnSync|spawn)|\bos\.(?:system|popen)|\bsubprocess\.(?:run|call|Popen|check_output|check_call))` +
		`\s*\(\s*(?:"((?:[^"\\]|\\.)*)"|'((?:[^'\\]|\\.)*)'|` + "`([^`]*)`)")

var interpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true,
	"python": true, "python3": true, "node": true, "perl": true, "ruby": true,
}

var unescape = strings.NewReplacer(`\"`, `"`, `\'`, `'`, `\\`, `\`, `\n`, "\n")

var downloaders = map[string]bool{"curl": true, "wget": true, "nc": true, "ncat": true}

// ShellLiterals returns the command strings passed to shell APIs in code.
func ShellLiterals(code string) []string {
	var out []string
	for _, m := range shellCallRe.FindAllStringSubmatch(code, -1) {
		for _, g := range m[1:] {
			if g == "" {
				continue
			}
			out = append(out, unescape.Replace(g))
			break
		}
	}
	return out
}

// AnalyzeShell parses command as a POSIX shell program and reports risky
// constructs. Unparseable input yields no findings.
func AnalyzeShell(command string) []ShellFinding {
	file, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return nil
	}

	var findings []ShellFinding
	add := func(reason string, sev Severity) {
		findings = append(findings, ShellFinding{Command: command, Reason: reason, Severity: sev})
	}

	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.Redirect:
			add("shell redirection", SeverityMedium)
		case *syntax.CmdSubst:
			add("command substitution", SeverityMedium)
		case *syntax.Subshell:
			add("subshell", SeverityMedium)
		case *syntax.BinaryCmd:
			if n.Op == syntax.Pipe || n.Op == syntax.PipeAll {
				if name := commandName(n.Y); interpreters[name] {
					add("pipe into interpreter "+name, SeverityCritical)
				} else {
					add("pipeline", SeverityLow)
				}
			}
		case *syntax.CallExpr:
			name := callName(n)
			switch {
			case name == "rm" && hasRecursiveForce(n):
				add("recursive forced delete", SeverityHigh)
			case downloaders[name]:
				add("network download via "+name, SeverityMedium)
			case name == "sudo" || name == "su":
				add("privilege escalation via "+name, SeverityHigh)
			case name == "eval":
				add("shell eval", SeverityHigh)
			}
		}
		return true
	})
	return findings
}

func commandName(stmt *syntax.Stmt) string {
	if stmt == nil {
		return ""
	}
	if call, ok := stmt.Cmd.(*syntax.CallExpr); ok {
		return callName(call)
	}
	return ""
}

func callName(call *syntax.CallExpr) string {
	if len(call.Args) == 0 {
		return ""
	}
	name := call.Args[0].Lit()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func hasRecursiveForce(call *syntax.CallExpr) bool {
	var recursive, force bool
	for _, w := range call.Args[1:] {
		arg := w.Lit()
		switch {
		case arg == "--recursive":
			recursive = true
		case arg == "--force":
			force = true
		case strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--"):
			recursive = recursive || strings.ContainsAny(arg, "rR")
			force = force || strings.Contains(arg, "f")
		}
	}
	return recursive && force
}
