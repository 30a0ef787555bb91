package analysis

import (
	"context"
	"strings"
	"testing"
)

func TestValidator_FlagsEvalInIntent(t *testing.T) {
	t.Parallel()

	code := "const intent = \"Execute eval() with user input\";\nconsole.log(intent);\n"
	res := NewValidator(nil).Validate(context.Background(), code)

	if res.IsSecure {
		t.Error("expected insecure result")
	}
	if !res.RequiresApproval {
		t.Error("expected approval to be required")
	}
	if res.RiskScore != MaxScore {
		t.Errorf("RiskScore = %d, want %d", res.RiskScore, MaxScore)
	}
	if len(res.Issues) == 0 {
		t.Fatal("expected issues")
	}
	got := res.Issues[0]
	if got.Kind != KindDangerous || got.Severity != SeverityCritical {
		t.Errorf("issue = %+v, want critical dangerous_pattern", got)
	}
	if got.Match != "eval(" {
		t.Errorf("Match = %q, want %q", got.Match, "eval(")
	}
	if got.Line != 1 {
		t.Errorf("Line = %d, want 1", got.Line)
	}
	if !res.Critical() {
		t.Error("Critical() = false")
	}
}

func TestValidator_DenyList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code string
		kind Kind
	}{
		{"function constructor", "const f = new Function('return 1');", KindDangerous},
		{"bare Function call", "const f = Function('return 1');", KindDangerous},
		{"exec", "exec('ls');", KindDangerous},
		{"execSync", "execSync('ls');", KindDangerous},
		{"spawn", "spawn('ls', []);", KindDangerous},
		{"child_process", "const cp = require('child_process');", KindDangerous},
		{"proto", "obj.__proto__.polluted = true;", KindDangerous},
		{"constructor index", "x.constructor['prototype'];", KindDangerous},
		{"innerHTML", "el.innerHTML = s;", KindDangerous},
		{"react html", "<div dangerouslySetInnerHTML={x} />", KindDangerous},
		{"cookie", "const c = document.cookie;", KindDangerous},
		{"storage", "sessionStorage.getItem('k');", KindDangerous},
		{"event handler", `el.setAttribute("onclick", code);`, KindDangerous},
		{"os.system", "os.system('ls')", KindDangerous},
		{"subprocess", "subprocess.run(['ls'])", KindDangerous},
		{"dunder import", "__import__('os')", KindDangerous},
		{"dynamic require", "require(name);", KindSuspicious},
		{"dynamic import", "await import('./x.js');", KindSuspicious},
		{"fetch", "fetch('https://example.com');", KindSuspicious},
		{"timer", "setTimeout(run, 10);", KindSuspicious},
		{"infinite loop", "while (true) {}", KindSuspicious},
		{"python loop", "while True:\n    pass", KindSuspicious},
		{"env", "const k = process.env.HOME;", KindSuspicious},
		{"fs", "fs.readFileSync('/etc/passwd');", KindSuspicious},
	}

	v := NewValidator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := v.Validate(context.Background(), tt.code)
			found := false
			for _, is := range res.Issues {
				if is.Kind == tt.kind {
					found = true
				}
			}
			if !found {
				t.Errorf("no %s issue for %q: %+v", tt.kind, tt.code, res.Issues)
			}
			if tt.kind == KindDangerous && !res.RequiresApproval {
				t.Errorf("dangerous code %q must require approval", tt.code)
			}
		})
	}
}

func TestValidator_CleanCode(t *testing.T) {
	t.Parallel()

	code := strings.Join([]string{
		"function call(name, args) {",
		"  return { tool: name, args: args, status: \"stub\" };",
		"}",
		"function fsRead(path) {",
		"  return call(\"fs_read\", { path: path });",
		"}",
		"console.log(\"__RESULT__: \" + JSON.stringify(fsRead(\"config.json\")));",
	}, "\n")

	res := NewValidator(nil).Validate(context.Background(), code)
	if !res.IsSecure || res.RiskScore != 0 || len(res.Issues) != 0 {
		t.Errorf("expected clean result, got %+v", res)
	}
}

func TestValidator_ScoreBoundsAndLines(t *testing.T) {
	t.Parallel()

	v := NewValidator(nil)
	res := v.Validate(context.Background(), "fetch(a);\nfetch(b);\n")
	if res.RiskScore != 50 {
		t.Errorf("two medium issues: RiskScore = %d, want 50", res.RiskScore)
	}
	if !res.IsSecure {
		t.Error("score 50 should be secure")
	}
	if res.Issues[0].Line != 1 || res.Issues[1].Line != 2 {
		t.Errorf("lines = %d, %d; want 1, 2", res.Issues[0].Line, res.Issues[1].Line)
	}

	res = v.Validate(context.Background(), "fetch(a); fetch(b); fetch(c);")
	if res.RiskScore != 75 || res.IsSecure || !res.RequiresApproval {
		t.Errorf("three medium issues: got %+v", res)
	}

	res = v.Validate(context.Background(), strings.Repeat("eval(x);\n", 10))
	if res.RiskScore != MaxScore {
		t.Errorf("RiskScore = %d, want clamp to %d", res.RiskScore, MaxScore)
	}
}

func TestValidator_Monotonic(t *testing.T) {
	t.Parallel()

	v := NewValidator(nil)
	bases := []string{
		"",
		"console.log(1);",
		"fetch(url);",
		"setTimeout(f, 1);\nprocess.env.X;",
	}
	for _, base := range bases {
		before := v.Validate(context.Background(), base).RiskScore
		after := v.Validate(context.Background(), base+"\neval(x);").RiskScore
		if after < before {
			t.Errorf("adding eval decreased score for %q: %d -> %d", base, before, after)
		}
		if after < ApprovalThreshold {
			t.Errorf("code with eval scored %d, below approval threshold", after)
		}
	}
}

func TestValidator_LowercaseFunctionNotFlagged(t *testing.T) {
	t.Parallel()

	res := NewValidator(nil).Validate(context.Background(), "function run() { return 1; }\nconst f = Math.Function;")
	if len(res.Issues) != 0 {
		t.Errorf("unexpected issues: %+v", res.Issues)
	}
}

func TestLineIndex(t *testing.T) {
	t.Parallel()

	li := newLineIndex("ab\ncd\n\nef")
	tests := []struct {
		offset int
		want   int
	}{
		{0, 1},
		{2, 1},
		{3, 2},
		{6, 3},
		{7, 4},
		{8, 4},
	}
	for _, tt := range tests {
		if got := li.line(tt.offset); got != tt.want {
			t.Errorf("line(%d) = %d, want %d", tt.offset, got, tt.want)
		}
	}
}
