package sandbox

import (
	"errors"
	"strings"
	"testing"

	"github.com/flemzord/mcpexec/internal/language"
)

func TestToJavaScript(t *testing.T) {
	t.Parallel()

	js, err := ToJavaScript("const n: number = 1;\nfunction f(x?: string): unknown { return x; }\n", language.TypeScript)
	if err != nil {
		t.Fatalf("ToJavaScript: %v", err)
	}
	if strings.Contains(js, ": number") || strings.Contains(js, "x?:") {
		t.Errorf("type annotations survived:\n%s", js)
	}

	src := "console.log(1);"
	if got, _ := ToJavaScript(src, language.JavaScript); got != src {
		t.Errorf("JavaScript should pass through, got %q", got)
	}

	if _, err := ToJavaScript("print(1)", language.Python); !errors.Is(err, ErrTranspile) {
		t.Errorf("python: got %v, want ErrTranspile", err)
	}

	if _, err := ToJavaScript("const = ;", language.TypeScript); !errors.Is(err, ErrTranspile) {
		t.Errorf("syntax error: got %v, want ErrTranspile", err)
	}
}
