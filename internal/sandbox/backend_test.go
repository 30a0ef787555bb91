package sandbox

import (
	"errors"
	"testing"

	"github.com/flemzord/mcpexec/internal/language"
)

func TestSelect(t *testing.T) {
	t.Parallel()

	all := func(Kind) bool { return true }
	noContainer := func(k Kind) bool { return k != KindContainer }
	vmOnly := func(k Kind) bool { return k == KindVM }

	tests := []struct {
		name      string
		lang      language.Language
		tier      Tier
		preferred Kind
		available func(Kind) bool
		want      Kind
		wantErr   bool
	}{
		{"default is process", language.TypeScript, TierMedium, "", all, KindProcess, false},
		{"preference honored", language.TypeScript, TierLow, KindVM, all, KindVM, false},
		{"high tier forces container", language.TypeScript, TierHigh, KindVM, all, KindContainer, false},
		{"high tier without docker", language.Python, TierHigh, "", noContainer, "", true},
		{"python never vm", language.Python, TierMedium, KindVM, all, KindProcess, false},
		{"python container preference", language.Python, TierMedium, KindContainer, all, KindContainer, false},
		{"python with vm only", language.Python, TierLow, "", vmOnly, "", true},
		{"js on vm only", language.JavaScript, TierLow, "", vmOnly, KindVM, false},
		{"unavailable preference falls back", language.JavaScript, TierMedium, KindContainer, noContainer, KindProcess, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Select(tt.lang, tt.tier, tt.preferred, tt.available)
			if tt.wantErr {
				if !errors.Is(err, ErrNoBackend) {
					t.Fatalf("expected ErrNoBackend, got %v (%+v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if got.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", got.Kind, tt.want)
			}
			if !got.Available || !got.Supports(tt.lang) {
				t.Errorf("selected capability %+v cannot run %s", got, tt.lang)
			}
		})
	}
}

func TestParseTier(t *testing.T) {
	t.Parallel()

	if got, _ := ParseTier(""); got != TierMedium {
		t.Errorf("empty tier = %s, want medium", got)
	}
	if got, _ := ParseTier("high"); got != TierHigh {
		t.Errorf("ParseTier(high) = %s", got)
	}
	if _, err := ParseTier("extreme"); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestCapabilityOf(t *testing.T) {
	t.Parallel()

	vm, ok := CapabilityOf(KindVM)
	if !ok || vm.Supports(language.Python) {
		t.Errorf("vm capability = %+v", vm)
	}
	if _, ok := CapabilityOf("wasm"); ok {
		t.Error("unknown kind should not have a capability")
	}
}
