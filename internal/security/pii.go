package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// PIIType names a category of personal data.
type PIIType string

// Recognized PII types, in the order they are applied.
const (
	PIIEmail      PIIType = "email"
	PIIPhone      PIIType = "phone"
	PIICreditCard PIIType = "credit_card"
	PIISSN        PIIType = "ssn"
	PIIName       PIIType = "name"
)

// PIIToken maps a placeholder back to the hashed raw value.
type PIIToken struct {
	Token       string  `json:"token"`
	Type        PIIType `json:"type"`
	HashedValue string  `json:"hashed_value"`
}

type piiPattern struct {
	typ PIIType
	re  *regexp.Regexp
}

// piiPatterns is applied in order; earlier types win overlapping text.
var piiPatterns = []piiPattern{
	{PIIEmail, regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{PIIPhone, regexp.MustCompile(`\+\d{1,3}[\s.\-]?\(?\d{1,4}\)?(?:[\s.\-]?\d{2,4}){2,4}\b`)},
	{PIIPhone, regexp.MustCompile(`(?:\(\d{3}\)\s?|\b\d{3}[\s.\-])\d{3}[\s.\-]\d{4}\b`)},
	{PIICreditCard, regexp.MustCompile(`\b\d{4}[\s\-]?\d{4}[\s\-]?\d{4}[\s\-]?\d{4}\b`)},
	{PIISSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{PIIName, regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr)\.\s+[A-Z][a-z]+\s+[A-Z][a-z]+\b`)},
}

// Tokenizer replaces PII in text with stable "[TYPE_N]" tokens. Within one
// instance the same raw value always yields the same token. It is safe for
// concurrent use.
type Tokenizer struct {
	mu       sync.Mutex
	byHash   map[string]PIIToken
	byToken  map[string]PIIToken
	counters map[PIIType]int
}

// NewTokenizer returns an empty tokenizer.
func NewTokenizer() *Tokenizer {
	t := &Tokenizer{}
	t.reset()
	return t
}

func (t *Tokenizer) reset() {
	t.byHash = make(map[string]PIIToken)
	t.byToken = make(map[string]PIIToken)
	t.counters = make(map[PIIType]int)
}

// ContainsPII is a fast pre-check that allocates no tokens.
func ContainsPII(text string) bool {
	for _, p := range piiPatterns {
		if p.re.MatchString(text) {
			return true
		}
	}
	return false
}

// Tokenize replaces every PII match in text and reports whether anything
// was replaced.
func (t *Tokenizer) Tokenize(text string) (string, bool) {
	if !ContainsPII(text) {
		return text, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	replaced := false
	for _, p := range piiPatterns {
		text = p.re.ReplaceAllStringFunc(text, func(raw string) string {
			replaced = true
			return t.tokenFor(p.typ, raw).Token
		})
	}
	return text, replaced
}

// tokenFor returns the token for raw, allocating one on first sight.
// The caller holds t.mu.
func (t *Tokenizer) tokenFor(typ PIIType, raw string) PIIToken {
	sum := sha256.Sum256([]byte(raw))
	hash := hex.EncodeToString(sum[:])
	if tok, ok := t.byHash[hash]; ok {
		return tok
	}
	t.counters[typ]++
	tok := PIIToken{
		Token:       fmt.Sprintf("[%s_%d]", strings.ToUpper(string(typ)), t.counters[typ]),
		Type:        typ,
		HashedValue: hash,
	}
	t.byHash[hash] = tok
	t.byToken[tok.Token] = tok
	return tok
}

// Lookup returns the token record for a placeholder such as "[EMAIL_1]".
func (t *Tokenizer) Lookup(token string) (PIIToken, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok, ok := t.byToken[token]
	return tok, ok
}

// Tokens returns every allocated token.
func (t *Tokenizer) Tokens() []PIIToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PIIToken, 0, len(t.byToken))
	for _, tok := range t.byToken {
		out = append(out, tok)
	}
	return out
}

// Clear forgets all tokens and resets the per-type counters.
func (t *Tokenizer) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}
