// Package sanitize normalizes free text (OCR output and user questions)
// into a restricted character set before it reaches the prompt
package sanitize

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// AllowedPunctuation lists the punctuation kept by the sanitizer;
// letters, digits and whitespace are always kept
const AllowedPunctuation = `.,!?;:'"()-`

// Rule replaces every occurrence of From with To
type Rule struct {
	Name string
	From rune
	To   rune
}

// Built-in OCR confusion rules, applied in this order by Default
var builtinRules = []Rule{
	{Name: "pipe-to-I", From: '|', To: 'I'},
	{Name: "dollar-to-S", From: '$', To: 'S'},
	{Name: "backtick-to-apostrophe", From: '`', To: '\''},
	{Name: "left-single-quote", From: '‘', To: '\''},
	{Name: "right-single-quote", From: '’', To: '\''},
	{Name: "left-double-quote", From: '“', To: '"'},
	{Name: "right-double-quote", From: '”', To: '"'},
	{Name: "en-dash", From: '–', To: '-'},
	{Name: "em-dash", From: '—', To: '-'},
}

// BuiltinRules returns a copy of the built-in substitution rules
func BuiltinRules() []Rule {
	return append([]Rule(nil), builtinRules...)
}

// BuiltinRuleNames returns the names of the built-in rules in order
func BuiltinRuleNames() []string {
	names := make([]string, 0, len(builtinRules))
	for _, r := range builtinRules {
		names = append(names, r.Name)
	}
	return names
}

// ParseRule resolves a rule spec. A spec is either the name of a built-in
// rule or a custom single-character mapping written "x=y"
func ParseRule(spec string) (Rule, error) {
	spec = strings.TrimSpace(spec)
	for _, r := range builtinRules {
		if r.Name == spec {
			return r, nil
		}
	}

	from, to, ok := strings.Cut(spec, "=")
	if !ok || utf8.RuneCountInString(from) != 1 || utf8.RuneCountInString(to) != 1 {
		return Rule{}, fmt.Errorf("unknown substitution rule %q", spec)
	}
	f, _ := utf8.DecodeRuneInString(from)
	t, _ := utf8.DecodeRuneInString(to)
	return Rule{Name: spec, From: f, To: t}, nil
}

// ParseRules resolves a list of rule specs, skipping blanks
func ParseRules(specs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		if strings.TrimSpace(s) == "" {
			continue
		}
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Sanitizer applies substitutions, character filtering, whitespace
// collapsing and trimming, in that order. It is safe for concurrent use
type Sanitizer struct {
	rules   []Rule
	replace map[rune]rune
}

// New validates rules and returns a sanitizer applying them in order;
// a rule's replacement may not be the source of any rule, which keeps
// Sanitize idempotent
func New(rules []Rule) (*Sanitizer, error) {
	replace := make(map[rune]rune, len(rules))
	for _, r := range rules {
		if r.From == r.To {
			return nil, fmt.Errorf("rule %q maps %q to itself", r.Name, r.From)
		}
		if _, dup := replace[r.From]; dup {
			return nil, fmt.Errorf("rule %q: duplicate source %q", r.Name, r.From)
		}
		replace[r.From] = r.To
	}
	for _, r := range rules {
		if _, chained := replace[r.To]; chained {
			return nil, fmt.Errorf("rule %q: replacement %q is itself substituted by another rule", r.Name, r.To)
		}
	}

	return &Sanitizer{
		rules:   append([]Rule(nil), rules...),
		replace: replace,
	}, nil
}

// Default returns a sanitizer with all built-in rules enabled
func Default() *Sanitizer {
	s, err := New(builtinRules)
	if err != nil {
		panic(err)
	}
	return s
}

// Rules returns the active rules in application order
func (s *Sanitizer) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

// Sanitize returns the normalized form of text. The empty string maps to
// the empty string
func (s *Sanitizer) Sanitize(text string) string {
	if text == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(text))
	pendingSpace := false

	for i, w := 0, 0; i < len(text); i += w {
		r, width := utf8.DecodeRuneInString(text[i:])
		w = width
		if r == utf8.RuneError && width <= 1 {
			continue
		}
		if to, ok := s.replace[r]; ok {
			r = to
		}
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		case allowed(r):
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}

	return b.String()
}

func allowed(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(AllowedPunctuation, r)
}
