// Package moderation screens chat content before it is relayed and talks
// to the external moderation service: ban lookups, abuse reports and ban
// events.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult is the outcome of a content check. Reason is
// "blocked_keyword" or "spam_pattern"; Term names what matched.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}

// defaultTerms is the built-in blocklist. Multi-word entries are matched as
// whole-word phrases.
var defaultTerms = []string{
	// self-harm and threats
	"kill yourself", "kys", "go die", "bomb threat", "shoot up",
	// sexual solicitation
	"send nudes", "child porn", "cp trade",
	// hate
	"heil hitler", "white power", "gas the",
	// scams
	"free bitcoin", "crypto giveaway", "double your money", "cashapp me",
}

// leetMap maps common character substitutions back to letters.
var leetMap = map[rune]rune{
	'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's', '7': 't',
	'@': 'a', '$': 's', '!': 'i', '|': 'l', '+': 't',
}

// Filter checks text against a keyword blocklist and the spam patterns.
// It is read-only after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string // space-joined, lower-case
}

// NewFilter returns a Filter loaded with the default blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a Filter that blocks exactly terms. Blank
// terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenizePlain(strings.ToLower(term))
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, strings.Join(tokens, " "))
		}
	}
	return f
}

// Check screens text. Keyword matches win over spam patterns.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}
	lower := strings.ToLower(text)

	plain := tokenizePlain(lower)
	leet := make([]string, 0, len(plain))
	for _, tok := range tokenizeLeet(lower) {
		if n := normalizeLeet(tok); n != "" {
			leet = append(leet, n)
		}
	}

	for _, tokens := range [][]string{plain, leet} {
		if term, ok := f.matchTokens(tokens); ok {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: term}
		}
	}
	return f.checkSpamPatterns(text)
}

// CheckInterests returns the interests that pass Check, in order.
func (f *Filter) CheckInterests(interests []string) []string {
	clean := make([]string, 0, len(interests))
	for _, tag := range interests {
		if !f.Check(tag).Blocked {
			clean = append(clean, tag)
		}
	}
	return clean
}

func (f *Filter) matchTokens(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	if len(f.phrases) == 0 || len(tokens) < 2 {
		return "", false
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, p := range f.phrases {
		if strings.Contains(joined, " "+p+" ") {
			return p, true
		}
	}
	return "", false
}

// tokenizePlain splits on anything that is not a letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace and common sentence punctuation only,
// keeping substitution characters such as '@' and '$' inside tokens.
func tokenizeLeet(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == '.' || r == '?' || r == ';' || r == ':'
	})
}

// normalizeLeet maps substitution characters to letters and drops anything
// else that is not a letter.
func normalizeLeet(tok string) string {
	var b strings.Builder
	b.Grow(len(tok))
	for _, r := range tok {
		if m, ok := leetMap[r]; ok {
			r = m
		}
		if unicode.IsLetter(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
