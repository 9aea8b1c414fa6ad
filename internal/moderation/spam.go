package moderation

import (
	"regexp"
	"strings"
)

var (
	// Bare domains need a path so "v2.0" or "3.14" pass.
	linkRe  = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)
	phoneRe = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	floodRunes = 5 // identical runes in a row
	floodWords = 3 // identical words in a row
)

// spamRules run in order; the first hit blocks.
var spamRules = []struct {
	term  string
	match func(string) bool
}{
	{"url", linkRe.MatchString},
	{"phone", phoneRe.MatchString},
	{"char_flood", func(s string) bool { return longestRun(strings.Split(s, "")) >= floodRunes }},
	{"word_flood", func(s string) bool { return longestRun(strings.Fields(strings.ToLower(s))) >= floodWords }},
}

// longestRun returns the length of the longest run of equal adjacent items.
func longestRun(items []string) int {
	best, run := 0, 0
	for i, it := range items {
		if i > 0 && it == items[i-1] {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, r := range spamRules {
		if r.match(text) {
			return FilterResult{Blocked: true, Reason: "spam_pattern", Term: r.term}
		}
	}
	return FilterResult{}
}
