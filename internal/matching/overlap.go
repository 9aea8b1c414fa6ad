package matching

import (
	"sort"
	"strings"
)

const (
	MaxInterests      = 10
	MaxInterestLength = 32
)

// NormalizeInterests trims and lower-cases tags, drops empty, over-long and
// duplicate ones, and keeps at most MaxInterests in order of first
// appearance.
func NormalizeInterests(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || len(tag) > MaxInterestLength || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
		if len(out) == MaxInterests {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// SharedInterests returns the tags present in both sets, sorted.
func SharedInterests(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, tag := range a {
		set[tag] = true
	}
	var shared []string
	for _, tag := range b {
		if set[tag] {
			shared = append(shared, tag)
			delete(set, tag)
		}
	}
	sort.Strings(shared)
	return shared
}

// interestCandidate scans the queue oldest first for a tagged ticket whose
// tags intersect t's. Tickets that already fell back to the general pool
// carry no tags and are never candidates.
func (q *Queue) interestCandidate(t *Ticket) (*Ticket, []string) {
	for _, cand := range q.tickets {
		if cand.ConnID == t.ConnID || !cand.Tagged() {
			continue
		}
		if shared := SharedInterests(cand.Interests, t.Interests); len(shared) > 0 {
			return cand, shared
		}
	}
	return nil, nil
}
