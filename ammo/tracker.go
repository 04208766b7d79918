package ammo

import "strings"

// Tracker counts how often normalized topic keywords have come up across
// extraction cycles within a single call. Working state only: scoped to one
// session, mutated only by that session's extraction cycles, never
// persisted.
type Tracker struct {
	counts map[string]int
}

func NewTracker() *Tracker {
	return &Tracker{counts: make(map[string]int)}
}

// Bump increments every keyword's counter and returns the maximum count
// across them after the update. Maximum, not sum: a quote touching two
// already-seen themes counts as one repetition, not two.
func (t *Tracker) Bump(keywords []string) int {
	max := 0
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		t.counts[kw]++
		if t.counts[kw] > max {
			max = t.counts[kw]
		}
	}
	if max == 0 {
		// No usable keywords still counts as a first mention.
		max = 1
	}
	return max
}

func (t *Tracker) Count(keyword string) int {
	return t.counts[strings.ToLower(strings.TrimSpace(keyword))]
}
