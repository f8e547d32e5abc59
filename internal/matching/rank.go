package matching

import (
	"cmp"
	"slices"
)

// Rank orders scores best first: highest confidence, then earliest candidate date,
// then lowest candidate id. The order is total, so ranking is deterministic.
func Rank(scores []Score) {
	slices.SortStableFunc(scores, func(a, b Score) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		if c := a.Candidate.Date.Compare(b.Candidate.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.Candidate.Target.ID(), b.Candidate.Target.ID())
	})
}
