package matcher

import (
	"sort"

	"github.com/iago/recording-reconciler/internal/domain"
)

// sortScored orders by tier rank, then combined delta. The sort is stable so
// equal candidates keep upstream order.
func sortScored(scored []domain.ScoredCandidate) {
	sort.SliceStable(scored, func(i, j int) bool {
		left, right := scored[i], scored[j]
		if left.Tier.Rank() != right.Tier.Rank() {
			return left.Tier.Rank() < right.Tier.Rank()
		}
		return left.CombinedDelta() < right.CombinedDelta()
	})
}

// Top returns at most n scored candidates, best first.
func Top(scored []domain.ScoredCandidate, n int) []domain.ScoredCandidate {
	if n <= 0 || len(scored) <= n {
		return append([]domain.ScoredCandidate(nil), scored...)
	}
	return append([]domain.ScoredCandidate(nil), scored[:n]...)
}
