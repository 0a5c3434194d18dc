// Package merge combines an existing archive snapshot with a freshly
// fetched batch into a single chronologically ordered series.
package merge

import (
	"fmt"
	"log/slog"
	"sort"

	"barkeep/internal/domain"
)

// Merger folds incoming bars into an existing series. For timestamps present
// on both sides the incoming bar wins: upstream re-publishes corrected bars
// and the newest copy is authoritative.
type Merger struct {
	log *slog.Logger
}

// New creates a Merger.
func New() *Merger {
	return &Merger{log: slog.Default().With("component", "merger")}
}

// Merge returns the union of existing and incoming keyed by timestamp, with
// incoming overriding existing, sorted ascending. Within incoming itself the
// last occurrence of a timestamp wins. Neither input is modified.
//
// The merged result is checked before being returned: strictly increasing
// timestamps and at least as many rows as the larger input. A violation
// means a merge bug, not bad market data, and surfaces as
// domain.ErrMergeIntegrity so callers abort the cycle instead of persisting.
func (m *Merger) Merge(existing, incoming []domain.Bar) ([]domain.Bar, error) {
	byTS := make(map[int64]domain.Bar, len(existing)+len(incoming))
	for _, b := range existing {
		byTS[b.Timestamp.UnixNano()] = b
	}
	overridden := 0
	for _, b := range incoming {
		if _, ok := byTS[b.Timestamp.UnixNano()]; ok {
			overridden++
		}
		byTS[b.Timestamp.UnixNano()] = b
	}

	merged := make([]domain.Bar, 0, len(byTS))
	for _, b := range byTS {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	if err := m.check(existing, incoming, merged); err != nil {
		return nil, err
	}

	m.log.Debug("merge complete",
		"existing", len(existing),
		"incoming", len(incoming),
		"merged", len(merged),
		"overridden", overridden,
	)
	return merged, nil
}

func (m *Merger) check(existing, incoming, merged []domain.Bar) error {
	// Duplicate timestamps within an input collapse during the merge, so the
	// row-count floor is the larger side counted by distinct timestamp.
	if len(merged) < distinct(existing) || len(merged) < distinct(incoming) {
		return fmt.Errorf("%w: merged %d rows, inputs had %d and %d distinct timestamps",
			domain.ErrMergeIntegrity, len(merged), distinct(existing), distinct(incoming))
	}

	for i := 1; i < len(merged); i++ {
		if !merged[i].Timestamp.After(merged[i-1].Timestamp) {
			return fmt.Errorf("%w: timestamps not strictly increasing at row %d",
				domain.ErrMergeIntegrity, i)
		}
	}
	return nil
}

func distinct(bars []domain.Bar) int {
	seen := make(map[int64]struct{}, len(bars))
	for _, b := range bars {
		seen[b.Timestamp.UnixNano()] = struct{}{}
	}
	return len(seen)
}
