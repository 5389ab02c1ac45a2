package prediction

import "context"

// Selector exposes the review screen's read/write operations over a Store.
// It holds no state of its own; every call recomputes from the store.
type Selector struct {
	store *Store
}

// NewSelector wraps a store.
func NewSelector(store *Store) *Selector {
	return &Selector{store: store}
}

// RankedCandidates returns the category's candidates in descending score
// order, ties in first-seen order.
func (s *Selector) RankedCandidates(category Category) ([]Candidate, error) {
	if !category.Valid() {
		return nil, ErrUnknownCategory
	}
	dists := s.store.Distributions()
	if dists == nil {
		return nil, ErrNoPredictions
	}
	return dists.ByCategory(category).Ranked(), nil
}

// ActiveConfidence returns the score behind the current selection for the
// category. If the selection is somehow absent from the distribution it
// returns 0 rather than failing.
func (s *Selector) ActiveConfidence(category Category) float64 {
	if !category.Valid() {
		return 0
	}
	dists := s.store.Distributions()
	if dists == nil {
		return 0
	}
	selection, ok := s.store.Selection()
	if !ok {
		return 0
	}
	candidate, ok := dists.ByCategory(category).Find(category, selection.Get(category))
	if !ok {
		return 0
	}
	return candidate.Score
}

// Select overrides the selection for the category, surfacing the store's
// ErrInvalidLabel on unknown labels.
func (s *Selector) Select(ctx context.Context, category Category, label string) error {
	return s.store.SetSelection(ctx, category, label)
}
