package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-insight/internal/session"
)

var (
	// ErrInvalidLabel reports a selection label absent from the category's
	// distribution.
	ErrInvalidLabel = errors.New("prediction: label not present in category distribution")
	// ErrNoPredictions reports that no classification result is loaded.
	ErrNoPredictions = errors.New("prediction: no distributions available")
	// ErrUnknownCategory reports a category outside race/age/gender.
	ErrUnknownCategory = errors.New("prediction: unknown category")
)

// Store owns the distributions and the user's current selection for one
// analysis session. State transitions happen in memory and are mirrored to
// the session KV best-effort: a storage failure never rolls back the
// transition that triggered it.
type Store struct {
	kv     session.KV
	logger *zap.Logger
	ttl    time.Duration

	mu        sync.Mutex
	token     string
	dists     *Distributions
	selection *Selection
}

// NewStore builds an empty store persisting through kv under the given
// session token.
func NewStore(kv session.KV, token string, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		kv:     kv,
		logger: logger.Named("prediction_store"),
		ttl:    ttl,
		token:  token,
	}
}

// Load restores distributions and selection persisted earlier in the
// session, if any. Absence or decode failures leave the store empty.
func (s *Store) Load(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if raw, err := s.kv.Get(ctx, session.PredictionsKey(s.token)); err == nil {
		var dists Distributions
		if err := json.Unmarshal([]byte(raw), &dists); err != nil {
			s.logger.Warn("failed to decode persisted distributions", zap.Error(err))
		} else {
			s.dists = &dists
		}
	} else if !errors.Is(err, session.ErrNotFound) {
		s.logger.Warn("failed to read persisted distributions", zap.Error(err))
	}

	if s.dists == nil {
		return
	}

	if raw, err := s.kv.Get(ctx, session.SelectionKey(s.token)); err == nil {
		var selection Selection
		if err := json.Unmarshal([]byte(raw), &selection); err != nil {
			s.logger.Warn("failed to decode persisted selection", zap.Error(err))
		} else {
			s.selection = &selection
		}
	} else if !errors.Is(err, session.ErrNotFound) {
		s.logger.Warn("failed to read persisted selection", zap.Error(err))
	}
}

// Seed installs the distributions of a fresh classification and, when no
// selection exists yet, derives one from the top-ranked candidate of each
// category (ties broken by first-seen order).
func (s *Store) Seed(ctx context.Context, dists *Distributions) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dists = dists
	s.persistLocked(ctx, session.PredictionsKey(s.token), dists)

	if s.selection == nil {
		selection := topSelection(dists)
		s.selection = &selection
		s.persistLocked(ctx, session.SelectionKey(s.token), selection)
	}
}

// HasPredictions reports whether a classification result is loaded.
func (s *Store) HasPredictions() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dists != nil
}

// Distributions returns the loaded classification result, or nil.
func (s *Store) Distributions() *Distributions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dists
}

// Selection returns the current per-category choices.
func (s *Store) Selection() (Selection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selection == nil {
		return Selection{}, false
	}
	return *s.selection, true
}

// Get returns the chosen label for one category.
func (s *Store) Get(category Category) (string, error) {
	if !category.Valid() {
		return "", ErrUnknownCategory
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selection == nil {
		return "", ErrNoPredictions
	}
	return s.selection.Get(category), nil
}

// SetSelection overrides the chosen label for one category. The label must
// be a member of that category's distribution under the category's
// comparison rule; otherwise the prior selection stays untouched and
// ErrInvalidLabel is returned.
func (s *Store) SetSelection(ctx context.Context, category Category, label string) error {
	if !category.Valid() {
		return ErrUnknownCategory
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dists == nil || s.selection == nil {
		return ErrNoPredictions
	}
	if _, ok := s.dists.ByCategory(category).Find(category, label); !ok {
		return ErrInvalidLabel
	}

	s.selection.set(category, label)
	s.persistLocked(ctx, session.SelectionKey(s.token), *s.selection)
	return nil
}

// ResetToTopPrediction recomputes the selection from the current
// distributions exactly as Seed does, discarding user overrides. Idempotent.
func (s *Store) ResetToTopPrediction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dists == nil {
		return ErrNoPredictions
	}
	selection := topSelection(s.dists)
	s.selection = &selection
	s.persistLocked(ctx, session.SelectionKey(s.token), selection)
	return nil
}

// Clear discards distributions and selection, in memory and in the KV.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dists = nil
	s.selection = nil
	if err := s.kv.Delete(ctx, session.PredictionsKey(s.token), session.SelectionKey(s.token)); err != nil {
		s.logger.Warn("failed to clear persisted session entries", zap.Error(err))
	}
}

func (s *Store) persistLocked(ctx context.Context, key string, value interface{}) {
	raw, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("failed to serialize session entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.kv.Set(ctx, key, string(raw), s.ttl); err != nil {
		s.logger.Warn("best-effort session write failed", zap.String("key", key), zap.Error(err))
	}
}
