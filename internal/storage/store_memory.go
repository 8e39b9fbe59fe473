package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "quantgraph/pkg/errors"

	"github.com/google/uuid"
)

// MemoryStore implements Store in memory
type MemoryStore struct {
	strategies map[string]Strategy
	runs       map[string]Run
	mu         sync.RWMutex
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strategies: make(map[string]Strategy),
		runs:       make(map[string]Run),
		now:        time.Now,
	}
}

func (s *MemoryStore) SaveStrategy(ctx context.Context, st *Strategy) error {
	if err := validateStrategy(st); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if prev, ok := s.strategies[st.ID]; ok {
		st.CreatedAt = prev.CreatedAt
	} else if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	stored := *st
	stored.Graph = append([]byte(nil), st.Graph...)
	s.strategies[st.ID] = stored
	return nil
}

func (s *MemoryStore) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.strategies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrStrategyNotFound, id)
	}
	st.Graph = append([]byte(nil), st.Graph...)
	return &st, nil
}

func (s *MemoryStore) ListStrategies(ctx context.Context) ([]Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		st.Graph = append([]byte(nil), st.Graph...)
		out = append(out, st)
	}
	sortStrategies(out)
	return out, nil
}

func (s *MemoryStore) DeleteStrategy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.strategies[id]; !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrStrategyNotFound, id)
	}
	delete(s.strategies, id)
	for runID, r := range s.runs {
		if r.StrategyID == id {
			delete(s.runs, runID)
		}
	}
	return nil
}

func (s *MemoryStore) SaveRun(ctx context.Context, r *Run) error {
	if err := validateRun(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = r.Report.ID
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	s.runs[r.ID] = *r
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrRunNotFound, id)
	}
	return &r, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, strategyID string) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Run, 0)
	for _, r := range s.runs {
		if strategyID == "" || r.StrategyID == strategyID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func validateStrategy(st *Strategy) error {
	if st == nil || st.Name == "" {
		return fmt.Errorf("%w: strategy name is required", apperrors.ErrInvalidGraph)
	}
	if len(st.Graph) == 0 {
		return fmt.Errorf("%w: strategy %q has no graph", apperrors.ErrInvalidGraph, st.Name)
	}
	return nil
}

func validateRun(r *Run) error {
	if r == nil || r.Report == nil {
		return fmt.Errorf("%w: run has no report", apperrors.ErrInvalidBacktest)
	}
	if r.ID == "" && r.Report.ID == "" {
		return fmt.Errorf("%w: run has no id", apperrors.ErrInvalidBacktest)
	}
	if r.Status == "" {
		r.Status = r.Report.Status
	}
	return nil
}

// newest first
func sortStrategies(out []Strategy) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
}
