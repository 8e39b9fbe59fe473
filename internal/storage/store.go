// Package storage persists strategy graphs and backtest runs
package storage

import (
	"context"
	"time"

	"quantgraph/internal/trading/backtest"

	"github.com/goccy/go-json"
)

// Strategy is a named, saved strategy graph in the LiteGraph format
type Strategy struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Graph       json.RawMessage `json:"graph"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Run is a finished backtest. StrategyID is empty for ad hoc graphs.
type Run struct {
	ID         string           `json:"id"`
	StrategyID string           `json:"strategy_id,omitempty"`
	Status     string           `json:"status"`
	Report     *backtest.Report `json:"report"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Store persists strategies and runs. Save assigns an id when empty and
// stamps times. Deleting a strategy deletes its runs.
type Store interface {
	SaveStrategy(ctx context.Context, s *Strategy) error
	GetStrategy(ctx context.Context, id string) (*Strategy, error)
	ListStrategies(ctx context.Context) ([]Strategy, error)
	DeleteStrategy(ctx context.Context, id string) error

	SaveRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, strategyID string) ([]Run, error)

	Close() error
}
