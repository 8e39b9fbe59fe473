package backtest

import (
	"context"
	"fmt"

	"quantgraph/internal/strategy/graph"
	"quantgraph/pkg/concurrency"
)

// Job is one backtest of a batch
type Job struct {
	Name   string
	Graph  *graph.Graph
	Config Config
}

// BatchResult pairs a job with its outcome
type BatchResult struct {
	Name   string  `json:"name"`
	Report *Report `json:"report,omitempty"`
	Error  string  `json:"error,omitempty"`
	err    error
}

// Err returns the run's error
func (b BatchResult) Err() error {
	return b.err
}

// RunBatch runs jobs concurrently on pool. Every job runs on its own clone
// of its graph and its own account; one job failing does not stop the
// others. Results keep the order of jobs.
func (r *Runner) RunBatch(ctx context.Context, pool *concurrency.WorkerPool, jobs []Job) []BatchResult {
	results := make([]BatchResult, len(jobs))
	tasks := make([]func(context.Context) error, len(jobs))
	for i, job := range jobs {
		i, job := i, job
		results[i].Name = job.Name
		tasks[i] = func(ctx context.Context) error {
			g, err := job.Graph.Clone()
			if err != nil {
				results[i].err = fmt.Errorf("clone graph: %w", err)
			} else {
				results[i].Report, results[i].err = r.Run(ctx, g, job.Config)
			}
			if results[i].err != nil {
				results[i].Error = results[i].err.Error()
			}
			return nil
		}
	}
	_ = pool.RunAll(ctx, tasks)
	for i := range results {
		if results[i].Report == nil && results[i].err == nil {
			if err := ctx.Err(); err != nil {
				results[i].err = err
				results[i].Error = err.Error()
			}
		}
	}
	return results
}
