// Package worker runs the gateway's background loops: usage flushing and
// rollups, credential refresh, and config watching.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Worker is a named long-running background loop. Run blocks until ctx is
// cancelled or the loop hits an unrecoverable error.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner supervises a set of workers as a unit. The first worker failure
// cancels the rest; shutting down via ctx is not a failure.
type Runner struct {
	workers []Worker
}

func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts every worker and blocks until all of them have returned.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		g.Go(func() error {
			slog.Info("worker started", "worker", w.Name())
			err := w.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker %s: %w", w.Name(), err)
			}
			slog.Info("worker stopped", "worker", w.Name())
			return nil
		})
	}
	return g.Wait()
}
