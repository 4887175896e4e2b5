// Package dispatcher runs a fixed pool of workers over the job queue.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Runner is one worker loop. It must return once ctx is done.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans queue work out to a pool of workers.
type Dispatcher struct {
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, logger: logger}
}

// Size reports how many workers the pool runs.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until every one has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting workers", zap.Int("count", len(d.workers)))
	var wg sync.WaitGroup
	for i, w := range d.workers {
		wg.Add(1)
		go func(id int, wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
			d.logger.Debug("worker stopped", zap.Int("worker", id))
		}(i, w)
	}
	wg.Wait()
	d.logger.Info("all workers stopped")
}
