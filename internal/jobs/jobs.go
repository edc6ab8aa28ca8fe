// Package jobs runs the periodic sweeps that move entities whose deadline
// passed: invitation and pre-order expiry, order auto-confirmation and the
// ledger audit. Every sweep is also safe to run by hand.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/multierr"
)

// Job is one named sweep. Run returns how many items it acted on.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Timer runs its jobs on a fixed interval.
type Timer struct {
	jobs     []Job
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a timer for jobs.
func NewTimer(interval time.Duration, logger *slog.Logger, jobs ...Job) *Timer {
	return &Timer{
		jobs:     jobs,
		interval: interval,
		clock:    clock.New(),
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithClock overrides the time source.
func (t *Timer) WithClock(c clock.Clock) *Timer {
	t.clock = c
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the jobs every interval until ctx ends or Stop is called.
// Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := t.clock.Ticker(t.interval)
	defer ticker.Stop()

	t.running.Store(true)
	defer t.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if _, err := t.RunOnce(ctx); err != nil {
				t.logger.Warn("sweep run had failures", "error", err)
			}
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// RunOnce runs every job once, in order. A failing or panicking job does
// not prevent the others from running; all failures are returned together.
func (t *Timer) RunOnce(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(t.jobs))
	var errs error
	for _, j := range t.jobs {
		if ctx.Err() != nil {
			return counts, multierr.Append(errs, ctx.Err())
		}
		n, err := t.safeRun(ctx, j)
		counts[j.Name] = n
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", j.Name, err))
		}
		if n > 0 {
			t.logger.Info("sweep done", "job", j.Name, "count", n)
		}
	}
	return counts, errs
}

func (t *Timer) safeRun(ctx context.Context, j Job) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in sweep", "job", j.Name, "panic", fmt.Sprint(r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.Run(ctx)
}
