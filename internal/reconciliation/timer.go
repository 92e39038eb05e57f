package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when NewTimer is given a non-positive interval.
const DefaultInterval = 30 * time.Second

// Timer runs a sweep at start and then on every tick. Ticks that find the
// previous sweep still running are skipped, not queued.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	running  atomic.Bool
	skipped  atomic.Int64
}

// NewTimer creates a sweep timer.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Skipped returns how many ticks found a sweep already in progress.
func (t *Timer) Skipped() int64 {
	return t.skipped.Load()
}

// Start blocks until ctx ends or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	// The ledger may have moved while the process was down.
	t.safeRun(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop ends the loop. It is safe to call more than once, and before Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation sweep", "panic", fmt.Sprint(r))
		}
	}()

	select {
	case <-t.stop:
		return
	default:
	}

	_, err := t.runner.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSweepInProgress):
		t.skipped.Add(1)
		skippedTicks.Inc()
		t.logger.Debug("reconciliation tick skipped, sweep still running")
	case ctx.Err() != nil:
		t.logger.Debug("reconciliation sweep interrupted by shutdown", "error", err)
	default:
		t.logger.Warn("reconciliation sweep failed", "error", err)
	}
}
