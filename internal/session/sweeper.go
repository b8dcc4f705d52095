package session

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically terminates sessions that are already expired by
// the pure idle check, reclaiming registry entries for abandoned
// channels. Expiry is also enforced lazily on every access, so the
// sweeper is an optimization, not a correctness requirement. It takes
// the same per-channel lock as message processing and therefore never
// races destructively with an in-flight turn.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates an idle-session sweeper. Call Start to begin.
func NewSweeper(registry *Registry, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry: registry,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
		done:     make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (w *Sweeper) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(sweepCtx)
}

// Stop cancels the sweeper and waits for its goroutine to exit.
func (w *Sweeper) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *Sweeper) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep runs one pass over all known channels, terminating any session
// the pure expiry check reports as past its idle timeout. Returns the
// number of sessions terminated. Safe to call directly from tests.
func (w *Sweeper) Sweep() int {
	var swept int
	for _, id := range w.registry.channelIDs() {
		if w.registry.ExpireIfIdle(id) {
			swept++
		}
	}
	if swept > 0 {
		w.logger.Info("swept idle sessions", "count", swept)
	}
	return swept
}
