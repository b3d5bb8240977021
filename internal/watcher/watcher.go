// Package watcher refreshes datasets on a fixed interval.
package watcher

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/gridlens/internal/manager"
	"github.com/withObsrvr/gridlens/internal/source"
)

// Refresher is the subset of the manager the watcher drives.
type Refresher interface {
	Keys() []string
	RefreshData(ctx context.Context, key string, opts manager.LoadOptions) ([]source.Row, error)
}

type Watcher struct {
	mgr      Refresher
	interval time.Duration
	keys     []string
	log      *slog.Logger

	// tick is called after every completed round. Tests use it.
	tick func(round int)
}

// New creates a watcher over keys. An empty key list polls every dataset
// the refresher knows.
func New(mgr Refresher, interval time.Duration, keys []string, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	if len(keys) == 0 {
		keys = mgr.Keys()
	}
	return &Watcher{
		mgr:      mgr,
		interval: interval,
		keys:     keys,
		log:      log.With("component", "watcher"),
	}
}

// Run polls until ctx is cancelled. A non-positive interval disables
// polling and Run returns immediately.
func (w *Watcher) Run(ctx context.Context) error {
	if w.interval <= 0 {
		w.log.Info("polling disabled")
		return nil
	}

	w.log.Info("polling started", "interval", w.interval, "datasets", len(w.keys))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for round := 1; ; round++ {
		select {
		case <-ctx.Done():
			w.log.Info("polling stopped")
			return nil
		case <-ticker.C:
		}

		w.Poll(ctx)
		if w.tick != nil {
			w.tick(round)
		}
	}
}

// Poll refreshes every key once, concurrently, and waits for the round to
// finish. Refresh failures are logged; a superseded refresh is not an error.
func (w *Watcher) Poll(ctx context.Context) {
	var g errgroup.Group
	for _, key := range w.keys {
		key := key // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			rows, err := w.mgr.RefreshData(ctx, key, manager.LoadOptions{})
			switch {
			case err == nil:
				w.log.Debug("refreshed", "dataset", key, "rows", len(rows))
			case source.IsCanceled(err):
				w.log.Debug("refresh canceled", "dataset", key)
			default:
				w.log.Warn("refresh failed", "dataset", key, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
