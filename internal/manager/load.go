package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/gridlens/internal/cache"
	"github.com/withObsrvr/gridlens/internal/logging"
	"github.com/withObsrvr/gridlens/internal/source"
	"github.com/withObsrvr/gridlens/internal/status"
)

// InitializeConnection sets the initial status of key. When streaming is
// not attempted for this deployment the status becomes fallback without a
// probe; otherwise the manifest probe decides between connected and error.
// Probe failures are returned after being recorded in the status.
func (m *Manager) InitializeConnection(ctx context.Context, key string) (status.ConnectionStatus, error) {
	s, ok := m.streamers[key]
	if !ok {
		return status.ConnectionStatus{}, fmt.Errorf("%w: %s", ErrUnknownDataset, key)
	}

	opCtx, op := m.begin(ctx, key)
	defer m.end(key, op)
	log := logging.LoadLogger(m.log, op.id.String(), key)

	count := func() *int {
		rows, _ := m.Cached(key)
		return status.Count(len(rows))
	}

	if !m.ShouldAttemptStream(false) {
		st, ok := m.commit(key, op, nil, status.Update{
			State:       status.StateFallback,
			RecordCount: count(),
			Source:      status.SourceFallback,
		})
		if !ok {
			return st, supersededErr(opCtx)
		}
		log.Info("streaming disabled, using fallback data")
		return st, nil
	}

	if _, ok := m.commit(key, op, nil, status.Update{State: status.StateConnecting}); !ok {
		return status.ConnectionStatus{}, supersededErr(opCtx)
	}

	manifest, err := s.Probe(opCtx)
	if err != nil {
		if source.IsCanceled(err) || opCtx.Err() != nil {
			return status.ConnectionStatus{}, supersededErr(opCtx)
		}
		st, ok := m.commit(key, op, nil, status.Update{
			State:       status.StateError,
			RecordCount: count(),
			Error:       err.Error(),
		})
		if !ok {
			return st, supersededErr(opCtx)
		}
		log.Warn("probe failed", "error", err)
		return st, err
	}

	st, ok := m.commit(key, op, nil, status.Update{
		State:       status.StateConnected,
		RecordCount: count(),
		Source:      status.SourceStream,
		Probed:      true,
	})
	if !ok {
		return st, supersededErr(opCtx)
	}
	log.Info("probe succeeded", "version", manifest.Version, "fields", len(manifest.Fields))
	return st, nil
}

// RefreshData discards the session cache entry for key and loads it again.
func (m *Manager) RefreshData(ctx context.Context, key string, opts LoadOptions) ([]source.Row, error) {
	if _, ok := m.streamers[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, key)
	}
	m.mu.Lock()
	delete(m.session, key)
	m.mu.Unlock()
	return m.LoadData(ctx, key, opts)
}

// LoadData loads key from the stream or fallback data and commits the result
// to the session cache and status registry. A load that is superseded by a
// newer load for the same key returns an error matching source.ErrCanceled
// and leaves no trace. The returned slice is shared with the session cache
// and must not be modified.
func (m *Manager) LoadData(ctx context.Context, key string, opts LoadOptions) ([]source.Row, error) {
	s, ok := m.streamers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, key)
	}

	opCtx, op := m.begin(ctx, key)
	defer m.end(key, op)

	cid := op.id.String()
	opCtx = logging.WithCorrelationID(opCtx, cid)
	log := logging.LoadLogger(m.log, cid, key)
	start := m.now()

	l := &load{m: m, key: key, op: op, opts: opts, log: log}

	l.prehydrate(opCtx)

	if !l.publish(nil, status.Update{State: status.StateConnecting}) {
		return nil, l.superseded(opCtx)
	}

	reason := "disabled"
	var streamErr error
	if m.ShouldAttemptStream(opts.ForceStream) {
		rows, err := l.stream(opCtx, s)
		switch {
		case err == nil:
			source.MarkSource(rows, source.ProvenanceStream)
			committed := l.publish(func() { m.session[key] = rows }, status.Update{
				State:       status.StateConnected,
				RecordCount: status.Count(len(rows)),
				Source:      status.SourceStream,
			})
			if !committed {
				return nil, l.superseded(opCtx)
			}
			m.persist(opCtx, key, op, rows, log)
			m.finished(key, status.SourceStream, "ok", start, len(rows))
			log.Info("loaded from stream", "rows", len(rows))
			return rows, nil

		case source.IsCanceled(err) || opCtx.Err() != nil:
			return nil, l.superseded(opCtx)

		case errors.Is(err, source.ErrEmptyStream):
			reason = "empty_stream"
		default:
			reason = "stream_error"
		}
		streamErr = err
		log.Warn("stream failed, using fallback", "error", err)
	}

	m.metrics.IncFallback(key, reason)

	rows, err := l.fallback(opCtx, s)
	if err != nil {
		if source.IsCanceled(err) || opCtx.Err() != nil {
			return nil, l.superseded(opCtx)
		}
		if streamErr != nil {
			err = fmt.Errorf("%w: stream: %v; fallback: %w", ErrUnavailable, streamErr, err)
		} else {
			err = fmt.Errorf("%w: fallback: %w", ErrUnavailable, err)
		}
		if !l.publish(nil, status.Update{
			State:       status.StateError,
			RecordCount: status.Count(0),
			Source:      status.SourceFallback,
			Error:       err.Error(),
		}) {
			return nil, l.superseded(opCtx)
		}
		m.finished(key, status.SourceFallback, "error", start, 0)
		log.Error("load failed", "error", err)
		return nil, err
	}

	if opts.MaxRows > 0 && len(rows) > opts.MaxRows {
		rows = rows[:opts.MaxRows]
	}

	if !l.publish(func() { m.session[key] = rows }, status.Update{
		State:       status.StateFallback,
		RecordCount: status.Count(len(rows)),
		Source:      status.SourceFallback,
	}) {
		return nil, l.superseded(opCtx)
	}
	m.finished(key, status.SourceFallback, "ok", start, len(rows))
	log.Info("loaded fallback data", "rows", len(rows), "reason", reason)
	return rows, nil
}

// persist writes stream results to the durable cache after they were
// committed. Writes for one key run one at a time and only while op is
// current; a newer load or Shutdown aborts a write in progress, and the
// caller going away does not. Failures are logged and never fail the load.
func (m *Manager) persist(ctx context.Context, key string, op *operation, rows []source.Row, log *slog.Logger) {
	mu := m.persistMu[key]
	mu.Lock()
	defer mu.Unlock()

	if !m.current(key, op) {
		m.metrics.IncDurableCache("set", "skipped")
		return
	}

	writeCtx, cancel := context.WithTimeoutCause(context.WithoutCancel(ctx), m.cfg.DurableWriteTimeout,
		fmt.Errorf("durable cache write exceeded %s", m.cfg.DurableWriteTimeout))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		if c := context.Cause(ctx); errors.Is(c, errSuperseded) || errors.Is(c, errShutdown) {
			cancel()
		}
	})
	defer stop()

	if err := m.durable.Set(writeCtx, key, rows); err != nil {
		if c := context.Cause(writeCtx); c != nil {
			err = fmt.Errorf("%w (%v)", err, c)
		}
		m.metrics.IncDurableCache("set", "error")
		log.Warn("durable cache write failed", "error", err)
		return
	}
	m.metrics.IncDurableCache("set", "ok")
}

func (m *Manager) finished(key string, src status.Source, outcome string, start time.Time, rows int) {
	m.metrics.IncLoad(key, string(src), outcome)
	if outcome == "ok" {
		m.metrics.ObserveLoad(key, string(src), m.now().Sub(start).Seconds(), rows)
	}
}

// load carries the state of one LoadData call.
type load struct {
	m    *Manager
	key  string
	op   *operation
	opts LoadOptions
	log  *slog.Logger
}

func (l *load) publish(mutate func(), u status.Update) bool {
	st, ok := l.m.commit(l.key, l.op, mutate, u)
	if ok && l.opts.OnStatus != nil {
		l.opts.OnStatus(st)
	}
	return ok
}

func (l *load) superseded(ctx context.Context) error {
	l.m.metrics.IncSuperseded(l.key)
	l.m.metrics.IncLoad(l.key, "none", "canceled")
	l.log.Debug("load canceled", "cause", context.Cause(ctx))
	return supersededErr(ctx)
}

// prehydrate fills an empty session cache entry from the durable cache. It
// never touches status.
func (l *load) prehydrate(ctx context.Context) {
	if _, ok := l.m.Cached(l.key); ok {
		return
	}

	rows, err := l.m.durable.Get(ctx, l.key)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		l.m.metrics.IncDurableCache("get", "miss")
		return
	case err != nil:
		l.m.metrics.IncDurableCache("get", "error")
		if ctx.Err() == nil {
			l.log.Warn("durable cache read failed", "error", err)
		}
		return
	}
	l.m.metrics.IncDurableCache("get", "hit")

	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if _, filled := l.m.session[l.key]; filled || l.m.ops[l.key] != l.op {
		return
	}
	l.m.session[l.key] = rows
	l.log.Debug("session cache hydrated from durable cache", "rows", len(rows))
}

func (l *load) stream(ctx context.Context, s source.Streamer) ([]source.Row, error) {
	return source.Collect(ctx, s.Stream(l.opts.MaxRows), l.progress)
}

func (l *load) progress(b *source.Batch, total int) {
	if l.opts.OnProgress != nil && l.m.current(l.key, l.op) {
		l.opts.OnProgress(total, b.TotalEstimate)
	}
}

// fallback loads the bundled sample, then pages through the simulator when
// one is configured.
func (l *load) fallback(ctx context.Context, s source.Streamer) ([]source.Row, error) {
	rows, err := s.LoadFallback(ctx)
	if err == nil {
		return rows, nil
	}
	if source.IsCanceled(err) || !l.m.sim.Configured() {
		return nil, err
	}
	l.log.Warn("bundled sample unavailable, trying simulator", "error", err)

	simRows, simErr := source.Collect(ctx, l.m.sim.Stream(l.key, l.opts.MaxRows), l.progress)
	if simErr != nil {
		if source.IsCanceled(simErr) {
			return nil, simErr
		}
		if errors.Is(simErr, source.ErrEmptyStream) {
			// an empty document is not worth caching for a full TTL
			l.m.sim.Invalidate(l.key)
		}
		return nil, fmt.Errorf("%w; simulator: %w", err, simErr)
	}
	source.PrepareFallback(simRows, s.Descriptor(), l.m.now())
	return simRows, nil
}
