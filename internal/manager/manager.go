// Package manager is the single entry point for dataset reads. It decides
// between the live stream and fallback data, owns the session cache, and
// publishes connection status.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"

	"github.com/withObsrvr/gridlens/internal/cache"
	"github.com/withObsrvr/gridlens/internal/config"
	"github.com/withObsrvr/gridlens/internal/dataset"
	"github.com/withObsrvr/gridlens/internal/metrics"
	"github.com/withObsrvr/gridlens/internal/simulator"
	"github.com/withObsrvr/gridlens/internal/source"
	"github.com/withObsrvr/gridlens/internal/status"
)

var (
	ErrUnknownDataset = errors.New("unknown dataset")

	// ErrUnavailable means both the stream and every fallback failed.
	ErrUnavailable = errors.New("no data source available")

	ErrExport            = errors.New("export failed")
	ErrNoCachedData      = fmt.Errorf("%w: no cached data", ErrExport)
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported format", ErrExport)
	ErrNoExportTarget    = fmt.Errorf("%w: no export destination configured", ErrExport)

	errSuperseded = errors.New("superseded by a newer load")
	errShutdown   = errors.New("manager shut down")
)

// Config holds the switches behind the stream-vs-fallback decision.
type Config struct {
	// GatewayConfigured is true when the gateway base URL and credentials
	// are both present.
	GatewayConfigured bool
	// EdgeFetchEnabled allows any network call to the gateway.
	EdgeFetchEnabled bool
	// StreamingEnabled is the dataset-independent streaming feature switch.
	StreamingEnabled bool

	// DurableWriteTimeout bounds each durable cache write. Zero means
	// defaultDurableWriteTimeout.
	DurableWriteTimeout time.Duration
}

const defaultDurableWriteTimeout = 10 * time.Second

// ConfigFrom derives the decision switches from process configuration.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		GatewayConfigured: cfg.Gateway.Configured(),
		EdgeFetchEnabled:  cfg.Features.EdgeFetchEnabled,
		StreamingEnabled:  cfg.Features.StreamingEnabled,

		DurableWriteTimeout: cfg.Cache.WriteTimeout,
	}
}

// Deps are the collaborators injected into a Manager. Only Streamers is
// required.
type Deps struct {
	Streamers map[string]source.Streamer
	Durable   cache.Store
	Status    *status.Registry
	Simulator *simulator.Simulator
	Exports   *blob.Bucket
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// LoadOptions tune a single load.
type LoadOptions struct {
	// MaxRows caps the returned rows. Zero means no cap.
	MaxRows int
	// ForceStream attempts the stream even when the streaming feature is
	// off, provided the gateway is configured and edge fetch is enabled.
	ForceStream bool
	// OnProgress is called after every streamed batch with the running row
	// count and the gateway's total estimate, if any.
	OnProgress func(loaded int, totalEstimate *int)
	// OnStatus is called with every status this load publishes.
	OnStatus func(status.ConnectionStatus)
}

// operation is the currently valid load for one dataset key.
type operation struct {
	id     uuid.UUID
	cancel context.CancelCauseFunc
}

// Manager coordinates loads for every dataset. It is safe for concurrent use.
type Manager struct {
	cfg       Config
	streamers map[string]source.Streamer
	durable   cache.Store
	registry  *status.Registry
	sim       *simulator.Simulator
	exports   *blob.Bucket
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time

	// commitMu serializes commits so a status published by one operation
	// is never interleaved with another's. Nothing slow runs under it.
	commitMu sync.Mutex

	// persistMu orders durable writes per key. The map is fixed after New.
	persistMu map[string]*sync.Mutex

	mu      sync.Mutex
	session map[string][]source.Row
	ops     map[string]*operation
}

// New creates a manager and registers every dataset with the status registry.
func New(cfg Config, deps Deps) *Manager {
	if deps.Durable == nil {
		deps.Durable = cache.NewMemoryStore()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.DurableWriteTimeout <= 0 {
		cfg.DurableWriteTimeout = defaultDurableWriteTimeout
	}
	if deps.Status == nil {
		deps.Status = status.New(deps.Now)
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		cfg:       cfg,
		streamers: deps.Streamers,
		durable:   deps.Durable,
		registry:  deps.Status,
		sim:       deps.Simulator,
		exports:   deps.Exports,
		metrics:   deps.Metrics,
		log:       log.With("component", "manager"),
		now:       deps.Now,
		session:   make(map[string][]source.Row),
		ops:       make(map[string]*operation),
		persistMu: make(map[string]*sync.Mutex, len(deps.Streamers)),
	}
	for key, s := range m.streamers {
		m.registry.Register(key, s.Descriptor().Name)
		m.persistMu[key] = &sync.Mutex{}
	}
	return m
}

// ShouldAttemptStream evaluates the stream-vs-fallback decision.
func (m *Manager) ShouldAttemptStream(forceStream bool) bool {
	if forceStream {
		return m.cfg.GatewayConfigured && m.cfg.EdgeFetchEnabled
	}
	streamingFeatureEnabled := m.cfg.StreamingEnabled && m.cfg.GatewayConfigured
	return streamingFeatureEnabled && m.cfg.EdgeFetchEnabled
}

// Datasets returns the descriptors of every managed dataset ordered by key.
func (m *Manager) Datasets() []dataset.Descriptor {
	out := make([]dataset.Descriptor, 0, len(m.streamers))
	for _, s := range m.streamers {
		out = append(out, s.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Keys returns every managed dataset key, sorted.
func (m *Manager) Keys() []string {
	keys := make([]string, 0, len(m.streamers))
	for k := range m.streamers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Cached returns the session cache entry for key. The slice is shared and
// must not be modified.
func (m *Manager) Cached(key string) ([]source.Row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.session[key]
	return rows, ok
}

// SubscribeToStatus registers l for key; l first receives the current status.
func (m *Manager) SubscribeToStatus(key string, l status.Listener) (func(), error) {
	if _, ok := m.streamers[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, key)
	}
	return m.registry.Subscribe(key, l)
}

// GetConnectionStatus returns the current status for key.
func (m *Manager) GetConnectionStatus(key string) (status.ConnectionStatus, bool) {
	return m.registry.Get(key)
}

// GetAllConnectionStatuses returns every current status keyed by dataset.
func (m *Manager) GetAllConnectionStatuses() map[string]status.ConnectionStatus {
	return m.registry.All()
}

// Shutdown cancels every in-flight operation.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, op := range m.ops {
		op.cancel(errShutdown)
		delete(m.ops, key)
	}
}

// begin issues a fresh operation for key, cancelling any previous one.
func (m *Manager) begin(ctx context.Context, key string) (context.Context, *operation) {
	opCtx, cancel := context.WithCancelCause(ctx)
	op := &operation{id: uuid.New(), cancel: cancel}

	m.mu.Lock()
	if prev, ok := m.ops[key]; ok {
		prev.cancel(errSuperseded)
	}
	m.ops[key] = op
	m.mu.Unlock()
	return opCtx, op
}

// end retires op. Its context is released either way.
func (m *Manager) end(key string, op *operation) {
	m.mu.Lock()
	if m.ops[key] == op {
		delete(m.ops, key)
	}
	m.mu.Unlock()
	op.cancel(nil)
}

func (m *Manager) current(key string, op *operation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops[key] == op
}

// commit applies mutate and publishes u if op is still current. mutate runs
// under the session lock and may be nil.
func (m *Manager) commit(key string, op *operation, mutate func(), u status.Update) (status.ConnectionStatus, bool) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	if m.ops[key] != op {
		m.mu.Unlock()
		return status.ConnectionStatus{}, false
	}
	if mutate != nil {
		mutate()
	}
	m.mu.Unlock()

	st, err := m.registry.Set(key, u)
	if err != nil {
		m.log.Error("status update rejected", "dataset", key, "state", u.State, "error", err)
	}
	return st, true
}

func supersededErr(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = errSuperseded
	}
	return fmt.Errorf("%w: %w", source.ErrCanceled, cause)
}
