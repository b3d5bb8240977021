// Package status tracks the connection state of every dataset and notifies
// subscribers of changes.
package status

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the connection state of a dataset.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
	StateFallback   State = "fallback"
)

func (s State) valid() bool {
	switch s {
	case StateConnecting, StateConnected, StateError, StateFallback:
		return true
	}
	return false
}

// Source is the provenance of the data a status describes.
type Source string

const (
	SourceStream   Source = "stream"
	SourceFallback Source = "fallback"
)

var (
	ErrUnknownDataset    = errors.New("unknown dataset")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ConnectionStatus is the snapshot handed to readers and subscribers.
type ConnectionStatus struct {
	Dataset     string     `json:"dataset"`
	State       State      `json:"status"`
	LastUpdated *time.Time `json:"lastUpdate"`
	RecordCount int        `json:"recordCount"`
	Error       string     `json:"error,omitempty"`
	Source      Source     `json:"source"`
}

// IsLive reports whether consumers may present the data as live.
func (s ConnectionStatus) IsLive() bool {
	return s.State == StateConnected && s.Source == SourceStream
}

// Update describes a transition. A nil RecordCount keeps the previous count
// and an empty Source keeps the previous source. Error is replaced.
type Update struct {
	State       State
	RecordCount *int
	Error       string
	Source      Source

	// Probed marks a connected state reached by a manifest probe before any
	// rows were loaded. Only probed updates may be connected with zero rows.
	Probed bool
}

// Count is a helper for Update.RecordCount.
func Count(n int) *int {
	return &n
}

// Listener receives status snapshots. It runs synchronously on the
// publishing goroutine and must not publish on the same registry.
type Listener func(ConnectionStatus)

// Registry owns one ConnectionStatus per dataset key.
type Registry struct {
	// pubMu serializes publications so every subscriber sees changes in
	// the order they were applied.
	pubMu sync.Mutex

	mu       sync.RWMutex
	statuses map[string]ConnectionStatus
	subs     map[string]map[uint64]Listener
	nextID   uint64
	now      func() time.Time
}

// New creates an empty registry. now may be nil.
func New(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		statuses: make(map[string]ConnectionStatus),
		subs:     make(map[string]map[uint64]Listener),
		now:      now,
	}
}

// Register adds a dataset in the connecting state with no data. Registering
// an existing key is a no-op.
func (r *Registry) Register(key, displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.statuses[key]; ok {
		return
	}
	r.statuses[key] = ConnectionStatus{
		Dataset: displayName,
		State:   StateConnecting,
		Source:  SourceFallback,
	}
}

// Set applies u to key and broadcasts the result to the key's subscribers
// before returning.
func (r *Registry) Set(key string, u Update) (ConnectionStatus, error) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	cur, ok := r.statuses[key]
	if !ok {
		r.mu.Unlock()
		return ConnectionStatus{}, fmt.Errorf("%w: %s", ErrUnknownDataset, key)
	}

	next, err := apply(cur, u)
	if err != nil {
		r.mu.Unlock()
		return cur, fmt.Errorf("%s: %w", key, err)
	}
	ts := r.now()
	next.LastUpdated = &ts
	r.statuses[key] = next

	listeners := make([]Listener, 0, len(r.subs[key]))
	ids := make([]uint64, 0, len(r.subs[key]))
	for id := range r.subs[key] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		listeners = append(listeners, r.subs[key][id])
	}
	r.mu.Unlock()

	for _, l := range listeners {
		l(next)
	}
	return next, nil
}

func apply(cur ConnectionStatus, u Update) (ConnectionStatus, error) {
	if !u.State.valid() {
		return cur, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, u.State)
	}

	next := cur
	next.State = u.State
	next.Error = u.Error
	if u.RecordCount != nil {
		if *u.RecordCount < 0 {
			return cur, fmt.Errorf("%w: negative record count", ErrInvalidTransition)
		}
		next.RecordCount = *u.RecordCount
	}
	if u.Source != "" {
		next.Source = u.Source
	}

	if next.State == StateConnected && next.RecordCount == 0 && !u.Probed {
		return cur, fmt.Errorf("%w: connected with zero records", ErrInvalidTransition)
	}
	return next, nil
}

// Get returns the current status for key.
func (r *Registry) Get(key string) (ConnectionStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[key]
	return s, ok
}

// All returns a copy of every status keyed by dataset key.
func (r *Registry) All() map[string]ConnectionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ConnectionStatus, len(r.statuses))
	for k, v := range r.statuses {
		out[k] = v
	}
	return out
}

// Subscribe registers l for key. l immediately receives the current
// snapshot, then every later change. The returned func unsubscribes.
func (r *Registry) Subscribe(key string, l Listener) (func(), error) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	cur, ok := r.statuses[key]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, key)
	}
	r.nextID++
	id := r.nextID
	if r.subs[key] == nil {
		r.subs[key] = make(map[uint64]Listener)
	}
	r.subs[key][id] = l
	r.mu.Unlock()

	l(cur)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs[key], id)
			r.mu.Unlock()
		})
	}, nil
}
