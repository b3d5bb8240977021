package manager

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/gridlens/internal/cache"
	"github.com/withObsrvr/gridlens/internal/dataset"
	"github.com/withObsrvr/gridlens/internal/logging"
	"github.com/withObsrvr/gridlens/internal/source"
	"github.com/withObsrvr/gridlens/internal/status"
)

var testNow = time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)

func rowsN(prefix string, n int) []source.Row {
	rows := make([]source.Row, n)
	for i := range rows {
		rows[i] = source.Row{"id": fmt.Sprintf("%s-%d", prefix, i), "value": float64(i)}
	}
	return rows
}

// fakePager yields pages in order, then err (or io.EOF).
type fakePager struct {
	pages [][]source.Row
	err   error

	// wait blocks the first Next until closed. entered is closed when the
	// first Next starts waiting.
	wait      <-chan struct{}
	entered   chan struct{}
	ignoreCtx bool

	i int
}

func (p *fakePager) Next(ctx context.Context) (*source.Batch, error) {
	if p.wait != nil {
		if p.entered != nil {
			close(p.entered)
			p.entered = nil
		}
		if p.ignoreCtx {
			<-p.wait
		} else {
			select {
			case <-p.wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		p.wait = nil
	}
	if p.i >= len(p.pages) {
		if p.err != nil {
			return nil, p.err
		}
		if p.i == 0 {
			return nil, source.ErrEmptyStream
		}
		return nil, io.EOF
	}
	rows := p.pages[p.i]
	p.i++
	total := 0
	for _, pg := range p.pages {
		total += len(pg)
	}
	return &source.Batch{Rows: rows, HasMore: p.i < len(p.pages), TotalEstimate: &total}, nil
}

// fakeStreamer is a scripted Streamer.
type fakeStreamer struct {
	desc dataset.Descriptor

	mu          sync.Mutex
	streamCalls int
	probeCalls  int
	fbCalls     int

	pagerFn  func(call int) source.Pager
	probeErr error

	fallback      []source.Row
	fallbackErr   error
	fallbackWait  chan struct{}
	fallbackEnter chan struct{}
}

func newFake(key string) *fakeStreamer {
	return &fakeStreamer{
		desc: dataset.Descriptor{
			Key:    key,
			Name:   key + " name",
			Origin: "test",
			Paths:  []string{"/stream-" + key},
		},
	}
}

func (f *fakeStreamer) Descriptor() dataset.Descriptor { return f.desc }

func (f *fakeStreamer) Probe(ctx context.Context) (*source.Manifest, error) {
	f.mu.Lock()
	f.probeCalls++
	f.mu.Unlock()
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return &source.Manifest{Dataset: f.desc.Key, Version: "2"}, nil
}

func (f *fakeStreamer) Stream(maxRows int) source.Pager {
	f.mu.Lock()
	f.streamCalls++
	call := f.streamCalls
	f.mu.Unlock()
	if f.pagerFn == nil {
		return &fakePager{}
	}
	return f.pagerFn(call)
}

func (f *fakeStreamer) LoadFallback(ctx context.Context) ([]source.Row, error) {
	f.mu.Lock()
	f.fbCalls++
	f.mu.Unlock()
	if f.fallbackWait != nil {
		if f.fallbackEnter != nil {
			close(f.fallbackEnter)
		}
		select {
		case <-f.fallbackWait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fallbackErr != nil {
		return nil, f.fallbackErr
	}
	out := make([]source.Row, len(f.fallback))
	for i, r := range f.fallback {
		c := source.Row{}
		for k, v := range r {
			c[k] = v
		}
		out[i] = c
	}
	source.PrepareFallback(out, f.desc, testNow)
	return out, nil
}

func (f *fakeStreamer) calls() (stream, probe, fallback int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamCalls, f.probeCalls, f.fbCalls
}

var (
	allOff    = Config{}
	streaming = Config{GatewayConfigured: true, EdgeFetchEnabled: true, StreamingEnabled: true}
)

func newTestManager(t *testing.T, cfg Config, fakes ...*fakeStreamer) (*Manager, *cache.BlobStore) {
	t.Helper()
	streamers := make(map[string]source.Streamer, len(fakes))
	for _, f := range fakes {
		streamers[f.desc.Key] = f
	}
	durable := cache.NewMemoryStore()
	t.Cleanup(func() { durable.Close() })

	m := New(cfg, Deps{
		Streamers: streamers,
		Durable:   durable,
		Status:    status.New(func() time.Time { return testNow }),
		Logger:    logging.Discard(),
		Now:       func() time.Time { return testNow },
	})
	return m, durable
}

func mustStatus(t *testing.T, m *Manager, key string) status.ConnectionStatus {
	t.Helper()
	st, ok := m.GetConnectionStatus(key)
	if !ok {
		t.Fatalf("no status for %s", key)
	}
	return st
}
