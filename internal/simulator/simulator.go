// Package simulator serves paginated reads over static sample documents
// fetched from a remote content host. It stands in for the gateway when a
// deployment has no live backend.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/withObsrvr/gridlens/internal/dataset"
	"github.com/withObsrvr/gridlens/internal/metrics"
	"github.com/withObsrvr/gridlens/internal/source"
)

const (
	DefaultTTL      = 5 * time.Minute
	defaultPageSize = 500
	maxSampleBytes  = 64 << 20
)

// ErrUnavailable means the sample document could not be fetched.
var ErrUnavailable = errors.New("sample host unavailable")

// Config configures a Simulator.
type Config struct {
	BaseURL  string
	TTL      time.Duration
	PageSize int

	Client  *http.Client
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

type entry struct {
	rows      []source.Row
	fetchedAt time.Time
}

// Simulator caches one sample array per dataset for TTL.
type Simulator struct {
	cfg   Config
	log   *slog.Logger
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a simulator. An empty BaseURL yields a simulator that reports
// itself unconfigured.
func New(cfg Config) *Simulator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Simulator{
		cfg:     cfg,
		log:     log.With("component", "simulator"),
		entries: make(map[string]entry),
	}
}

// Configured reports whether a content host is set.
func (s *Simulator) Configured() bool {
	return s != nil && s.cfg.BaseURL != ""
}

// Slice returns rows [offset, offset+limit) with synthesized pagination
// metadata. NextCursor is the offset of the following slice.
func (s *Simulator) Slice(ctx context.Context, key string, offset, limit int) (*source.Batch, error) {
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("invalid slice offset=%d limit=%d", offset, limit)
	}
	rows, err := s.rows(ctx, key)
	if err != nil {
		return nil, err
	}

	total := len(rows)
	start := min(offset, total)
	end := min(offset+limit, total)

	b := &source.Batch{
		Rows:          copyRows(rows[start:end]),
		HasMore:       end < total,
		TotalEstimate: &total,
	}
	if b.HasMore {
		b.NextCursor = strconv.Itoa(end)
	}
	return b, nil
}

// Invalidate drops the cached sample for key.
func (s *Simulator) Invalidate(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *Simulator) rows(ctx context.Context, key string) ([]source.Row, error) {
	if !s.Configured() {
		return nil, fmt.Errorf("%w: no sample host configured", ErrUnavailable)
	}
	if ctx.Err() != nil {
		return nil, canceled(ctx)
	}

	now := s.cfg.Now()
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if ok && now.Sub(e.fetchedAt) < s.cfg.TTL {
		s.cfg.Metrics.IncSimulatorFetch(key, "hit")
		return e.rows, nil
	}

	// The shared fetch outlives any single caller's cancellation; the
	// client timeout bounds it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		rows, err := s.fetch(fetchCtx, key)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.entries[key] = entry{rows: rows, fetchedAt: s.cfg.Now()}
		s.mu.Unlock()
		return rows, nil
	})

	select {
	case <-ctx.Done():
		return nil, canceled(ctx)
	case res := <-ch:
		if res.Err != nil {
			s.cfg.Metrics.IncSimulatorFetch(key, "error")
			return nil, res.Err
		}
		s.cfg.Metrics.IncSimulatorFetch(key, "miss")
		return res.Val.([]source.Row), nil
	}
}

func (s *Simulator) fetch(ctx context.Context, key string) ([]source.Row, error) {
	name := dataset.SampleFile(key)
	url := s.cfg.BaseURL + "/" + name

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %w", ErrUnavailable, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: fetch %s: http %d", ErrUnavailable, name, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSampleBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrUnavailable, name, err)
	}
	rows, err := source.DecodeRows(data, name)
	if err != nil {
		return nil, err
	}

	s.log.Debug("fetched sample", "dataset", key, "rows", len(rows))
	return rows, nil
}

// Stream returns a pager over the cached sample, capped at maxRows rows.
func (s *Simulator) Stream(key string, maxRows int) source.Pager {
	return &pager{s: s, key: key, maxRows: maxRows}
}

type pager struct {
	s       *Simulator
	key     string
	maxRows int
	offset  int
	done    bool
}

func (p *pager) Next(ctx context.Context) (*source.Batch, error) {
	if p.done || (p.maxRows > 0 && p.offset >= p.maxRows) {
		p.done = true
		if p.offset == 0 {
			return nil, source.ErrEmptyStream
		}
		return nil, io.EOF
	}

	limit := p.s.cfg.PageSize
	if p.maxRows > 0 && p.maxRows-p.offset < limit {
		limit = p.maxRows - p.offset
	}

	b, err := p.s.Slice(ctx, p.key, p.offset, limit)
	if err != nil {
		p.done = true
		return nil, err
	}
	if len(b.Rows) == 0 {
		p.done = true
		if p.offset == 0 {
			return nil, source.ErrEmptyStream
		}
		return nil, io.EOF
	}

	p.offset += len(b.Rows)
	if !b.HasMore {
		p.done = true
	}
	return b, nil
}

func copyRows(rows []source.Row) []source.Row {
	out := make([]source.Row, len(rows))
	for i, r := range rows {
		c := make(source.Row, len(r))
		for k, v := range r {
			c[k] = v
		}
		out[i] = c
	}
	return out
}

func canceled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w: %w", source.ErrCanceled, cause)
}
