package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/withObsrvr/gridlens/internal/dataset"
	"github.com/withObsrvr/gridlens/internal/metrics"
)

// HeaderNextCursor carries the opaque cursor for the following page.
const HeaderNextCursor = "X-Next-Cursor"

const defaultPageSize = 500

// GatewayConfig configures access to the remote gateway. It is shared by all
// streamers of one deployment.
type GatewayConfig struct {
	BaseURL  string
	APIKey   string
	PageSize int

	Client  *http.Client
	Limiter *rate.Limiter // optional, paces requests across datasets
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// PageResponse is the gateway's page payload.
type PageResponse struct {
	Rows     []Row        `json:"rows"`
	Metadata PageMetadata `json:"metadata"`
}

// PageMetadata is the pagination metadata of a page.
type PageMetadata struct {
	HasMore       bool `json:"hasMore"`
	TotalEstimate *int `json:"totalEstimate,omitempty"`
}

// GatewayStreamer streams one dataset from the gateway and loads its bundled
// fallback sample.
type GatewayStreamer struct {
	desc   dataset.Descriptor
	cfg    GatewayConfig
	bundle *Bundle
	log    *slog.Logger
}

// NewGatewayStreamer creates the streamer for desc. bundle may be nil when
// the deployment ships no samples.
func NewGatewayStreamer(desc dataset.Descriptor, cfg GatewayConfig, bundle *Bundle) *GatewayStreamer {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &GatewayStreamer{
		desc:   desc,
		cfg:    cfg,
		bundle: bundle,
		log:    log.With("component", "streamer", "dataset", desc.Key),
	}
}

// NewStreamers builds one streamer per catalog entry.
func NewStreamers(catalog *dataset.Catalog, cfg GatewayConfig, bundle *Bundle) map[string]Streamer {
	out := make(map[string]Streamer)
	for _, d := range catalog.All() {
		out[d.Key] = NewGatewayStreamer(d, cfg, bundle)
	}
	return out
}

// Descriptor returns the dataset descriptor.
func (g *GatewayStreamer) Descriptor() dataset.Descriptor {
	return g.desc
}

func (g *GatewayStreamer) attempts(paths []string, query url.Values) []Attempt {
	headers := http.Header{}
	headers.Set("Accept", "application/json")
	if g.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+g.cfg.APIKey)
		headers.Set("apikey", g.cfg.APIKey)
	}

	encoded := ""
	if len(query) > 0 {
		encoded = "?" + query.Encode()
	}

	attempts := make([]Attempt, 0, len(paths))
	for _, p := range paths {
		attempts = append(attempts, requestAttempt{
			name:    p,
			url:     g.cfg.BaseURL + p + encoded,
			client:  g.cfg.Client,
			headers: headers,
		})
	}
	return attempts
}

func (g *GatewayStreamer) wait(ctx context.Context) error {
	if g.cfg.Limiter == nil {
		return nil
	}
	if err := g.cfg.Limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return canceled(ctx)
		}
		return fmt.Errorf("%w: rate limiter: %w", ErrConnectivity, err)
	}
	return nil
}

// Probe reads the dataset manifest.
func (g *GatewayStreamer) Probe(ctx context.Context) (*Manifest, error) {
	if g.cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: gateway base URL not configured", ErrConnectivity)
	}
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	resp, candidate, err := firstSuccess(ctx, g.attempts(g.desc.ManifestPaths, nil), nil)
	if err != nil {
		g.cfg.Metrics.IncProbe(g.desc.Key, outcomeOf(err))
		return nil, fmt.Errorf("probe %s: %w", g.desc.Key, err)
	}
	defer resp.Body.Close()

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		if ctx.Err() != nil {
			return nil, canceled(ctx)
		}
		g.cfg.Metrics.IncProbe(g.desc.Key, "bad_manifest")
		return nil, fmt.Errorf("%w: decode manifest from %s: %w", ErrConnectivity, candidate, err)
	}

	g.cfg.Metrics.IncProbe(g.desc.Key, "ok")
	g.log.Debug("probe succeeded", "candidate", candidate, "version", m.Version)
	return &m, nil
}

// Stream returns a pager over the live dataset.
func (g *GatewayStreamer) Stream(maxRows int) Pager {
	return &gatewayPager{g: g, maxRows: maxRows}
}

// fetchPage performs one page read with candidate resolution.
func (g *GatewayStreamer) fetchPage(ctx context.Context, limit int, cursor string) (*PageResponse, string, error) {
	if g.cfg.BaseURL == "" {
		return nil, "", fmt.Errorf("%w: gateway base URL not configured", ErrConnectivity)
	}
	if err := g.wait(ctx); err != nil {
		return nil, "", err
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	observe := func(candidate, outcome string) {
		g.cfg.Metrics.IncPageRequest(g.desc.Key, candidate, outcome)
	}

	resp, candidate, err := firstSuccess(ctx, g.attempts(g.desc.Paths, query), observe)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var page PageResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		if ctx.Err() != nil {
			return nil, "", canceled(ctx)
		}
		return nil, "", fmt.Errorf("%w: decode page from %s: %w", ErrConnectivity, candidate, err)
	}
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	page.Rows = normalizeRows(page.Rows)
	return &page, resp.Header.Get(HeaderNextCursor), nil
}

// gatewayPager walks the gateway's cursor chain.
type gatewayPager struct {
	g           *GatewayStreamer
	maxRows     int
	cursor      string
	accumulated int
	done        bool
}

func (p *gatewayPager) finish() error {
	p.done = true
	if p.accumulated == 0 {
		return ErrEmptyStream
	}
	return io.EOF
}

func (p *gatewayPager) Next(ctx context.Context) (*Batch, error) {
	if p.done {
		if p.accumulated == 0 {
			return nil, ErrEmptyStream
		}
		return nil, io.EOF
	}
	if ctx.Err() != nil {
		return nil, canceled(ctx)
	}
	if p.maxRows > 0 && p.accumulated >= p.maxRows {
		return nil, p.finish()
	}

	limit := p.g.cfg.PageSize
	if p.maxRows > 0 && p.maxRows-p.accumulated < limit {
		limit = p.maxRows - p.accumulated
	}

	page, next, err := p.g.fetchPage(ctx, limit, p.cursor)
	if err != nil {
		p.done = true
		return nil, err
	}

	rows := page.Rows
	if len(rows) == 0 {
		return nil, p.finish()
	}
	if p.maxRows > 0 && p.accumulated+len(rows) > p.maxRows {
		rows = rows[:p.maxRows-p.accumulated]
	}
	Tag(rows, p.g.desc.Origin, p.g.cfg.Now())

	p.accumulated += len(rows)
	p.cursor = next

	if !page.Metadata.HasMore || next == "" || (p.maxRows > 0 && p.accumulated >= p.maxRows) {
		p.done = true
	}

	return &Batch{
		Rows:          rows,
		HasMore:       page.Metadata.HasMore,
		TotalEstimate: page.Metadata.TotalEstimate,
		NextCursor:    next,
	}, nil
}

// LoadFallback loads the bundled sample for the dataset.
func (g *GatewayStreamer) LoadFallback(ctx context.Context) ([]Row, error) {
	if g.bundle == nil {
		return nil, fmt.Errorf("no sample bundle configured for %s", g.desc.Key)
	}
	rows, err := g.bundle.Load(ctx, g.desc.Key)
	if err != nil {
		return nil, err
	}
	PrepareFallback(rows, g.desc, g.cfg.Now())
	return rows, nil
}

// PrepareFallback tags rows with fallback provenance and assigns synthetic
// identifiers to rows that lack one.
func PrepareFallback(rows []Row, desc dataset.Descriptor, now time.Time) {
	Tag(rows, desc.Origin, now)
	MarkSource(rows, ProvenanceFallback)
	for i, r := range rows {
		if id, ok := r[FieldID]; ok && id != nil && id != "" {
			continue
		}
		r[FieldID] = fmt.Sprintf("%s-fallback-%d", desc.Key, i)
	}
}

func normalizeRows(rows []Row) []Row {
	for i, r := range rows {
		if r == nil {
			rows[i] = Row{}
		}
	}
	return rows
}

func outcomeOf(err error) string {
	if IsCanceled(err) {
		return "canceled"
	}
	return "error"
}
