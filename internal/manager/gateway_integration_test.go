package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/gridlens/internal/dataset"
	"github.com/withObsrvr/gridlens/internal/logging"
	"github.com/withObsrvr/gridlens/internal/source"
	"github.com/withObsrvr/gridlens/internal/status"
	"github.com/withObsrvr/gridlens/internal/storage"
)

// countingGateway pages 1000 rows on the current ontario_demand path and
// counts every request it receives.
type countingGateway struct {
	mu       sync.Mutex
	requests int
	limits   []int
}

func (g *countingGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	g.requests++
	g.mu.Unlock()

	if r.URL.Path != "/api/stream/ontario-demand" {
		http.NotFound(w, r)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("cursor"))

	g.mu.Lock()
	g.limits = append(g.limits, limit)
	g.mu.Unlock()

	const total = 1000
	end := min(offset+limit, total)
	rows := make([]map[string]any, 0, end-offset)
	for i := offset; i < end; i++ {
		rows = append(rows, map[string]any{"id": fmt.Sprintf("row-%d", i)})
	}
	if end < total {
		w.Header().Set(source.HeaderNextCursor, strconv.Itoa(end))
	}
	json.NewEncoder(w).Encode(map[string]any{
		"rows":     rows,
		"metadata": map[string]any{"hasMore": end < total, "totalEstimate": total},
	})
}

func (g *countingGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests
}

func gatewayManager(t *testing.T, cfg Config, gw *countingGateway) *Manager {
	t.Helper()
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	bucket := storage.OpenMemoryBucket()
	sample := `[{"hour":1},{"hour":2}]`
	if err := storage.WriteAll(context.Background(), bucket, dataset.SampleFile("ontario_demand"), []byte(sample), "application/json"); err != nil {
		t.Fatalf("seed sample: %v", err)
	}
	bundle := source.NewBundle(bucket)
	t.Cleanup(func() { bundle.Close() })

	desc := dataset.Descriptor{
		Key:    "ontario_demand",
		Name:   "Ontario Demand",
		Origin: "IESO",
		Paths:  []string{"/stream-ontario-demand", "/api/stream/ontario-demand"},
	}
	streamer := source.NewGatewayStreamer(desc, source.GatewayConfig{
		BaseURL:  srv.URL,
		APIKey:   "secret",
		PageSize: 300,
		Logger:   logging.Discard(),
	}, bundle)

	return New(cfg, Deps{
		Streamers: map[string]source.Streamer{"ontario_demand": streamer},
		Logger:    logging.Discard(),
		Now:       func() time.Time { return testNow },
	})
}

func TestMaxRowsStopsPaging(t *testing.T) {
	gw := &countingGateway{}
	m := gatewayManager(t, streaming, gw)

	rows, err := m.LoadData(context.Background(), "ontario_demand", LoadOptions{MaxRows: 450})
	if err != nil {
		t.Fatalf("LoadData failed: %v", err)
	}
	if len(rows) != 450 {
		t.Errorf("got %d rows, want 450", len(rows))
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	// two pages, each preceded by a 404 from the legacy path
	if gw.requests != 4 {
		t.Errorf("gateway saw %d requests, want 4", gw.requests)
	}
	if len(gw.limits) != 2 || gw.limits[0] != 300 || gw.limits[1] != 150 {
		t.Errorf("page limits = %v, want [300 150]", gw.limits)
	}
}

func TestNoNetworkWhenStreamingDisabled(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		force bool
	}{
		{"all off", allOff, false},
		{"feature off", Config{GatewayConfigured: true, EdgeFetchEnabled: true}, false},
		{"edge off forced", Config{GatewayConfigured: true, StreamingEnabled: true}, true},
		{"unconfigured forced", Config{EdgeFetchEnabled: true, StreamingEnabled: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &countingGateway{}
			m := gatewayManager(t, tt.cfg, gw)

			rows, err := m.LoadData(context.Background(), "ontario_demand", LoadOptions{ForceStream: tt.force})
			if err != nil {
				t.Fatalf("LoadData failed: %v", err)
			}
			if len(rows) != 2 {
				t.Errorf("got %d rows, want the 2-row sample", len(rows))
			}
			if gw.count() != 0 {
				t.Errorf("gateway received %d requests", gw.count())
			}
			if st, _ := m.GetConnectionStatus("ontario_demand"); st.State != status.StateFallback {
				t.Errorf("status = %+v", st)
			}
		})
	}
}

func TestFullStreamThroughGateway(t *testing.T) {
	gw := &countingGateway{}
	m := gatewayManager(t, streaming, gw)

	rows, err := m.LoadData(context.Background(), "ontario_demand", LoadOptions{})
	if err != nil {
		t.Fatalf("LoadData failed: %v", err)
	}
	if len(rows) != 1000 {
		t.Fatalf("got %d rows, want 1000", len(rows))
	}
	if rows[999]["id"] != "row-999" || rows[0][source.FieldOrigin] != "IESO" {
		t.Errorf("unexpected rows: first=%v last=%v", rows[0], rows[999])
	}
	if st, _ := m.GetConnectionStatus("ontario_demand"); st.State != status.StateConnected || st.RecordCount != 1000 {
		t.Errorf("status = %+v", st)
	}
}
