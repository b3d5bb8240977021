package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncLoad("ontario_demand", "stream", "ok")
	m.ObserveLoad("ontario_demand", "stream", 0.5, 10)
	m.IncSuperseded("ontario_demand")
	m.IncPageRequest("ontario_demand", "/stream", "ok")
	m.IncProbe("ontario_demand", "ok")
	m.IncFallback("ontario_demand", "disabled")
	m.IncSimulatorFetch("ontario_demand", "hit")
	m.IncDurableCache("set", "ok")
}

func TestCountersAndHandler(t *testing.T) {
	m := New("test")
	m.IncLoad("ontario_prices", "fallback", "ok")
	m.IncLoad("ontario_prices", "fallback", "ok")
	m.IncPageRequest("ontario_prices", "/api/stream/ontario-prices", "http_404")

	if got := testutil.ToFloat64(m.LoadsTotal.WithLabelValues("ontario_prices", "fallback", "ok")); got != 2 {
		t.Errorf("loads_total = %v, want 2", got)
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "test_page_requests_total") {
		t.Errorf("metrics output missing page requests counter:\n%s", body)
	}
}

func TestSeparateInstancesDoNotCollide(t *testing.T) {
	// each New uses its own registry, so repeated construction must not panic
	New("gridlens")
	New("gridlens")
}
