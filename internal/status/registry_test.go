package status

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

func newTestRegistry() *Registry {
	r := New(func() time.Time { return t0 })
	r.Register("ontario_demand", "Ontario Demand")
	return r
}

func TestRegisterInitialState(t *testing.T) {
	r := newTestRegistry()
	s, ok := r.Get("ontario_demand")
	if !ok {
		t.Fatal("registered dataset missing")
	}
	if s.State != StateConnecting || s.LastUpdated != nil || s.RecordCount != 0 {
		t.Errorf("initial status = %+v", s)
	}
	if s.Dataset != "Ontario Demand" {
		t.Errorf("display name = %q", s.Dataset)
	}

	// re-registering keeps existing state
	if _, err := r.Set("ontario_demand", Update{State: StateFallback, RecordCount: Count(4)}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	r.Register("ontario_demand", "Renamed")
	s, _ = r.Get("ontario_demand")
	if s.State != StateFallback || s.Dataset != "Ontario Demand" {
		t.Errorf("Register overwrote existing status: %+v", s)
	}
}

func TestSetTransitions(t *testing.T) {
	r := newTestRegistry()

	s, err := r.Set("ontario_demand", Update{State: StateConnected, RecordCount: Count(150), Source: SourceStream})
	if err != nil {
		t.Fatalf("Set connected failed: %v", err)
	}
	if s.LastUpdated == nil || !s.LastUpdated.Equal(t0) {
		t.Errorf("LastUpdated = %v", s.LastUpdated)
	}
	if !s.IsLive() {
		t.Error("connected stream status should be live")
	}

	// connecting keeps the previous count and source
	s, err = r.Set("ontario_demand", Update{State: StateConnecting})
	if err != nil {
		t.Fatalf("Set connecting failed: %v", err)
	}
	if s.RecordCount != 150 || s.Source != SourceStream {
		t.Errorf("connecting should keep count and source, got %+v", s)
	}

	s, err = r.Set("ontario_demand", Update{State: StateError, RecordCount: Count(0), Error: "both paths failed"})
	if err != nil {
		t.Fatalf("Set error failed: %v", err)
	}
	if s.Error != "both paths failed" || s.IsLive() {
		t.Errorf("error status = %+v", s)
	}
}

func TestSetRejectsInvalid(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		name string
		key  string
		u    Update
		want error
	}{
		{"connected with zero", "ontario_demand", Update{State: StateConnected, RecordCount: Count(0)}, ErrInvalidTransition},
		{"connected keeps zero", "ontario_demand", Update{State: StateConnected}, ErrInvalidTransition},
		{"negative count", "ontario_demand", Update{State: StateFallback, RecordCount: Count(-1)}, ErrInvalidTransition},
		{"unknown state", "ontario_demand", Update{State: "sleeping"}, ErrInvalidTransition},
		{"unknown dataset", "nope", Update{State: StateFallback}, ErrUnknownDataset},
	}
	for _, tt := range tests {
		if _, err := r.Set(tt.key, tt.u); !errors.Is(err, tt.want) {
			t.Errorf("%s: Set = %v, want %v", tt.name, err, tt.want)
		}
	}

	s, _ := r.Get("ontario_demand")
	if s.State != StateConnecting {
		t.Errorf("rejected updates must not change state, got %+v", s)
	}
}

func TestProbedConnectedAllowsZeroRows(t *testing.T) {
	r := newTestRegistry()
	s, err := r.Set("ontario_demand", Update{State: StateConnected, Source: SourceStream, Probed: true})
	if err != nil {
		t.Fatalf("probed connected rejected: %v", err)
	}
	if s.RecordCount != 0 || s.State != StateConnected {
		t.Errorf("status = %+v", s)
	}
}

func TestSubscribeReceivesSnapshotThenChanges(t *testing.T) {
	r := newTestRegistry()

	var got []State
	unsubscribe, err := r.Subscribe("ontario_demand", func(s ConnectionStatus) {
		got = append(got, s.State)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if len(got) != 1 || got[0] != StateConnecting {
		t.Fatalf("expected immediate snapshot, got %v", got)
	}

	r.Set("ontario_demand", Update{State: StateFallback, RecordCount: Count(3), Source: SourceFallback})
	r.Set("ontario_demand", Update{State: StateConnecting})

	want := []State{StateConnecting, StateFallback, StateConnecting}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification %d = %s, want %s", i, got[i], want[i])
		}
	}

	unsubscribe()
	unsubscribe()
	r.Set("ontario_demand", Update{State: StateFallback, RecordCount: Count(3)})
	if len(got) != 3 {
		t.Errorf("unsubscribed listener still notified: %v", got)
	}
}

func TestSubscribeUnknownDataset(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Subscribe("nope", func(ConnectionStatus) {}); !errors.Is(err, ErrUnknownDataset) {
		t.Errorf("Subscribe = %v, want ErrUnknownDataset", err)
	}
}

func TestListenerMayReadRegistry(t *testing.T) {
	r := newTestRegistry()
	var seen ConnectionStatus
	r.Subscribe("ontario_demand", func(s ConnectionStatus) {
		seen, _ = r.Get("ontario_demand")
	})
	r.Set("ontario_demand", Update{State: StateFallback, RecordCount: Count(9)})
	if seen.RecordCount != 9 {
		t.Errorf("listener read stale status: %+v", seen)
	}
}

func TestConcurrentPublishersKeepOrderPerSubscriber(t *testing.T) {
	r := newTestRegistry()

	var mu sync.Mutex
	var counts []int
	r.Subscribe("ontario_demand", func(s ConnectionStatus) {
		mu.Lock()
		counts = append(counts, s.RecordCount)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Set("ontario_demand", Update{State: StateFallback, RecordCount: Count(n)})
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(counts) != 51 {
		t.Fatalf("got %d notifications, want 51", len(counts))
	}
	final, _ := r.Get("ontario_demand")
	if counts[len(counts)-1] != final.RecordCount {
		t.Errorf("last notification %d does not match final status %d", counts[len(counts)-1], final.RecordCount)
	}
}

func TestAllReturnsCopy(t *testing.T) {
	r := newTestRegistry()
	r.Register("ontario_prices", "Ontario Prices")
	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All returned %d statuses", len(all))
	}
	delete(all, "ontario_demand")
	if _, ok := r.Get("ontario_demand"); !ok {
		t.Error("mutating All() result changed the registry")
	}
}
