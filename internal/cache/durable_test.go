package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/withObsrvr/gridlens/internal/source"
	"github.com/withObsrvr/gridlens/internal/storage"
)

func sampleRows(n int) []source.Row {
	rows := make([]source.Row, n)
	for i := range rows {
		rows[i] = source.Row{"hour": float64(i + 1), "demand_mw": 15000.5}
	}
	return rows
}

func TestBlobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	if _, err := s.Get(ctx, "ontario_demand"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store = %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, "ontario_demand", sampleRows(150)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set(ctx, "ontario_prices", sampleRows(2)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	rows, err := s.Get(ctx, "ontario_demand")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(rows) != 150 {
		t.Fatalf("Get returned %d rows, want 150", len(rows))
	}
	if rows[149]["hour"] != float64(150) {
		t.Errorf("row order not preserved: %v", rows[149])
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "ontario_demand" || keys[1] != "ontario_prices" {
		t.Errorf("Keys = %v", keys)
	}

	if err := s.Delete(ctx, "ontario_prices"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "ontario_prices"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted key should be missing, got %v", err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	keys, _ = s.Keys(ctx)
	if len(keys) != 0 {
		t.Errorf("Keys after Clear = %v", keys)
	}
}

func TestBlobStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := storage.Config{Backend: "local", LocalDir: t.TempDir(), Prefix: "datasets/"}

	s, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Set(ctx, "provincial_generation", sampleRows(3)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	rows, err := reopened.Get(ctx, "provincial_generation")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("Get after reopen returned %d rows, want 3", len(rows))
	}
}

func TestSetRejectsEmptyKey(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	if err := s.Set(context.Background(), "", sampleRows(1)); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestSetNilStoresEmptyArray(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	if err := s.Set(ctx, "hfed_demand", nil); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	rows, err := s.Get(ctx, "hfed_demand")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rows == nil || len(rows) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", rows)
	}
}
