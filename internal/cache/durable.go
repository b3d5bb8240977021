// Package cache implements the durable dataset cache: dataset key to the last
// row array loaded from the live stream.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"

	"github.com/withObsrvr/gridlens/internal/source"
	"github.com/withObsrvr/gridlens/internal/storage"
)

// ErrNotFound is returned by Get when no entry exists for a key.
var ErrNotFound = errors.New("cache entry not found")

const entrySuffix = ".json.zst"

// Store is a key to row-array store.
type Store interface {
	Get(ctx context.Context, key string) ([]source.Row, error)
	Set(ctx context.Context, key string, rows []source.Row) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// BlobStore keeps entries as zstd-compressed JSON arrays in a bucket. The
// bucket decides durability: fileblob survives restarts, memblob does not.
type BlobStore struct {
	bucket *blob.Bucket
	enc    *zstd.Encoder
	dec    *zstd.Decoder

	// writes to the same key are serialized so a reader never sees a torn entry
	mu sync.Mutex
}

// NewBlobStore wraps an open bucket. The store takes ownership of the bucket.
func NewBlobStore(bucket *blob.Bucket) (*BlobStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &BlobStore{bucket: bucket, enc: enc, dec: dec}, nil
}

// Open opens the configured backend and wraps it in a BlobStore.
func Open(ctx context.Context, cfg storage.Config) (*BlobStore, error) {
	bucket, err := storage.OpenBucket(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open cache bucket: %w", err)
	}
	s, err := NewBlobStore(bucket)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	return s, nil
}

// OpenBackend opens the store for backend. "postgres" connects to dsn; every
// other backend is a bucket described by cfg.
func OpenBackend(ctx context.Context, cfg storage.Config, dsn string) (Store, error) {
	if cfg.Backend == "postgres" {
		return OpenPostgres(ctx, dsn)
	}
	return Open(ctx, cfg)
}

// NewMemoryStore returns a store with the same semantics and no persistence.
func NewMemoryStore() *BlobStore {
	s, err := NewBlobStore(storage.OpenMemoryBucket())
	if err != nil {
		// zstd construction with static options does not fail
		panic(err)
	}
	return s
}

func entryKey(key string) string {
	return key + entrySuffix
}

// Get returns the cached rows for key.
func (s *BlobStore) Get(ctx context.Context, key string) ([]source.Row, error) {
	compressed, err := storage.ReadAll(ctx, s.bucket, entryKey(key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}

	raw, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s: %w", key, err)
	}

	var rows []source.Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return rows, nil
}

// Set replaces the entry for key.
func (s *BlobStore) Set(ctx context.Context, key string, rows []source.Row) error {
	if key == "" {
		return fmt.Errorf("cache key cannot be empty")
	}
	if rows == nil {
		rows = []source.Row{}
	}

	raw, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return storage.WriteAll(ctx, s.bucket, entryKey(key), s.enc.EncodeAll(raw, nil), "application/zstd")
}

// Delete removes the entry for key.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return storage.Delete(ctx, s.bucket, entryKey(key))
}

// Clear removes every entry.
func (s *BlobStore) Clear(ctx context.Context) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if err := storage.Delete(ctx, s.bucket, entryKey(k)); err != nil {
			return err
		}
	}
	return nil
}

// Keys lists cached dataset keys in sorted order.
func (s *BlobStore) Keys(ctx context.Context) ([]string, error) {
	objects, err := storage.List(ctx, s.bucket, "")
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj, entrySuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(obj, entrySuffix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases the codec and the bucket.
func (s *BlobStore) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.bucket.Close()
}
