// Package storage opens the blob buckets that back the durable cache, the
// bundled sample files, and saved exports.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// ErrNotFound is returned when a key does not exist in a bucket.
var ErrNotFound = errors.New("object not found")

// Config configures a bucket backend.
type Config struct {
	Backend string // "local" | "memory" | "gcs" | "s3"

	// Local filesystem
	LocalDir string

	// GCS or S3 bucket name
	Bucket string

	// S3 (also works for B2, R2, MinIO)
	S3Endpoint string
	S3Region   string

	// Common
	Prefix string // key prefix within the bucket, e.g. "datasets/"
}

// OpenBucket opens the configured backend, scoped to cfg.Prefix when set.
func OpenBucket(ctx context.Context, cfg Config) (*blob.Bucket, error) {
	var (
		bucket *blob.Bucket
		err    error
	)

	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		bucket, err = OpenLocalBucket(cfg.LocalDir)
	case "memory":
		bucket = OpenMemoryBucket()
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for gcs backend")
		}
		bucket, err = OpenGCSBucket(ctx, cfg.Bucket)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for s3 backend")
		}
		bucket, err = OpenS3Bucket(ctx, cfg.Bucket, cfg.S3Endpoint, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Prefix != "" {
		bucket = blob.PrefixedBucket(bucket, cfg.Prefix)
	}
	return bucket, nil
}

// ReadAll reads key, mapping a missing object to ErrNotFound.
func ReadAll(ctx context.Context, bucket *blob.Bucket, key string) ([]byte, error) {
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// WriteAll writes data to key with the given content type.
func WriteAll(ctx context.Context, bucket *blob.Bucket, key string, data []byte, contentType string) error {
	opts := &blob.WriterOptions{ContentType: contentType}
	if err := bucket.WriteAll(ctx, key, data, opts); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func Delete(ctx context.Context, bucket *blob.Bucket, key string) error {
	if err := bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns all keys with the given prefix.
func List(ctx context.Context, bucket *blob.Bucket, prefix string) ([]string, error) {
	var keys []string
	iter := bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}
