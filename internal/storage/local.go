package storage

import (
	"fmt"
	"os"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
)

// OpenLocalBucket opens a filesystem-backed bucket rooted at dir, creating it
// if needed. Contents survive process restarts.
func OpenLocalBucket(dir string) (*blob.Bucket, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", dir, err)
	}

	bucket, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open local bucket %s: %w", dir, err)
	}
	return bucket, nil
}

// OpenMemoryBucket opens an in-process bucket. Contents are lost on exit.
func OpenMemoryBucket() *blob.Bucket {
	return memblob.OpenBucket(nil)
}
