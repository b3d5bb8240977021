package source

import (
	"context"
	"encoding/json"
	"fmt"

	"gocloud.dev/blob"

	"github.com/withObsrvr/gridlens/internal/dataset"
	"github.com/withObsrvr/gridlens/internal/storage"
)

// Bundle reads the static sample arrays shipped with the application, one
// `{dataset}_sample.json` document per dataset.
type Bundle struct {
	bucket *blob.Bucket
}

// NewBundle wraps an open bucket holding sample files.
func NewBundle(bucket *blob.Bucket) *Bundle {
	return &Bundle{bucket: bucket}
}

// OpenBundle opens the sample directory on the local filesystem.
func OpenBundle(dir string) (*Bundle, error) {
	bucket, err := storage.OpenLocalBucket(dir)
	if err != nil {
		return nil, fmt.Errorf("open sample bundle: %w", err)
	}
	return NewBundle(bucket), nil
}

// Load returns the complete sample array for key.
func (b *Bundle) Load(ctx context.Context, key string) ([]Row, error) {
	name := dataset.SampleFile(key)
	data, err := storage.ReadAll(ctx, b.bucket, name)
	if err != nil {
		if ctx.Err() != nil {
			return nil, canceled(ctx)
		}
		return nil, fmt.Errorf("load sample %s: %w", name, err)
	}
	return DecodeRows(data, name)
}

// Close releases the bucket.
func (b *Bundle) Close() error {
	return b.bucket.Close()
}

// DecodeRows parses an array-valued JSON document.
func DecodeRows(data []byte, name string) ([]Row, error) {
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if rows == nil {
		rows = []Row{}
	}
	return normalizeRows(rows), nil
}
