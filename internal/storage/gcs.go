package storage

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
)

// OpenGCSBucket opens a Google Cloud Storage bucket using ambient credentials.
func OpenGCSBucket(ctx context.Context, bucketName string) (*blob.Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", bucketName))
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}
	return bucket, nil
}
