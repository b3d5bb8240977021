package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/withObsrvr/gridlens/internal/dataset"
)

// SchemaVersion is stamped on every ingested row.
// Increment this when the provenance fields change.
const SchemaVersion = "1.0.0"

// Provenance fields added to rows on ingestion. They are not part of the raw
// gateway payload.
const (
	FieldOrigin        = "_origin"
	FieldSchemaVersion = "_schema_version"
	FieldIngestedAt    = "_ingested_at"
	FieldSource        = "_source"
	FieldID            = "id"
)

// Provenance values for FieldSource.
const (
	ProvenanceStream   = "stream"
	ProvenanceFallback = "fallback"
)

// Row is one opaque dataset record.
type Row map[string]any

// Batch is one page of rows produced by a Pager.
type Batch struct {
	Rows          []Row
	HasMore       bool
	TotalEstimate *int
	NextCursor    string
}

// Manifest is the gateway's description of a dataset, returned by Probe.
type Manifest struct {
	Dataset         string   `json:"dataset"`
	Version         string   `json:"version"`
	Fields          []string `json:"fields"`
	PageSizeDefault int      `json:"page_size_default"`
	MaxPageSize     int      `json:"max_page_size"`
	Notes           string   `json:"notes"`
}

// Pager is a finite, non-restartable sequence of batches. Each call to Next
// takes its own context; cancelling it aborts the in-flight request. Next
// returns io.EOF once the sequence is exhausted.
type Pager interface {
	Next(ctx context.Context) (*Batch, error)
}

// Streamer is the capability set of one dataset.
type Streamer interface {
	Descriptor() dataset.Descriptor

	// Probe performs a lightweight reachability and shape check.
	Probe(ctx context.Context) (*Manifest, error)

	// Stream returns a pager capped at maxRows rows (0 means no cap).
	Stream(maxRows int) Pager

	// LoadFallback loads the bundled static sample for the dataset.
	LoadFallback(ctx context.Context) ([]Row, error)
}

var (
	// ErrConnectivity is a transport-level failure of a probe or page read.
	ErrConnectivity = errors.New("gateway connectivity failure")

	// ErrEmptyStream means the stream completed without producing any rows.
	ErrEmptyStream = errors.New("stream produced no rows")

	// ErrCanceled means the operation was cancelled or superseded. It is not
	// a failure and never triggers a fallback.
	ErrCanceled = errors.New("operation canceled")
)

// IsCanceled reports whether err is a cancellation signal.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// canceled wraps the context's cancellation cause.
func canceled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

// Collect drains p, calling onBatch after every batch with the running total.
// A pager that finishes without rows yields ErrEmptyStream.
func Collect(ctx context.Context, p Pager, onBatch func(b *Batch, total int)) ([]Row, error) {
	var rows []Row
	for {
		if ctx.Err() != nil {
			return nil, canceled(ctx)
		}

		batch, err := p.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		rows = append(rows, batch.Rows...)
		if onBatch != nil {
			onBatch(batch, len(rows))
		}
	}

	if len(rows) == 0 {
		return nil, ErrEmptyStream
	}
	return rows, nil
}

// Tag stamps ingestion provenance on every row in place.
func Tag(rows []Row, origin string, now time.Time) {
	ts := now.UTC().Format(time.RFC3339Nano)
	for _, r := range rows {
		r[FieldOrigin] = origin
		r[FieldSchemaVersion] = SchemaVersion
		r[FieldIngestedAt] = ts
	}
}

// MarkSource stamps FieldSource on every row in place.
func MarkSource(rows []Row, provenance string) {
	for _, r := range rows {
		r[FieldSource] = provenance
	}
}
