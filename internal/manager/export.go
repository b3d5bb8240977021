package manager

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/gridlens/internal/source"
	"github.com/withObsrvr/gridlens/internal/storage"
)

// Format is an export serialization.
type Format string

const (
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
	FormatTSV     Format = "tsv"
	FormatParquet Format = "parquet"
)

// ParseFormat validates a format name. The empty string selects JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV, FormatTSV, FormatParquet:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// Extension is the file extension for f.
func (f Format) Extension() string {
	return string(f)
}

// ContentType is the media type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatTSV:
		return "text/tab-separated-values; charset=utf-8"
	case FormatParquet:
		return "application/vnd.apache.parquet"
	}
	return "application/octet-stream"
}

// FileName is the download name for an export of key taken at now.
func FileName(key string, f Format, now time.Time) string {
	return fmt.Sprintf("%s_%s.%s", key, now.Format("2006-01-02"), f.Extension())
}

// ExportData serializes the session cache entry for key.
func (m *Manager) ExportData(key string, f Format) ([]byte, error) {
	if _, ok := m.streamers[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, key)
	}
	rows, ok := m.Cached(key)
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoCachedData, key)
	}

	switch f {
	case FormatJSON:
		return exportJSON(rows)
	case FormatCSV:
		return exportDelimited(rows, ',')
	case FormatTSV:
		return exportDelimited(rows, '\t')
	case FormatParquet:
		return exportParquet(rows)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
}

// SaveExport writes an export of key to the export bucket and returns the
// object name.
func (m *Manager) SaveExport(ctx context.Context, key string, f Format, now time.Time) (string, error) {
	data, err := m.ExportData(key, f)
	if err != nil {
		return "", err
	}
	if m.exports == nil {
		return "", ErrNoExportTarget
	}

	name := FileName(key, f, now)
	if err := storage.WriteAll(ctx, m.exports, name, data, f.ContentType()); err != nil {
		return "", fmt.Errorf("%w: write %s: %w", ErrExport, name, err)
	}
	m.log.Info("export saved", "dataset", key, "format", f, "file", name, "bytes", len(data))
	return name, nil
}

func exportJSON(rows []source.Row) ([]byte, error) {
	if rows == nil {
		rows = []source.Row{}
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encode json: %w", ErrExport, err)
	}
	return data, nil
}

// header returns the sorted keys of the first row.
func header(rows []source.Row) []string {
	if len(rows) == 0 {
		return nil
	}
	cols := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func exportDelimited(rows []source.Row, comma rune) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = comma

	cols := header(rows)
	if len(cols) > 0 {
		if err := w.Write(cols); err != nil {
			return nil, fmt.Errorf("%w: write header: %w", ErrExport, err)
		}
	}

	record := make([]string, len(cols))
	for _, r := range rows {
		for i, c := range cols {
			s, _ := cell(r[c])
			record[i] = s
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("%w: write record: %w", ErrExport, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("%w: flush: %w", ErrExport, err)
	}
	return buf.Bytes(), nil
}

// cell renders a value as text. The bool is false for nil.
func cell(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case json.Number:
		return x.String(), true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v), true
	}
	return string(data), true
}

// exportParquet writes every header column as an optional UTF-8 string.
func exportParquet(rows []source.Row) ([]byte, error) {
	cols := header(rows)
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: parquet export needs at least one column", ErrExport)
	}
	group := parquet.Group{}
	for _, c := range cols {
		group[c] = parquet.Optional(parquet.String())
	}
	schema := parquet.NewSchema("dataset", group)

	// Group orders leaf columns by name, matching the sorted header.
	var buf bytes.Buffer
	w := parquet.NewWriter(&buf, schema)

	batch := make([]parquet.Row, 0, len(rows))
	for _, r := range rows {
		row := make(parquet.Row, len(cols))
		for i, c := range cols {
			s, ok := cell(r[c])
			if !ok {
				row[i] = parquet.NullValue().Level(0, 0, i)
				continue
			}
			row[i] = parquet.ByteArrayValue([]byte(s)).Level(0, 1, i)
		}
		batch = append(batch, row)
	}

	if _, err := w.WriteRows(batch); err != nil {
		return nil, fmt.Errorf("%w: write parquet rows: %w", ErrExport, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: close parquet writer: %w", ErrExport, err)
	}
	return buf.Bytes(), nil
}
