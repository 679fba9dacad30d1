// Package ingestion loads campaign export files into raw events.
package ingestion

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/phishforge/internal/campaign"
)

// ColumnCount is the number of positional fields in an export row.
const ColumnCount = 5

// Common errors.
var (
	ErrColumnCount = errors.New("unexpected column count")
	ErrEmptyInput  = errors.New("export contains no rows")
)

// RawEvent is one export row as read from disk. It is never mutated
// after loading.
type RawEvent struct {
	ID        string             `json:"id"`
	Recipient string             `json:"email"`
	Timestamp time.Time          `json:"timestamp"` // zero when unparseable
	Kind      campaign.EventKind `json:"event"`
	Details   string             `json:"details"`
}

// timestampLayouts are tried in order. time.Parse accepts fractional
// seconds after the seconds field even when the layout omits them.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp converts an export timestamp to a UTC instant. Inputs
// without a zone are taken as UTC. Unparseable input yields the zero time.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Reader decodes headerless five-column CSV exports.
type Reader struct {
	logger *zap.Logger
}

// NewReader creates a new export reader.
func NewReader(logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{logger: logger}
}

// Read decodes every row of src. A row with the wrong number of columns
// fails the whole read; rows with an empty recipient are skipped.
func (r *Reader) Read(src io.Reader) ([]RawEvent, error) {
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = ColumnCount
	cr.ReuseRecord = true

	var (
		events  []RawEvent
		rows    int
		skipped int
	)
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) && errors.Is(parseErr.Err, csv.ErrFieldCount) {
				return nil, fmt.Errorf("%w: line %d has %d fields, want %d",
					ErrColumnCount, parseErr.Line, len(record), ColumnCount)
			}
			return nil, fmt.Errorf("reading export: %w", err)
		}
		rows++

		if record[1] == "" {
			skipped++
			continue
		}

		events = append(events, RawEvent{
			ID:        record[0],
			Recipient: record[1],
			Timestamp: ParseTimestamp(record[2]),
			Kind:      campaign.EventKind(record[3]),
			Details:   record[4],
		})
	}

	if rows == 0 {
		return nil, ErrEmptyInput
	}

	r.logger.Debug("Export decoded",
		zap.Int("rows", rows),
		zap.Int("events", len(events)),
		zap.Int("skipped_no_recipient", skipped),
	)

	return events, nil
}

// LoadFile opens and decodes the export at path.
func (r *Reader) LoadFile(path string) ([]RawEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening export: %w", err)
	}
	defer f.Close()

	events, err := r.Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}
