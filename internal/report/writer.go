// Package report writes correlated campaign reports to disk and exports
// them to Splunk over HEC.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/phishforge/internal/campaign/correlation"
)

// fileNameLayout names report files after the local time they were
// generated at.
const fileNameLayout = "20060102_150405"

// TimezoneOptions are the zones a renderer offers for displaying the
// UTC timestamps in a report.
var TimezoneOptions = []string{
	"Africa/Johannesburg",
	"America/Anchorage",
	"America/Chicago",
	"America/Denver",
	"America/Los_Angeles",
	"America/New_York",
	"America/Sao_Paulo",
	"Asia/Bangkok",
	"Asia/Dubai",
	"Asia/Kolkata",
	"Asia/Seoul",
	"Asia/Shanghai",
	"Asia/Singapore",
	"Asia/Tokyo",
	"Australia/Brisbane",
	"Australia/Perth",
	"Australia/Sydney",
	"Europe/Berlin",
	"Europe/London",
	"Europe/Madrid",
	"Europe/Moscow",
	"Europe/Paris",
	"Pacific/Auckland",
	"Pacific/Fiji",
	"Pacific/Honolulu",
	"UTC",
}

// Document is the on-disk report: run metadata around the correlated
// views.
type Document struct {
	GeneratedAt     time.Time           `json:"generated_at"`
	Source          string              `json:"source"`
	Version         string              `json:"version"`
	TimezoneOptions []string            `json:"timezone_options"`
	Report          *correlation.Report `json:"report"`
}

// NewDocument wraps r with metadata.
func NewDocument(r *correlation.Report, source, version string, generatedAt time.Time) *Document {
	return &Document{
		GeneratedAt:     generatedAt,
		Source:          filepath.Base(source),
		Version:         version,
		TimezoneOptions: TimezoneOptions,
		Report:          r,
	}
}

// FileName returns the report file name for t, e.g. 20240301_091500.json.
func FileName(t time.Time) string {
	return t.Format(fileNameLayout) + ".json"
}

// Encode writes doc as JSON.
func Encode(w io.Writer, doc *Document, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// Writer persists documents into a directory.
type Writer struct {
	dir    string
	indent bool
	logger *zap.Logger
}

// NewWriter creates a writer rooted at dir.
func NewWriter(dir string, indent bool, logger *zap.Logger) *Writer {
	if dir == "" {
		dir = "."
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{dir: dir, indent: indent, logger: logger}
}

// Write stores doc under FileName(doc.GeneratedAt) and returns the path.
func (w *Writer) Write(doc *Document) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	path := filepath.Join(w.dir, FileName(doc.GeneratedAt))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create report file: %w", err)
	}

	if err := Encode(f, doc, w.indent); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close report file: %w", err)
	}

	w.logger.Info("Report written",
		zap.String("path", path),
		zap.Int("recipients", len(doc.Report.Recipients)),
		zap.Int("addresses", len(doc.Report.Addresses)),
	)
	return path, nil
}
