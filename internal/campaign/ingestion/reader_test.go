package ingestion

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/phishforge/internal/campaign"
)

const sampleExport = `1,alice@example.com,2024-03-01T10:00:00Z,Email Sent,
2,alice@example.com,2024-03-01T10:05:00.123456Z,Email Opened,"{""browser"":{""address"":""8.8.8.8""}}"
3,,2024-03-01T10:06:00Z,Email Opened,
4,bob@example.com,not-a-time,Clicked Link,
`

func TestRead_DecodesRows(t *testing.T) {
	events, err := NewReader(nil).Read(strings.NewReader(sampleExport))
	require.NoError(t, err)
	require.Len(t, events, 3, "row without recipient should be skipped")

	assert.Equal(t, "1", events[0].ID)
	assert.Equal(t, "alice@example.com", events[0].Recipient)
	assert.Equal(t, campaign.KindEmailSent, events[0].Kind)
	assert.Empty(t, events[0].Details)

	assert.Equal(t, `{"browser":{"address":"8.8.8.8"}}`, events[1].Details)
	assert.Equal(t, 123456000, events[1].Timestamp.Nanosecond())

	assert.Equal(t, "bob@example.com", events[2].Recipient)
	assert.True(t, events[2].Timestamp.IsZero(), "unparseable timestamp should be zero")
}

func TestRead_WrongColumnCountIsFatal(t *testing.T) {
	input := "1,alice@example.com,2024-03-01T10:00:00Z,Email Sent,\n2,bob@example.com,Email Sent\n"

	events, err := NewReader(nil).Read(strings.NewReader(input))
	require.Error(t, err)
	assert.Nil(t, events)
	assert.True(t, errors.Is(err, ErrColumnCount), "got %v", err)
}

func TestRead_EmptyInput(t *testing.T) {
	_, err := NewReader(nil).Read(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleExport), 0o600))

	events, err := NewReader(nil).LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	_, err = NewReader(nil).LoadFile(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"rfc3339 utc", "2024-03-01T10:00:00Z", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"rfc3339 offset", "2024-03-01T12:00:00+02:00", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"naive taken as utc", "2024-03-01T10:00:00", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"space separated", "2024-03-01 10:00:00", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"date only", "2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"garbage", "yesterday", time.Time{}},
		{"empty", "  ", time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTimestamp(tt.input)
			assert.True(t, tt.want.Equal(got), "want %v, got %v", tt.want, got)
		})
	}
}
