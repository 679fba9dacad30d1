package report

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lvonguyen/phishforge/internal/campaign"
	"github.com/lvonguyen/phishforge/internal/campaign/correlation"
	"github.com/lvonguyen/phishforge/internal/enrichment"
)

const testTokenEnv = "PHISHFORGE_TEST_HEC_TOKEN"

func sampleDocument() *Document {
	r := &correlation.Report{
		Schema: []string{"password", "username"},
		Recipients: []correlation.RecipientTimeline{
			{Email: "a@x", Events: []correlation.TimelineEntry{
				{Event: campaign.KindEmailSent},
				{Event: campaign.KindClickedLink, IP: "8.8.8.8"},
			}},
			{Email: "b@x", Events: []correlation.TimelineEntry{
				{Event: campaign.KindEmailSent},
			}},
		},
		Addresses: []correlation.AddressDossier{
			{
				Address:     "8.8.8.8",
				Geo:         enrichment.GeoInfo{Location: "Mountain View", Org: "Google"},
				Recipients:  []string{"a@x"},
				Credentials: []correlation.CredentialRow{},
			},
		},
		Stats: correlation.CampaignStats{TotalTargets: 2, SentCount: 2, ClickCount: 1},
	}
	return NewDocument(r, "/exports/campaign.csv", "test", time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC))
}

func newTestSender(t *testing.T, url string, cfg SenderConfig) *HECSender {
	t.Helper()
	t.Setenv(testTokenEnv, "hec-token")
	cfg.HECURL = url
	cfg.TokenEnv = testTokenEnv
	sender, err := NewHECSender(cfg, nil)
	if err != nil {
		t.Fatalf("NewHECSender: %v", err)
	}
	return sender
}

func decodeLines(t *testing.T, body io.Reader) []HECEvent {
	t.Helper()
	var events []HECEvent
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e HECEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Errorf("invalid HEC line %q: %v", scanner.Text(), err)
			continue
		}
		events = append(events, e)
	}
	return events
}

// =============================================================================
// Construction Tests
// =============================================================================

// TestNewHECSender_RequiresToken verifies that a missing token is an error
// instead of sending unauthenticated requests.
func TestNewHECSender_RequiresToken(t *testing.T) {
	t.Setenv(testTokenEnv, "")
	cfg := DefaultSenderConfig()
	cfg.TokenEnv = testTokenEnv
	cfg.HECURL = "http://localhost:8088"

	if _, err := NewHECSender(cfg, nil); err == nil {
		t.Error("expected error when token env var is empty")
	}
}

// TestNewHECSender_RequiresURL verifies the collector URL is mandatory.
func TestNewHECSender_RequiresURL(t *testing.T) {
	t.Setenv(testTokenEnv, "hec-token")
	cfg := DefaultSenderConfig()
	cfg.TokenEnv = testTokenEnv

	if _, err := NewHECSender(cfg, nil); err == nil {
		t.Error("expected error when HEC URL is empty")
	}
}

// =============================================================================
// Export Tests
// =============================================================================

// TestEvents_OnePerView verifies the report is flattened into recipient,
// address and stats events carrying their kind and stage.
func TestEvents_OnePerView(t *testing.T) {
	sender := newTestSender(t, "http://unused", DefaultSenderConfig())
	events := sender.Events(sampleDocument())

	if len(events) != 4 {
		t.Fatalf("expected 4 events (2 recipients, 1 address, stats), got %d", len(events))
	}

	kinds := []string{"recipient", "recipient", "address", "stats"}
	for i, want := range kinds {
		if got := events[i].Fields["kind"]; got != want {
			t.Errorf("event %d: expected kind %q, got %v", i, want, got)
		}
		if events[i].Index != "phishing_simulation" {
			t.Errorf("event %d: expected default index, got %q", i, events[i].Index)
		}
		if events[i].Fields["export"] != "campaign.csv" {
			t.Errorf("event %d: expected export name, got %v", i, events[i].Fields["export"])
		}
	}

	if stage := events[0].Fields["stage"]; stage != string(campaign.StageClicked) {
		t.Errorf("expected clicked stage for a@x, got %v", stage)
	}
	techniques, _ := events[0].Fields["mitre_techniques"].([]string)
	if len(techniques) != 2 || techniques[0] != "T1204.001" {
		t.Errorf("expected click techniques for a@x, got %v", events[0].Fields["mitre_techniques"])
	}
	if stage := events[1].Fields["stage"]; stage != "" {
		t.Errorf("expected no stage for b@x, got %v", stage)
	}
	if events[2].Fields["location"] != "Mountain View" {
		t.Errorf("expected dossier location field, got %v", events[2].Fields["location"])
	}
}

// TestSendReport_Batches verifies batching, auth header and the
// newline-delimited body.
func TestSendReport_Batches(t *testing.T) {
	var requests atomic.Int32
	var received atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/services/collector/event" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Splunk hec-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		received.Add(int32(len(decodeLines(t, r.Body))))
		w.Write([]byte(`{"text":"Success","code":0}`))
	}))
	defer server.Close()

	cfg := DefaultSenderConfig()
	cfg.BatchSize = 3
	sender := newTestSender(t, server.URL+"/", cfg)

	if err := sender.SendReport(context.Background(), sampleDocument()); err != nil {
		t.Fatalf("SendReport: %v", err)
	}

	if requests.Load() != 2 {
		t.Errorf("expected 2 batches, got %d", requests.Load())
	}
	if received.Load() != 4 {
		t.Errorf("expected 4 events received, got %d", received.Load())
	}
	stats := sender.Stats()
	if stats.EventsSent != 4 {
		t.Errorf("expected 4 events sent, got %d", stats.EventsSent)
	}
	if stats.BytesSent == 0 || stats.LastSendAt.IsZero() {
		t.Error("expected byte count and last send time to be recorded")
	}
}

// TestSendBatch_RetriesThenSucceeds verifies transient collector errors are
// retried.
func TestSendBatch_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"text":"Server is busy","code":9}`, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"text":"Success","code":0}`))
	}))
	defer server.Close()

	cfg := DefaultSenderConfig()
	cfg.RetryCount = 3
	cfg.RetryBackoff = time.Millisecond
	sender := newTestSender(t, server.URL, cfg)

	err := sender.SendBatch(context.Background(), []HECEvent{{Event: "x"}})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

// TestSendBatch_GivesUp verifies the error after the last retry and the
// failed-batch counter.
func TestSendBatch_GivesUp(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"text":"Invalid token","code":4}`, http.StatusForbidden)
	}))
	defer server.Close()

	cfg := DefaultSenderConfig()
	cfg.RetryCount = 2
	cfg.RetryBackoff = time.Millisecond
	sender := newTestSender(t, server.URL, cfg)

	err := sender.SendBatch(context.Background(), []HECEvent{{Event: "x"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("403")) {
		t.Errorf("expected status in error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if sender.Stats().BatchesFailed != 1 {
		t.Errorf("expected 1 failed batch, got %d", sender.Stats().BatchesFailed)
	}
}

// TestSendBatch_CanceledDuringBackoff verifies cancellation interrupts the
// retry wait.
func TestSendBatch_CanceledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := DefaultSenderConfig()
	cfg.RetryCount = 5
	cfg.RetryBackoff = time.Hour
	sender := newTestSender(t, server.URL, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sender.SendBatch(ctx, []HECEvent{{Event: "x"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

// TestHealthCheck verifies the health endpoint probe.
func TestHealthCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/collector/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"text":"HEC is healthy","code":17}`))
	}))
	defer server.Close()

	sender := newTestSender(t, server.URL, DefaultSenderConfig())
	if err := sender.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}

	healthy.Store(false)
	if err := sender.HealthCheck(context.Background()); err == nil {
		t.Error("expected error for unhealthy collector")
	}
}
