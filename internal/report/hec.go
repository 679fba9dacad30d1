package report

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/phishforge/internal/campaign/correlation"
	"github.com/lvonguyen/phishforge/internal/mitre"
)

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// HECSender sends report views to Splunk via HEC.
type HECSender struct {
	config     SenderConfig
	token      string
	httpClient *http.Client
	attack     *mitre.AttackFramework
	logger     *zap.Logger
	mu         sync.RWMutex
	stats      SenderStats
}

// SenderConfig holds HEC sender configuration.
type SenderConfig struct {
	Enabled      bool          `yaml:"enabled"`
	HECURL       string        `yaml:"hec_url"`
	TokenEnv     string        `yaml:"token_env"`
	Index        string        `yaml:"index"`
	SourceType   string        `yaml:"sourcetype"`
	Source       string        `yaml:"source"`
	BatchSize    int           `yaml:"batch_size"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryCount   int           `yaml:"retry_count"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	VerifySSL    bool          `yaml:"verify_ssl"`
}

// DefaultSenderConfig returns sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		TokenEnv:     "SPLUNK_HEC_TOKEN",
		Index:        "phishing_simulation",
		SourceType:   "phishforge:report",
		Source:       "phishforge",
		BatchSize:    100,
		Timeout:      30 * time.Second,
		RetryCount:   3,
		RetryBackoff: time.Second,
		VerifySSL:    true,
	}
}

// SenderStats tracks sender metrics.
type SenderStats struct {
	EventsSent    int64
	BatchesFailed int64
	BytesSent     int64
	LastSendAt    time.Time
}

// NewHECSender creates a new HEC sender.
func NewHECSender(config SenderConfig, logger *zap.Logger) (*HECSender, error) {
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}

	if config.HECURL == "" {
		return nil, fmt.Errorf("HEC URL is required")
	}
	if config.BatchSize < 1 {
		config.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !config.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for lab collectors
	}

	return &HECSender{
		config: config,
		token:  token,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		attack: mitre.NewAttackFramework(),
		logger: logger,
	}, nil
}

// Events flattens doc into HEC events. Each recipient event carries its
// funnel stage and ATT&CK techniques; each dossier and the campaign
// totals become one event as well.
func (s *HECSender) Events(doc *Document) []HECEvent {
	r := doc.Report
	ts := float64(doc.GeneratedAt.Unix())
	events := make([]HECEvent, 0, len(r.Recipients)+len(r.Addresses)+1)

	event := func(kind string, body any, fields map[string]any) HECEvent {
		if fields == nil {
			fields = map[string]any{}
		}
		fields["kind"] = kind
		fields["export"] = doc.Source
		return HECEvent{
			Time:       ts,
			Source:     s.config.Source,
			SourceType: s.config.SourceType,
			Index:      s.config.Index,
			Event:      body,
			Fields:     fields,
		}
	}

	for _, timeline := range r.Recipients {
		stage := correlation.ClassifyStage(timeline.Events)
		events = append(events, event("recipient", timeline, map[string]any{
			"stage":            string(stage),
			"events":           len(timeline.Events),
			"mitre_techniques": mitre.TechniqueIDs(s.attack.MapStage(stage)),
		}))
	}

	for _, dossier := range r.Addresses {
		events = append(events, event("address", dossier, map[string]any{
			"location":    dossier.Geo.Location,
			"isp":         dossier.Geo.Org,
			"recipients":  len(dossier.Recipients),
			"credentials": len(dossier.Credentials),
		}))
	}

	events = append(events, event("stats", r.Stats, nil))
	return events
}

// SendReport exports doc in batches of BatchSize events.
func (s *HECSender) SendReport(ctx context.Context, doc *Document) error {
	events := s.Events(doc)
	for start := 0; start < len(events); start += s.config.BatchSize {
		end := min(start+s.config.BatchSize, len(events))
		if err := s.SendBatch(ctx, events[start:end]); err != nil {
			return err
		}
	}
	s.logger.Info("Report exported to Splunk",
		zap.Int("events", len(events)),
		zap.String("index", s.config.Index),
	)
	return nil
}

// SendBatch sends multiple events to Splunk as newline-delimited JSON.
func (s *HECSender) SendBatch(ctx context.Context, events []HECEvent) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to encode HEC event: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := s.sendWithRetry(ctx, buf.Bytes()); err != nil {
		return err
	}

	s.mu.Lock()
	s.stats.EventsSent += int64(len(events))
	s.mu.Unlock()
	return nil
}

// sendWithRetry sends data with quadratic backoff between attempts.
func (s *HECSender) sendWithRetry(ctx context.Context, data []byte) error {
	var lastErr error

	for attempt := 0; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * s.config.RetryBackoff
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := s.send(ctx, data)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("HEC send failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	s.mu.Lock()
	s.stats.BatchesFailed++
	s.mu.Unlock()

	return fmt.Errorf("failed after %d retries: %w", s.config.RetryCount, lastErr)
}

// send performs the actual HTTP request.
func (s *HECSender) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HEC returned %d: %s", resp.StatusCode, string(body))
	}

	s.mu.Lock()
	s.stats.BytesSent += int64(len(data))
	s.stats.LastSendAt = time.Now()
	s.mu.Unlock()

	return nil
}

// Stats returns current sender statistics.
func (s *HECSender) Stats() SenderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// HealthCheck verifies connectivity to Splunk HEC.
func (s *HECSender) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Splunk HEC returned status %d", resp.StatusCode)
	}

	return nil
}
