package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/phishforge/internal/api/gateway"
	"github.com/lvonguyen/phishforge/internal/campaign"
	"github.com/lvonguyen/phishforge/internal/campaign/correlation"
	"github.com/lvonguyen/phishforge/internal/enrichment"
	"github.com/lvonguyen/phishforge/internal/report"
)

func testDocument() *report.Document {
	r := &correlation.Report{
		Schema: []string{"password", "username"},
		Recipients: []correlation.RecipientTimeline{
			{Email: "a@x", Events: []correlation.TimelineEntry{
				{Event: campaign.KindEmailSent},
				{Event: campaign.KindSubmittedData, IP: "8.8.8.8"},
			}},
			{Email: "b@x", Events: []correlation.TimelineEntry{
				{Event: campaign.KindEmailSent},
				{Event: campaign.KindEmailOpened, IP: "10.0.0.5"},
			}},
		},
		Addresses: []correlation.AddressDossier{
			{
				Address:    "8.8.8.8",
				Geo:        enrichment.GeoInfo{Location: "Mountain View", Org: "Google"},
				Recipients: []string{"a@x"},
				Credentials: []correlation.CredentialRow{
					{Recipient: "a@x", IP: "8.8.8.8", Fields: []string{"b", "a"}},
				},
			},
		},
		Credentials: []correlation.CredentialRow{
			{Recipient: "a@x", IP: "8.8.8.8", Fields: []string{"b", "a"}},
		},
		Stats:   correlation.CampaignStats{TotalTargets: 2, SentCount: 2, SubmitCount: 1},
		Lookups: enrichment.ResolverStats{Entries: 2, Lookups: 1},
	}
	return report.NewDocument(r, "export.csv", "test", time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServer_Health(t *testing.T) {
	h := NewServer(ServerConfig{Version: "1.0.0"}, testDocument(), nil).Handler()

	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1.0.0", decode(t, rec)["version"])

	assert.Equal(t, http.StatusOK, get(t, h, "/ready").Code)
	assert.Equal(t, http.StatusServiceUnavailable,
		get(t, NewServer(ServerConfig{}, nil, nil).Handler(), "/ready").Code)
}

func TestServer_Views(t *testing.T) {
	h := NewServer(ServerConfig{}, testDocument(), nil).Handler()

	t.Run("report", func(t *testing.T) {
		rec := get(t, h, "/api/v1/report")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "export.csv", body["source"])
		inner := body["report"].(map[string]any)
		assert.Equal(t, []any{"password", "username"}, inner["fieldnames"])
	})

	t.Run("stats", func(t *testing.T) {
		body := decode(t, get(t, h, "/api/v1/stats"))
		stats := body["stats"].(map[string]any)
		assert.EqualValues(t, 2, stats["total_targets"])
		lookups := body["lookups"].(map[string]any)
		assert.EqualValues(t, 1, lookups["lookups"])
	})

	t.Run("credentials", func(t *testing.T) {
		body := decode(t, get(t, h, "/api/v1/credentials"))
		assert.EqualValues(t, 1, body["count"])
		assert.Equal(t, []any{"password", "username"}, body["fieldnames"])
	})

	t.Run("recipients", func(t *testing.T) {
		body := decode(t, get(t, h, "/api/v1/recipients"))
		assert.EqualValues(t, 2, body["count"])

		body = decode(t, get(t, h, "/api/v1/recipients?stage=submitted"))
		assert.EqualValues(t, 1, body["count"])
		first := body["recipients"].([]any)[0].(map[string]any)
		assert.Equal(t, "a@x", first["email"])
		assert.Equal(t, "submitted", first["stage"])

		assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/recipients?stage=bogus").Code)
	})

	t.Run("recipient", func(t *testing.T) {
		rec := get(t, h, "/api/v1/recipients/b@x")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "opened", body["stage"])
		assert.Len(t, body["events"], 2)

		assert.Equal(t, http.StatusNotFound, get(t, h, "/api/v1/recipients/nobody@x").Code)
	})

	t.Run("addresses", func(t *testing.T) {
		body := decode(t, get(t, h, "/api/v1/addresses"))
		assert.EqualValues(t, 1, body["count"])

		rec := get(t, h, "/api/v1/addresses/8.8.8.8")
		require.Equal(t, http.StatusOK, rec.Code)
		dossier := decode(t, rec)
		geo := dossier["geo"].(map[string]any)
		assert.Equal(t, "Mountain View", geo["location"])
		assert.Len(t, dossier["credentials"], 1)

		assert.Equal(t, http.StatusNotFound, get(t, h, "/api/v1/addresses/10.0.0.5").Code)
	})
}

func TestServer_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("phishforge_rows_parsed_total 1\n"))
	})
	h := NewServer(ServerConfig{}, testDocument(), nil, WithMetricsHandler(metrics)).Handler()

	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "phishforge_rows_parsed_total")

	assert.Equal(t, http.StatusNotFound, get(t, NewServer(ServerConfig{}, testDocument(), nil).Handler(), "/metrics").Code)
}

type recordedRequest struct {
	method, path string
	status       int
}

type requestLog struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (l *requestLog) ObserveRequest(method, path string, status int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, recordedRequest{method, path, status})
}

func TestServer_RequestRecorder(t *testing.T) {
	log := &requestLog{}
	h := NewServer(ServerConfig{}, testDocument(), nil, WithRequestRecorder(log)).Handler()

	get(t, h, "/api/v1/addresses/8.8.8.8")
	get(t, h, "/api/v1/recipients/nobody@x")

	require.Len(t, log.requests, 2)
	assert.Equal(t, recordedRequest{"GET", "/api/v1/addresses/{ip}", http.StatusOK}, log.requests[0])
	assert.Equal(t, recordedRequest{"GET", "/api/v1/recipients/{email}", http.StatusNotFound}, log.requests[1])
}

func TestServer_RateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := gateway.NewRateLimiter(client, gateway.RateLimitConfig{
		Tiers:          map[string]gateway.TierLimits{"api": {RequestsPerMinute: 2}},
		Endpoints:      map[string]gateway.EndpointLimits{},
		IncludeHeaders: true,
	}, nil)
	h := NewServer(ServerConfig{RateLimitTier: "api"}, testDocument(), nil, WithRateLimiter(rl)).Handler()

	for i := 0; i < 2; i++ {
		rec := get(t, h, "/api/v1/stats")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := get(t, h, "/api/v1/stats")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Health is outside the limited group.
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)
}
