package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Provider Creation Tests
// =============================================================================

// TestNewIPInfoProvider_Defaults verifies defaults are applied.
func TestNewIPInfoProvider_Defaults(t *testing.T) {
	provider := NewIPInfoProvider(ProviderConfig{}, nil)

	if provider.config.BaseURL != ipinfoDefaultBaseURL {
		t.Errorf("expected default base URL %q, got %q", ipinfoDefaultBaseURL, provider.config.BaseURL)
	}
	if provider.config.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", provider.config.Timeout)
	}
	if provider.Name() != "ipinfo" {
		t.Errorf("expected name 'ipinfo', got %q", provider.Name())
	}
}

// =============================================================================
// Lookup Tests
// =============================================================================

// TestLookup_Success verifies request shape and label composition.
func TestLookup_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/8.8.8.8" {
			t.Errorf("expected path /8.8.8.8, got %s", r.URL.Path)
		}
		if r.URL.Query().Get("token") != "test-token" {
			t.Errorf("expected token query param, got %q", r.URL.RawQuery)
		}

		json.NewEncoder(w).Encode(IPInfoResponse{
			IP:      "8.8.8.8",
			City:    "Mountain View",
			Region:  "California",
			Country: "US",
			Org:     "AS15169 Google LLC",
		})
	}))
	defer server.Close()

	os.Setenv("TEST_IPINFO_TOKEN", "test-token")
	defer os.Unsetenv("TEST_IPINFO_TOKEN")

	provider := NewIPInfoProvider(ProviderConfig{
		TokenEnv: "TEST_IPINFO_TOKEN",
		BaseURL:  server.URL,
		Timeout:  time.Second,
	}, nil)

	info, err := provider.Lookup(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatalf("Lookup should succeed: %v", err)
	}

	want := GeoInfo{Location: "Mountain View, California, US", Org: "AS15169 Google LLC"}
	if info != want {
		t.Errorf("expected %+v, got %+v", want, info)
	}
}

// TestLookup_ServerError verifies non-200 responses are errors.
func TestLookup_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	provider := NewIPInfoProvider(ProviderConfig{BaseURL: server.URL, Timeout: time.Second}, nil)

	_, err := provider.Lookup(context.Background(), "8.8.8.8")
	if err == nil {
		t.Fatal("Lookup should fail on server error")
	}
	if !strings.Contains(err.Error(), "status 500") {
		t.Errorf("error should mention status code, got: %v", err)
	}
}

// TestLookup_Timeout verifies the per-lookup timeout is enforced.
func TestLookup_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	provider := NewIPInfoProvider(ProviderConfig{BaseURL: server.URL, Timeout: 50 * time.Millisecond}, nil)

	start := time.Now()
	_, err := provider.Lookup(context.Background(), "8.8.8.8")
	if err == nil {
		t.Fatal("Lookup should time out")
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout not enforced, took %v", time.Since(start))
	}
}

// TestLookup_LimiterDenied verifies a limiter error aborts the lookup
// before any request is made.
func TestLookup_LimiterDenied(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	provider := NewIPInfoProvider(ProviderConfig{BaseURL: server.URL}, limiterFunc(func(context.Context, string) error {
		return errors.New("budget exhausted")
	}))

	if _, err := provider.Lookup(context.Background(), "8.8.8.8"); err == nil {
		t.Error("Lookup should fail when the limiter refuses")
	}
	if called {
		t.Error("no request should be issued")
	}
}

type limiterFunc func(ctx context.Context, key string) error

func (f limiterFunc) Wait(ctx context.Context, key string) error { return f(ctx, key) }

// =============================================================================
// Label Composition Tests
// =============================================================================

// TestIPInfoResponse_GeoInfo verifies location fallbacks.
func TestIPInfoResponse_GeoInfo(t *testing.T) {
	tests := []struct {
		name string
		resp IPInfoResponse
		want GeoInfo
	}{
		{"all parts", IPInfoResponse{City: "Paris", Region: "Île-de-France", Country: "FR", Org: "AS3215"}, GeoInfo{"Paris, Île-de-France, FR", "AS3215"}},
		{"country only", IPInfoResponse{Country: "DE"}, GeoInfo{"DE", ""}},
		{"city and country", IPInfoResponse{City: "Oslo", Country: "NO"}, GeoInfo{"Oslo, NO", ""}},
		{"nothing", IPInfoResponse{Org: "AS0"}, GeoInfo{UnknownLocation, "AS0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.resp.GeoInfo(); got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}
