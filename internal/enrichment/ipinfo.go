package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

const ipinfoDefaultBaseURL = "https://ipinfo.io"

// Limiter gates outbound requests against a shared request budget.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// IPInfoProvider implements Provider against the ipinfo.io JSON API.
type IPInfoProvider struct {
	config     ProviderConfig
	token      string
	httpClient *http.Client
	limiter    Limiter
}

// IPInfoResponse is the subset of the ipinfo.io response we use.
type IPInfoResponse struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
	City     string `json:"city,omitempty"`
	Region   string `json:"region,omitempty"`
	Country  string `json:"country,omitempty"`
	Loc      string `json:"loc,omitempty"`
	Org      string `json:"org,omitempty"`
}

// NewIPInfoProvider creates a new ipinfo provider. A missing token is not
// an error: ipinfo serves a small anonymous quota.
func NewIPInfoProvider(config ProviderConfig, limiter Limiter) *IPInfoProvider {
	if config.BaseURL == "" {
		config.BaseURL = ipinfoDefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultProviderConfig().Timeout
	}

	var token string
	if config.TokenEnv != "" {
		token = os.Getenv(config.TokenEnv)
	}

	return &IPInfoProvider{
		config: config,
		token:  token,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: limiter,
	}
}

// Name returns the provider identifier.
func (p *IPInfoProvider) Name() string {
	return "ipinfo"
}

// Lookup issues exactly one request for address.
func (p *IPInfoProvider) Lookup(ctx context.Context, address string) (GeoInfo, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, p.Name()); err != nil {
			return GeoInfo{}, fmt.Errorf("waiting for lookup budget: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := p.newRequest(ctx, address)
	if err != nil {
		return GeoInfo{}, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return GeoInfo{}, fmt.Errorf("ipinfo lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return GeoInfo{}, fmt.Errorf("ipinfo returned status %d", resp.StatusCode)
	}

	var body IPInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return GeoInfo{}, fmt.Errorf("decoding ipinfo response: %w", err)
	}

	return body.GeoInfo(), nil
}

// GeoInfo composes the location label from whichever of city, region and
// country are present.
func (r IPInfoResponse) GeoInfo() GeoInfo {
	var parts []string
	for _, part := range []string{r.City, r.Region, r.Country} {
		if part != "" {
			parts = append(parts, part)
		}
	}

	location := UnknownLocation
	if len(parts) > 0 {
		location = strings.Join(parts, ", ")
	}

	return GeoInfo{Location: location, Org: r.Org}
}

// newRequest creates an ipinfo API request for address.
func (p *IPInfoProvider) newRequest(ctx context.Context, address string) (*http.Request, error) {
	fullURL := strings.TrimSuffix(p.config.BaseURL, "/") + "/" + url.PathEscape(address)
	if p.token != "" {
		fullURL += "?token=" + url.QueryEscape(p.token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "PhishForge/1.0")

	return req, nil
}
