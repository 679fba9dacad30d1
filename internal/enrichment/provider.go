// Package enrichment resolves source addresses to geolocation and network
// ownership, memoizing every outcome for the lifetime of a run.
package enrichment

import (
	"context"
	"time"
)

// GeoInfo is the (location, organization) pair reported for an address.
type GeoInfo struct {
	Location string `json:"location"`
	Org      string `json:"isp"`
}

// Sentinel outcomes that never come from a provider.
var (
	GeoUnavailable  = GeoInfo{Location: "N/A", Org: "N/A"}
	GeoPrivate      = GeoInfo{Location: "Private/Reserved", Org: "Private/Reserved"}
	GeoLookupFailed = GeoInfo{Location: "Lookup Failed", Org: "N/A"}
)

// UnknownLocation is reported when a lookup succeeds without any of
// city, region or country.
const UnknownLocation = "Unknown"

// Provider performs a single outbound lookup for a public address.
// Implementations must not retry; the resolver records any error as a
// failed lookup.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, address string) (GeoInfo, error)
}

// ProviderConfig holds common provider configuration.
type ProviderConfig struct {
	TokenEnv string        `yaml:"token_env"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		TokenEnv: "IPINFO_TOKEN",
		BaseURL:  ipinfoDefaultBaseURL,
		Timeout:  5 * time.Second,
	}
}
