package enrichment

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// PrivatePrefixes are matched as case-sensitive string prefixes, not as
// CIDR ranges. 172.16. through 172.31. are listed one by one, so
// 172.15.x.x and 172.32.x.x are treated as public.
var PrivatePrefixes = []string{
	"10.",
	"172.16.", "172.17.", "172.18.", "172.19.", "172.20.", "172.21.", "172.22.", "172.23.",
	"172.24.", "172.25.", "172.26.", "172.27.", "172.28.", "172.29.", "172.30.", "172.31.",
	"192.168.",
	"127.",
	"169.254.",
	"::1",
}

// AddressClass is the routing decision made for an address before any
// lookup happens.
type AddressClass int

const (
	ClassBlank AddressClass = iota
	ClassPrivate
	ClassPublic
)

// Classify decides whether address is blank, private/reserved or public.
func Classify(address string) AddressClass {
	if strings.TrimSpace(address) == "" {
		return ClassBlank
	}
	for _, prefix := range PrivatePrefixes {
		if strings.HasPrefix(address, prefix) {
			return ClassPrivate
		}
	}
	return ClassPublic
}

// IsPublic reports whether address is eligible for a lookup and a dossier.
func IsPublic(address string) bool {
	return Classify(address) == ClassPublic
}

// Recorder receives lookup telemetry. *observability.Metrics satisfies it.
type Recorder interface {
	ObserveLookup(provider, status string, duration time.Duration)
	ObserveCacheHit(provider string)
}

// ResolverStats counts resolver activity for one run.
type ResolverStats struct {
	Entries   int `json:"entries"`
	Lookups   int `json:"lookups"`
	Failures  int `json:"failures"`
	CacheHits int `json:"cache_hits"`
}

// Resolver maps addresses to GeoInfo. Every outcome, including failures
// and the blank address, is memoized for the resolver's lifetime, so each
// distinct address reaches the provider at most once. Concurrent callers
// for the same address share one in-flight lookup.
type Resolver struct {
	provider Provider
	logger   *zap.Logger
	recorder Recorder

	mu    sync.RWMutex
	cache map[string]GeoInfo
	stats ResolverStats

	group singleflight.Group
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithRecorder attaches a telemetry recorder.
func WithRecorder(rec Recorder) ResolverOption {
	return func(r *Resolver) { r.recorder = rec }
}

// NewResolver creates a resolver backed by provider. A nil provider
// disables lookups: public addresses resolve to GeoUnavailable.
func NewResolver(provider Provider, logger *zap.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		provider: provider,
		logger:   logger,
		cache:    make(map[string]GeoInfo),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the GeoInfo for address, performing at most one
// provider lookup per distinct address.
func (r *Resolver) Resolve(ctx context.Context, address string) GeoInfo {
	if info, ok := r.cached(address); ok {
		r.hit()
		return info
	}

	switch Classify(address) {
	case ClassBlank:
		return r.store(address, GeoUnavailable)
	case ClassPrivate:
		return r.store(address, GeoPrivate)
	}

	v, _, _ := r.group.Do(address, func() (any, error) {
		// A previous flight may have committed between our miss and Do.
		if info, ok := r.cached(address); ok {
			return info, nil
		}
		return r.store(address, r.lookup(ctx, address)), nil
	})
	return v.(GeoInfo)
}

// Prefetch resolves every distinct uncached public address in addresses,
// running up to concurrency lookups at once. progress, when non-nil, is
// called every 10 addresses and after the last one.
func (r *Resolver) Prefetch(ctx context.Context, addresses []string, concurrency int, progress func(done, total int)) {
	seen := make(map[string]struct{}, len(addresses))
	var pending []string
	for _, address := range addresses {
		if _, dup := seen[address]; dup || !IsPublic(address) {
			continue
		}
		seen[address] = struct{}{}
		if _, ok := r.cached(address); !ok {
			pending = append(pending, address)
		}
	}

	if concurrency < 1 {
		concurrency = 1
	}

	var (
		g      errgroup.Group
		progMu sync.Mutex
		done   int
	)
	total := len(pending)
	g.SetLimit(concurrency)

	for _, address := range pending {
		address := address
		g.Go(func() error {
			r.Resolve(ctx, address)

			progMu.Lock()
			done++
			if progress != nil && (done%10 == 0 || done == total) {
				progress(done, total)
			}
			progMu.Unlock()
			return nil
		})
	}
	g.Wait()
}

// Stats returns a snapshot of resolver counters.
func (r *Resolver) Stats() ResolverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := r.stats
	stats.Entries = len(r.cache)
	return stats
}

func (r *Resolver) lookup(ctx context.Context, address string) GeoInfo {
	if r.provider == nil {
		return GeoUnavailable
	}

	start := time.Now()
	info, err := r.provider.Lookup(ctx, address)
	elapsed := time.Since(start)

	r.mu.Lock()
	r.stats.Lookups++
	if err != nil {
		r.stats.Failures++
	}
	r.mu.Unlock()

	status := "success"
	if err != nil {
		status = "failed"
		info = GeoLookupFailed
		r.logger.Warn("Geolocation lookup failed",
			zap.String("provider", r.provider.Name()),
			zap.String("address", address),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	}
	if r.recorder != nil {
		r.recorder.ObserveLookup(r.provider.Name(), status, elapsed)
	}

	return info
}

func (r *Resolver) cached(address string) (GeoInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.cache[address]
	return info, ok
}

// store commits info unless another caller already did, and returns the
// committed value.
func (r *Resolver) store(address string, info GeoInfo) GeoInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.cache[address]; ok {
		return existing
	}
	r.cache[address] = info
	return info
}

func (r *Resolver) hit() {
	r.mu.Lock()
	r.stats.CacheHits++
	r.mu.Unlock()
	if r.recorder != nil {
		name := "none"
		if r.provider != nil {
			name = r.provider.Name()
		}
		r.recorder.ObserveCacheHit(name)
	}
}
