// Package gateway provides Redis-backed fixed-window rate limiting, used
// both to budget outbound geolocation lookups and to protect the read API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrBudgetExhausted is returned by Wait when the window would not reset
// within the configured maximum wait.
var ErrBudgetExhausted = errors.New("rate limit budget exhausted")

const window = time.Minute

// RateLimiter provides configurable rate limiting keyed by tier, client
// and endpoint.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	config RateLimitConfig
	script *redis.Script
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	KeyPrefix      string                    `yaml:"key_prefix"`
	Tier           string                    `yaml:"tier"` // plan used for outbound lookups
	MaxWait        time.Duration             `yaml:"max_wait"`
	Tiers          map[string]TierLimits     `yaml:"tiers"`
	Endpoints      map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders bool                      `yaml:"include_headers"`
}

// TierLimits defines per-minute limits for a plan
type TierLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// EndpointLimits defines rate limits for specific endpoints
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       string
	Reason     string
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "phishforge:ratelimit"
	}
	if cfg.Tier == "" {
		cfg.Tier = "free"
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}

	return &RateLimiter{
		redis:  redisClient,
		logger: logger,
		config: cfg,
		script: redis.NewScript(`
			local current = redis.call('INCR', KEYS[1])
			if current == 1 then
				redis.call('PEXPIRE', KEYS[1], ARGV[1])
			end
			return current
		`),
	}
}

// DefaultTiers returns per-minute budgets matching ipinfo.io plans. The
// read API uses the "api" tier.
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"anonymous": {RequestsPerMinute: 20},
		"free":      {RequestsPerMinute: 100},
		"basic":     {RequestsPerMinute: 500},
		"business":  {RequestsPerMinute: 2000},
		"api":       {RequestsPerMinute: 120},
	}
}

// DefaultEndpointLimits returns endpoint-specific limits for the read API
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		// Full report is the largest payload
		"GET:/api/v1/report": {
			Path:              "/api/v1/report",
			Method:            "GET",
			RequestsPerMinute: 30,
			CostMultiplier:    2,
		},
	}
}

// Check performs a rate limit check. Redis failures allow the request.
func (rl *RateLimiter) Check(ctx context.Context, tier, clientID, endpoint, method string) (*RateLimitResult, error) {
	limit := rl.effectiveLimit(rl.getTierLimits(tier), rl.getEndpointLimits(endpoint, method))

	redisKey := fmt.Sprintf("%s:%s:%s:%s:minute", rl.config.KeyPrefix, tier, clientID, endpoint)
	now := time.Now()

	result, err := rl.script.Run(ctx, rl.redis, []string{redisKey}, window.Milliseconds()).Int()
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Tier: tier}, nil
	}

	allowed := result <= limit
	remaining := limit - result
	if remaining < 0 {
		remaining = 0
	}

	ttl, _ := rl.redis.PTTL(ctx, redisKey).Result()
	if ttl < 0 {
		ttl = 0
	}

	res := &RateLimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   now.Add(ttl),
		Tier:      tier,
	}
	if !allowed {
		res.RetryAfter = ttl
		res.Reason = "Rate limit exceeded"
	}
	return res, nil
}

// Wait blocks until key has budget in the configured lookup tier, the
// context ends, or the next window is further away than MaxWait.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	deadline := time.Now().Add(rl.config.MaxWait)

	for {
		res, err := rl.Check(ctx, rl.config.Tier, key, "lookup", http.MethodGet)
		if err != nil {
			return err
		}
		if res.Allowed {
			return nil
		}

		delay := res.RetryAfter
		if delay <= 0 {
			delay = 100 * time.Millisecond
		}
		if time.Now().Add(delay).After(deadline) {
			return fmt.Errorf("%w: %s resets in %s", ErrBudgetExhausted, key, delay.Round(time.Millisecond))
		}

		rl.logger.Debug("Lookup budget exhausted, waiting for next window",
			zap.String("key", key),
			zap.Duration("retry_after", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (rl *RateLimiter) getTierLimits(tier string) TierLimits {
	if limits, ok := rl.config.Tiers[tier]; ok {
		return limits
	}
	return rl.config.Tiers["free"]
}

func (rl *RateLimiter) getEndpointLimits(endpoint, method string) *EndpointLimits {
	key := method + ":" + endpoint
	if limits, ok := rl.config.Endpoints[key]; ok {
		return &limits
	}
	return nil
}

func (rl *RateLimiter) effectiveLimit(tier TierLimits, endpoint *EndpointLimits) int {
	limit := tier.RequestsPerMinute
	if endpoint == nil {
		return limit
	}
	if endpoint.RequestsPerMinute > 0 && endpoint.RequestsPerMinute < limit {
		limit = endpoint.RequestsPerMinute
	}
	if endpoint.CostMultiplier > 1 {
		limit /= endpoint.CostMultiplier
	}
	return limit
}

// Middleware returns an HTTP middleware limiting each client in tier.
func (rl *RateLimiter) Middleware(tier string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result, err := rl.Check(r.Context(), tier, clientIP(r), r.URL.Path, r.Method)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":"%s","retry_after":%d}`,
					result.Reason, int(result.RetryAfter.Seconds()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers X-Real-IP and falls back to RemoteAddr, which chi's
// RealIP middleware has already rewritten when present.
func clientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
