package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration. Buckets are keyed by
// the authenticated actor when one is known, otherwise by client IP.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops a bucket nobody has used for this long. Default 10m.
	IdleTTL time.Duration
	// Skip exempts requests such as health checks.
	Skip func(c echo.Context) bool
}

const defaultIdleTTL = 10 * time.Minute

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		IdleTTL:           defaultIdleTTL,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitorStore implements echo's RateLimiterStore with one limiter per key.
// Idle visitors are swept at most once per IdleTTL, on access.
type visitorStore struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newVisitorStore(cfg RateLimitConfig) *visitorStore {
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	return &visitorStore{
		visitors:  make(map[string]*visitor),
		limit:     rate.Limit(cfg.RequestsPerSecond),
		burst:     cfg.BurstSize,
		idleTTL:   ttl,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (s *visitorStore) Allow(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= s.idleTTL {
		s.sweepLocked(now)
	}

	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

func (s *visitorStore) sweepLocked(now time.Time) {
	for key, v := range s.visitors {
		if now.Sub(v.lastSeen) >= s.idleTTL {
			delete(s.visitors, key)
		}
	}
	s.lastSweep = now
}

// retryAfter is the whole number of seconds until key has a token again.
func (s *visitorStore) retryAfter(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visitors[key]
	if !ok || s.limit <= 0 {
		return 1
	}
	missing := 1 - v.limiter.TokensAt(s.now())
	if missing <= 0 {
		return 1
	}
	return int(math.Ceil(missing / float64(s.limit)))
}

func (s *visitorStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}

// rateLimitKey prefers the actor id set by the auth middleware so patients
// behind one clinic NAT do not share a bucket.
func rateLimitKey(c echo.Context) (string, error) {
	if actor, ok := c.Get("actor_id").(string); ok && actor != "" {
		return "actor:" + actor, nil
	}
	return "ip:" + c.RealIP(), nil
}

// RateLimit applies a token bucket per actor or client IP. Denied requests
// get 429 with Retry-After.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(cfg, newVisitorStore(cfg))
}

func rateLimit(cfg RateLimitConfig, store *visitorStore) echo.MiddlewareFunc {
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	skip := echomw.DefaultSkipper
	if cfg.Skip != nil {
		skip = cfg.Skip
	}

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper: skip,
		BeforeFunc: func(c echo.Context) {
			c.Response().Header().Set("X-RateLimit-Limit", limitHeader)
		},
		IdentifierExtractor: rateLimitKey,
		Store:               store,
		DenyHandler: func(c echo.Context, key string, _ error) error {
			h := c.Response().Header()
			h.Set("Retry-After", strconv.Itoa(store.retryAfter(key)))
			h.Set("X-RateLimit-Remaining", "0")
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}
