package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"boardnet/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// IPLimiter keeps one token bucket per client IP. Buckets idle for longer
// than idleTTL are dropped on the next sweep.
type IPLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*ipBucket
	rate      rate.Limit
	burstSize int
	idleTTL   time.Duration
	lastSweep time.Time
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewIPLimiter(r rate.Limit, burst int) *IPLimiter {
	return &IPLimiter{
		limiters:  make(map[string]*ipBucket),
		rate:      r,
		burstSize: burst,
		idleTTL:   10 * time.Minute,
		lastSweep: time.Now(),
	}
}

// NewConnectionLimiter limits websocket upgrades per IP from the
// connections-per-minute setting. It returns nil when rate limiting is off.
func NewConnectionLimiter(cfg *config.Config) *IPLimiter {
	if !cfg.RateLimiting.Enabled || cfg.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
		return nil
	}
	perMinute := cfg.RateLimiting.WebSocket.ConnectionsPerMinute
	return NewIPLimiter(rate.Limit(float64(perMinute)/60), max(perMinute/6, 1))
}

func (l *IPLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > l.idleTTL {
		for k, b := range l.limiters {
			if now.Sub(b.lastSeen) > l.idleTTL {
				delete(l.limiters, k)
			}
		}
		l.lastSweep = now
	}

	b, exists := l.limiters[key]
	if !exists {
		b = &ipBucket{limiter: rate.NewLimiter(l.rate, l.burstSize)}
		l.limiters[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Allow reports whether the request's client may proceed now.
func (l *IPLimiter) Allow(r *http.Request) bool {
	return l.limiter(clientIP(r)).Allow()
}

// clientIP extracts the IP part from the request's remote address.
func clientIP(r *http.Request) string {
	// Try X-Forwarded-For first (behind proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	limiter := NewIPLimiter(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		// Global concurrent requests throttling
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				abortWithError(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "too many concurrent requests")
				return
			}
		}

		if !limiter.Allow(c.Request) {
			c.Header("Retry-After", "1")
			abortWithError(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "rate limit exceeded")
			return
		}
		c.Next()
	}
}
