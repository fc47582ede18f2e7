// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file holds the per-user command limiter: one token bucket per chat
// user (client IP when the bridge names no user), so one user spamming
// commands cannot starve the gateway for everyone else. Replays and trusted
// integration bots pass without spending tokens. Buckets live in process
// memory only.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var rateLimited = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "eventbot_http_rate_limited_total",
		Help: "Webhook requests rejected by the per-user rate limiter, by key kind.",
	},
	[]string{"key"},
)

func init() {
	prometheus.MustRegister(rateLimited)
}

// keyFunc maps a request to its bucket, e.g. "user:u1" or "ip:203.0.113.7".
type keyFunc func(*gin.Context) string

// KeyByUserOrIP keys buckets by the chat user set by Identity, falling back
// to the client IP.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if uid := UserID(c); uid != "" {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

// keyKind is the metric label for a bucket key: the part before ':'.
func keyKind(key string) string {
	if kind, _, ok := strings.Cut(key, ":"); ok && kind != "" {
		return kind
	}
	return "other"
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter is a per-key token-bucket limiter, safe for concurrent use.
// Buckets idle for longer than idle are dropped by a sweep that runs at most
// once per idle period.
type RateLimiter struct {
	limit  rate.Limit
	burst  int
	key    keyFunc
	exempt map[string]struct{}

	mu        sync.Mutex
	buckets   map[string]*bucket
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter refills rps tokens per second into buckets of size burst.
// rps 0 admits only the initial burst; burst below 1 is raised to 1.
func NewRateLimiter(rps float64, burst int, key keyFunc) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		key:     key,
		buckets: make(map[string]*bucket),
		idle:    10 * time.Minute,
		now:     time.Now,
	}
	rl.lastSweep = rl.now()
	return rl
}

// Exempt lets the given user ids through without consuming tokens. Call it
// during setup, before Handler serves traffic.
func (rl *RateLimiter) Exempt(userIDs ...string) *RateLimiter {
	if rl.exempt == nil {
		rl.exempt = make(map[string]struct{}, len(userIDs))
	}
	for _, id := range userIDs {
		if id = strings.TrimSpace(id); id != "" {
			rl.exempt[id] = struct{}{}
		}
	}
	return rl
}

func (rl *RateLimiter) isExempt(c *gin.Context) bool {
	uid := UserID(c)
	if uid == "" {
		return false
	}
	_, ok := rl.exempt[uid]
	return ok
}

// limiter returns the bucket for key, creating it on first use. Stale
// buckets are swept before the lookup so an expired key starts afresh.
func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= rl.idle {
		for k, b := range rl.buckets {
			if now.Sub(b.seen) >= rl.idle {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = now
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.seen = now
	return b.lim
}

// retryAfter is the whole number of seconds until the next token, at least 1.
// A limiter that never refills asks callers to come back in a minute.
func (rl *RateLimiter) retryAfter() int {
	if rl.limit <= 0 {
		return 60
	}
	return max(1, int(math.Ceil(1/float64(rl.limit))))
}

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay that should not spend tokens.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler enforces the limits. A rejected request gets 429 with Retry-After
// and the usual error envelope:
//
//	{"request_id":"<uuid>","code":"rate_limited","message":"rate limit exceeded"}
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) || rl.isExempt(c) {
			c.Next()
			return
		}

		key := rl.key(c)
		if rl.limiter(key).Allow() {
			c.Next()
			return
		}

		rateLimited.WithLabelValues(keyKind(key)).Inc()
		LoggerFrom(c).Debug().Str("bucket", key).Msg("rate limited")
		c.Header("Retry-After", strconv.Itoa(rl.retryAfter()))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": RequestIDFrom(c),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
