// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file handles redelivered webhooks. The chat bridge sends the id of the
// chat message that carried a command as the Idempotency-Key header; when a
// delivery receipt for (user, key) still exists the request is marked as a
// replay so the handler can answer without running the command again, and the
// rate limiter lets it through for free.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the originating chat message id.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderUserID carries the id of the chat user who triggered the webhook. The
// bridge sets it so per-user middleware can run before the body is bound.
const HeaderUserID = "X-User-ID"

const (
	ctxKeyUserID     = "userID"
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

// Identity copies the X-User-ID header into the Gin context under "userID".
// Missing or blank headers leave the context untouched.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); uid != "" {
			c.Set(ctxKeyUserID, uid)
		}
		c.Next()
	}
}

// UserID returns the chat user id stored by Identity, or "".
func UserID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyUserID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetIdempotencyKey returns the validated key stored by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether a live delivery receipt already covers this request.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// MarkReplay flags the request as a replay after the fact, e.g. when the
// handler finds a receipt keyed by the body's message id.
func MarkReplay(c *gin.Context) {
	c.Set(ctxKeyIdemReplay, true)
}

// IdempotencyOptions configures header validation. Receipt expiry is the
// lookup's business.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. Defaults to ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
}

// ReceiptLookup reports whether a live receipt exists for (userID, key) at
// now. Errors are treated as a miss.
type ReceiptLookup func(ctx context.Context, userID, key string, now time.Time) (bool, error)

// IdempotencyValidator validates the Idempotency-Key header when present,
// stashes it, and consults lookup for a prior receipt. Requests without a
// header, or without a known user, are never marked as replays.
func IdempotencyValidator(opts IdempotencyOptions, lookup ReceiptLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if uid := UserID(c); lookup != nil && uid != "" {
			if exists, err := lookup(c.Request.Context(), uid, key, time.Now().UTC()); err == nil && exists {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}
