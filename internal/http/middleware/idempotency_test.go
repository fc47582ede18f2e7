package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestHelpers_GetIdempotencyKey_IsReplay_UserID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	if k, ok := GetIdempotencyKey(c); k != "" || ok {
		t.Fatalf("expected empty key when not set")
	}
	if IsReplay(c) {
		t.Fatalf("expected IsReplay=false by default")
	}
	c.Set(ctxKeyIdemKey, 123)
	if _, ok := GetIdempotencyKey(c); ok {
		t.Fatalf("non-string key must read as absent")
	}
	MarkReplay(c)
	if !IsReplay(c) {
		t.Fatalf("expected IsReplay=true after MarkReplay")
	}
	c.Set(ctxKeyIdemReplay, "yes")
	if IsReplay(c) {
		t.Fatalf("expected IsReplay=false for non-bool")
	}

	if got := UserID(c); got != "" {
		t.Fatalf("UserID without identity = %q", got)
	}
	c.Set(ctxKeyUserID, "u1")
	if got := UserID(c); got != "u1" {
		t.Fatalf("UserID = %q", got)
	}
	c.Set(ctxKeyUserID, 42)
	if got := UserID(c); got != "" {
		t.Fatalf("UserID with wrong type = %q", got)
	}
}

func TestIdentity_FromHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Identity())
	var seen string
	r.GET("/", func(c *gin.Context) { seen = UserID(c); c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, "  u7 ")
	r.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "u7" {
		t.Fatalf("UserID = %q; want u7", seen)
	}

	seen = "unset"
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if seen != "" {
		t.Fatalf("UserID without header = %q", seen)
	}
}

func TestIdempotencyValidator_NoHeader_NoLookupCalled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	called := false
	r.Use(IdempotencyValidator(IdempotencyOptions{}, func(context.Context, string, string, time.Time) (bool, error) {
		called = true
		return false, nil
	}))
	r.POST("/commands", func(c *gin.Context) {
		if _, ok := GetIdempotencyKey(c); ok {
			t.Fatalf("key should not be present when header missing")
		}
		c.Status(http.StatusNoContent)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/commands", nil))

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if called {
		t.Fatalf("lookup should not be called when header missing")
	}
}

func TestIdempotencyValidator_InvalidKeys(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name string
		opts IdempotencyOptions
		key  string
	}{
		{"too long", IdempotencyOptions{MaxLen: 5}, "abcdef"},
		{"pattern", IdempotencyOptions{Pattern: regexp.MustCompile(`^[0-9]+$`)}, "abc123"},
		{"default pattern rejects spaces", IdempotencyOptions{}, "msg 1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(IdempotencyValidator(tc.opts, nil))
			r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/x", nil)
			req.Header.Set(HeaderIdempotencyKey, tc.key)
			r.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid json: %v", err)
			}
			if body["code"] != "bad_idempotency_key" {
				t.Fatalf("unexpected body: %v", body)
			}
		})
	}
}

func TestIdempotencyValidator_Lookup(t *testing.T) {
	gin.SetMode(gin.TestMode)

	type seen struct{ replay, bypass bool }
	run := func(t *testing.T, uid string, lookup ReceiptLookup) seen {
		t.Helper()
		r := gin.New()
		r.Use(Identity(), IdempotencyValidator(IdempotencyOptions{}, lookup))
		var s seen
		r.POST("/commands", func(c *gin.Context) {
			if key, ok := GetIdempotencyKey(c); !ok || key != "msg-9" {
				t.Fatalf("stashed key = %q ok=%v", key, ok)
			}
			s = seen{IsReplay(c), IsRateBypass(c)}
			c.Status(http.StatusOK)
		})
		req := httptest.NewRequest(http.MethodPost, "/commands", nil)
		req.Header.Set(HeaderIdempotencyKey, "msg-9")
		if uid != "" {
			req.Header.Set(HeaderUserID, uid)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		return s
	}

	t.Run("hit marks replay and bypass", func(t *testing.T) {
		got := run(t, "u9", func(_ context.Context, userID, key string, now time.Time) (bool, error) {
			if userID != "u9" || key != "msg-9" || now.IsZero() {
				t.Fatalf("lookup args: %q %q %v", userID, key, now)
			}
			return true, nil
		})
		if !got.replay || !got.bypass {
			t.Fatalf("expected replay and bypass, got %+v", got)
		}
	})
	t.Run("miss", func(t *testing.T) {
		got := run(t, "u9", func(context.Context, string, string, time.Time) (bool, error) { return false, nil })
		if got.replay || got.bypass {
			t.Fatalf("expected no replay on miss, got %+v", got)
		}
	})
	t.Run("lookup error is a miss", func(t *testing.T) {
		got := run(t, "u9", func(context.Context, string, string, time.Time) (bool, error) { return true, errors.New("db down") })
		if got.replay {
			t.Fatalf("errors must not mark replays")
		}
	})
	t.Run("no user skips lookup", func(t *testing.T) {
		got := run(t, "", func(context.Context, string, string, time.Time) (bool, error) {
			t.Fatalf("lookup must not run without a user")
			return true, nil
		})
		if got.replay {
			t.Fatalf("unexpected replay")
		}
	})
}
