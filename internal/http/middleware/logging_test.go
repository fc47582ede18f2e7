package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// captureLogs swaps the global logger for a JSON buffer and returns a
// function that decodes every line written so far.
func captureLogs(t *testing.T) func() []map[string]any {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)

	return func() []map[string]any {
		var lines []map[string]any
		for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			if raw == "" {
				continue
			}
			var m map[string]any
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				t.Fatalf("bad log line %q: %v", raw, err)
			}
			lines = append(lines, m)
		}
		return lines
	}
}

// accessLine returns the access log entry for path.
func accessLine(t *testing.T, lines []map[string]any, path string) map[string]any {
	t.Helper()
	for _, m := range lines {
		if m["message"] == "request" && m["path"] == path {
			return m
		}
	}
	t.Fatalf("no access log for %s in %v", path, lines)
	return nil
}

type errSentinel struct{}

func (errSentinel) Error() string { return "boom" }

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.POST("/commands", func(c *gin.Context) {
		if RequestIDFrom(c) == "" {
			t.Errorf("request id missing from context")
		}
		c.Status(http.StatusOK)
	})

	cases := []struct {
		name   string
		header string
		want   string
	}{
		{name: "generated", header: "", want: ""},
		{name: "propagated", header: "bridge-77", want: "bridge-77"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/commands", nil)
			if tc.header != "" {
				req.Header.Set(strings.ToLower(requestIDHeader), tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			got := w.Header().Get(requestIDHeader)
			if got == "" || (tc.want != "" && got != tc.want) {
				t.Fatalf("%s header = %q; want %q", requestIDHeader, got, tc.want)
			}
		})
	}
}

func TestLogger_LevelFollowsOutcome(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := captureLogs(t)

	r := gin.New()
	r.Use(RequestID(), Identity(), Logger())
	r.POST("/commands", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "processed"}) })
	r.POST("/reactions", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	r.POST("/broken", func(c *gin.Context) {
		_ = c.Error(errSentinel{})
		c.Status(http.StatusBadRequest)
	})
	r.POST("/fault", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, p := range []string{"/commands", "/reactions", "/missing", "/broken", "/fault"} {
		req := httptest.NewRequest(http.MethodPost, p, strings.NewReader(`{}`))
		req.Header.Set(HeaderUserID, "u1")
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	lines := logs()
	for path, level := range map[string]string{
		"/commands":  "info",
		"/reactions": "info",
		"/missing":   "warn", // unmatched routes log the raw path
		"/broken":    "error",
		"/fault":     "error",
	} {
		if got := accessLine(t, lines, path)["level"]; got != level {
			t.Errorf("%s logged at %v; want %s", path, got, level)
		}
	}

	cmd := accessLine(t, lines, "/commands")
	if cmd["user_id"] != "u1" || cmd["method"] != "POST" || cmd["replay"] != false {
		t.Fatalf("access log fields: %v", cmd)
	}
	if cmd["status"] != float64(http.StatusOK) || cmd["request_id"] == "" {
		t.Fatalf("access log status/request id: %v", cmd)
	}
	if broken := accessLine(t, lines, "/broken"); broken["errors"] == nil {
		t.Fatalf("gin errors not logged: %v", broken)
	}
}

func TestLogger_MarksReplays(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := captureLogs(t)

	r := gin.New()
	r.Use(RequestID(), Logger())
	r.POST("/commands", func(c *gin.Context) {
		MarkReplay(c)
		c.JSON(http.StatusOK, gin.H{"status": "replayed"})
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/commands", nil))

	if got := accessLine(t, logs(), "/commands")["replay"]; got != true {
		t.Fatalf("replay = %v; want true", got)
	}
}

func TestLogger_AttachesContextLoggerWithUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := captureLogs(t)

	r := gin.New()
	r.Use(RequestID(), Identity(), Logger())
	r.POST("/commands", func(c *gin.Context) {
		// Code below the handler only sees context.Context.
		zerolog.Ctx(c.Request.Context()).Info().Str("command", "list").Msg("dispatch")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/commands", nil)
	req.Header.Set(requestIDHeader, "rid-1")
	req.Header.Set(HeaderUserID, "u1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var dispatch map[string]any
	for _, m := range logs() {
		if m["message"] == "dispatch" {
			dispatch = m
		}
	}
	if dispatch == nil {
		t.Fatalf("context logger line missing")
	}
	if dispatch["request_id"] != "rid-1" || dispatch["user_id"] != "u1" || dispatch["command"] != "list" {
		t.Fatalf("context logger fields: %v", dispatch)
	}
}

func TestLoggerFrom(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("fallback without Logger", func(t *testing.T) {
		logs := captureLogs(t)
		r := gin.New()
		r.Use(RequestID())
		r.POST("/x", func(c *gin.Context) {
			LoggerFrom(c).Info().Msg("custom")
			c.Status(http.StatusOK)
		})
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/x", nil))

		lines := logs()
		if len(lines) != 1 || lines[0]["message"] != "custom" {
			t.Fatalf("lines = %v", lines)
		}
		if _, ok := lines[0]["request_id"]; ok {
			t.Fatalf("fallback logger should carry no request fields")
		}
	})

	t.Run("request scoped", func(t *testing.T) {
		logs := captureLogs(t)
		r := gin.New()
		r.Use(RequestID(), Logger())
		r.POST("/x", func(c *gin.Context) {
			LoggerFrom(c).Info().Msg("custom")
			c.Status(http.StatusOK)
		})
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.Header.Set(requestIDHeader, "rid-9")
		r.ServeHTTP(httptest.NewRecorder(), req)

		for _, m := range logs() {
			if m["message"] == "custom" && m["request_id"] == "rid-9" {
				return
			}
		}
		t.Fatalf("request-scoped line with request_id missing")
	})
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("panic before write", func(t *testing.T) {
		logs := captureLogs(t)
		r := gin.New()
		r.Use(RequestID(), Logger(), Recovery())
		r.POST("/commands", func(c *gin.Context) { panic("kaboom") })

		req := httptest.NewRequest(http.MethodPost, "/commands", nil)
		req.Header.Set(requestIDHeader, "rid-p")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d; want 500", w.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("json: %v", err)
		}
		if body["code"] != "internal_error" || body["request_id"] != "rid-p" {
			t.Fatalf("body = %v", body)
		}
		var recovered bool
		for _, m := range logs() {
			if m["message"] == "panic recovered" && m["panic"] == "kaboom" && m["stack"] != nil {
				recovered = true
			}
		}
		if !recovered {
			t.Fatalf("panic not logged with stack")
		}
	})

	t.Run("panic after write", func(t *testing.T) {
		_ = captureLogs(t)
		r := gin.New()
		r.Use(RequestID(), Logger(), Recovery())
		r.POST("/commands", func(c *gin.Context) {
			c.String(http.StatusOK, "partial")
			panic("late kaboom")
		})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/commands", nil))

		if strings.Contains(w.Body.String(), "internal_error") {
			t.Fatalf("no JSON envelope may follow a written body: %q", w.Body.String())
		}
	})
}

func TestHelpers_asString(t *testing.T) {
	if asString("x") != "x" || asString(123) != "" || asString(nil) != "" {
		t.Fatalf("asString failed")
	}
}
