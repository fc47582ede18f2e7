// Package httpapi wires the webhook transport (Gin) to the bot, together with
// the cross-cutting middleware: tracing, correlation ids, logging, panic
// recovery, metrics, redelivery detection and per-user rate limiting.
//
// Middleware order matters:
//  1. OpenTelemetry, so every request has a span (and the bridge's trace)
//  2. RequestID, then Identity (X-User-ID), then Logger, then Recovery
//  3. gzip and the body size cap
//  4. Metrics
//  5. Idempotency validator, before the limiter so replays are free
//  6. Rate limiter (API group only)
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-event-bot/internal/config"
	"github.com/tbourn/go-event-bot/internal/http/handlers"
	"github.com/tbourn/go-event-bot/internal/http/middleware"
)

const maxBodyBytes = 64 << 10

// Deps are the components the routes serve.
type Deps struct {
	DB        *gorm.DB
	Commands  handlers.Dispatcher
	Reactions handlers.ReactionSink
}

// RegisterRoutes attaches middleware and endpoints to r:
//
//	POST {base}/commands    command webhook
//	POST {base}/reactions   reaction webhook (202)
//	GET  /health            liveness plus a store ping
//	GET  /metrics           Prometheus
//	     /debug/pprof/*     when PPROF_ENABLED
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Identity())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics", "/debug/pprof"})))
	r.Use(limitBody(maxBodyBytes))
	r.Use(middleware.Metrics())

	receipts := &handlers.DBReceipts{DB: deps.DB, TTL: cfg.DeliveryTTL}
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, receipts.Seen))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", health(deps.DB))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.PprofEnabled {
		pprof.Register(r)
	}

	h := handlers.New(deps.Commands, deps.Reactions, receipts)
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP()).
		Exempt(cfg.Bot.TrustedBotIDs...)

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(rl.Handler())
	{
		api.POST("/commands", h.PostCommand)
		api.POST("/reactions", h.PostReaction)
	}
}

// health reports ok while the store answers a ping within a second.
func health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
			defer cancel()
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(ctx)
			}
			if err != nil {
				middleware.LoggerFrom(c).Warn().Err(err).Msg("health: store unavailable")
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// limitBody caps request bodies at maxBytes; oversized bodies fail to bind.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
