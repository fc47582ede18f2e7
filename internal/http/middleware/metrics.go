// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file instruments webhook traffic for Prometheus. Route labels use the
// registered Gin pattern, and requests that match no route share the
// "unmatched" label so scanners cannot mint new series.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const unmatchedRoute = "unmatched"

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbot_http_requests_total",
			Help: "Webhook and admin requests by method, route and status code.",
		},
		[]string{"method", "route", "code"},
	)

	// A command runs store writes and at least one gateway round trip, with
	// retries on top, so the upper buckets reach past the gateway timeout.
	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventbot_http_request_duration_seconds",
			Help:    "Request latency by method and route.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	httpInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventbot_http_requests_inflight",
		Help: "Requests currently being served.",
	})

	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventbot_http_response_size_bytes",
			Help:    "Response body size by method and route.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 9), // 64B .. 16KiB
		},
		[]string{"method", "route"},
	)

	// httpReplays counts redelivered commands answered from a receipt.
	httpReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbot_http_replays_total",
			Help: "Redelivered webhooks answered without running the command.",
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize, httpReplays)
}

// Metrics records count, latency, in-flight and response size per request,
// plus replays flagged by IdempotencyValidator or a handler.
//
//	r.Use(middleware.Metrics())
//	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method

		httpReqs.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, route).Observe(float64(size))
		}
		if IsReplay(c) {
			httpReplays.WithLabelValues(route).Inc()
		}
	}
}
