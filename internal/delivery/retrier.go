// Package delivery wraps fallible outbound sends (channel replies, direct
// messages, reactions) in a bounded retry policy.
//
// Two policies share one retry loop:
//
//   - Must: the caller's own confirmation. Exhaustion returns the last error
//     and the command is considered failed.
//   - BestEffort: fan-out sends. Exhaustion is logged and swallowed so the
//     remaining recipients are still served.
package delivery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = time.Second
)

var deliveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "eventbot_deliveries_total",
		Help: "Outbound gateway sends by retry policy and final result.",
	},
	[]string{"policy", "result"},
)

func init() {
	prometheus.MustRegister(deliveries)
}

// Retrier retries a send a fixed number of times with a constant pause
// between attempts.
type Retrier struct {
	Attempts uint
	Backoff  time.Duration
}

// New returns a Retrier. Non-positive attempts fall back to DefaultAttempts
// and a negative backoff to zero.
func New(attempts int, pause time.Duration) *Retrier {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if pause < 0 {
		pause = 0
	}
	return &Retrier{Attempts: uint(attempts), Backoff: pause}
}

// Must runs send until it succeeds or attempts run out, returning the last
// error on exhaustion.
func (r *Retrier) Must(ctx context.Context, op string, send func(context.Context) error) error {
	_, err := Must(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, send(ctx)
	})
	return err
}

// BestEffort runs send like Must but logs exhaustion instead of returning it.
// It reports whether the send eventually succeeded.
func (r *Retrier) BestEffort(ctx context.Context, op string, send func(context.Context) error) bool {
	_, err := retry(ctx, r, "best_effort", op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, send(ctx)
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("op", op).
			Uint("attempts", r.attempts()).
			Msg("delivery abandoned")
		return false
	}
	return true
}

// Must is the value-returning form of Retrier.Must, for sends that yield a
// result such as the id of a posted message.
func Must[T any](ctx context.Context, r *Retrier, op string, send func(context.Context) (T, error)) (T, error) {
	return retry(ctx, r, "must", op, send)
}

func retry[T any](ctx context.Context, r *Retrier, policy, op string, send func(context.Context) (T, error)) (T, error) {
	if r == nil {
		r = New(DefaultAttempts, DefaultBackoff)
	}
	lg := zerolog.Ctx(ctx)
	attempt := 0
	res, err := backoff.Retry(ctx,
		func() (T, error) {
			attempt++
			return send(ctx)
		},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.Backoff)),
		backoff.WithMaxTries(r.attempts()),
		backoff.WithNotify(func(err error, next time.Duration) {
			lg.Debug().Err(err).
				Str("op", op).
				Int("attempt", attempt).
				Dur("retry_in", next).
				Msg("send failed, retrying")
		}),
	)
	if err != nil {
		deliveries.WithLabelValues(policy, "failed").Inc()
		return res, err
	}
	if attempt > 1 {
		deliveries.WithLabelValues(policy, "retried").Inc()
	} else {
		deliveries.WithLabelValues(policy, "ok").Inc()
	}
	return res, nil
}

func (r *Retrier) attempts() uint {
	if r == nil || r.Attempts == 0 {
		return DefaultAttempts
	}
	return r.Attempts
}
