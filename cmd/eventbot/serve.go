package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/go-event-bot/internal/bot"
	"github.com/tbourn/go-event-bot/internal/config"
	"github.com/tbourn/go-event-bot/internal/delivery"
	"github.com/tbourn/go-event-bot/internal/events"
	"github.com/tbourn/go-event-bot/internal/gateway"
	httpapi "github.com/tbourn/go-event-bot/internal/http"
	"github.com/tbourn/go-event-bot/internal/observability"
	"github.com/tbourn/go-event-bot/internal/repo"
	"github.com/tbourn/go-event-bot/internal/services"
	"github.com/tbourn/go-event-bot/internal/sysutil"
)

const (
	shutdownGrace = 15 * time.Second
	purgeInterval = 10 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		lg := sysutil.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, lg)
	},
}

// app is everything serve starts and must release.
type app struct {
	cfg      config.Config
	db       *gorm.DB
	pub      events.Publisher
	otelDown observability.Shutdown
	srv      *http.Server
}

// newApp wires the store, gateway client, services and the HTTP router.
func newApp(ctx context.Context, cfg config.Config, lg zerolog.Logger) (*app, error) {
	gin.SetMode(cfg.GinMode)

	otelDown, err := observability.SetupOTel(ctx, cfg.OTEL, buildVersion())
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}

	db, err := repo.Open(repo.Options{
		Driver:  cfg.DB.Driver,
		Path:    cfg.DB.Path,
		DSN:     cfg.DB.DSN,
		Tracing: cfg.OTEL.Enabled,
	})
	if err != nil {
		_ = otelDown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		_ = repo.Close(db)
		_ = otelDown(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	pub, err := events.New(cfg.NATSURL)
	if err != nil {
		_ = repo.Close(db)
		_ = otelDown(ctx)
		return nil, err
	}
	if cfg.NATSURL != "" {
		lg.Info().Str("nats_url", cfg.NATSURL).Msg("lifecycle events enabled")
	} else {
		lg.Info().Msg("lifecycle events disabled (NATS_URL not set)")
	}

	policy, err := services.ParseNotifyPolicy(cfg.Bot.NotifyPolicy)
	if err != nil {
		_ = pub.Close()
		_ = repo.Close(db)
		_ = otelDown(ctx)
		return nil, err
	}

	gw := gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.Token, cfg.Gateway.Timeout)
	retrier := delivery.New(cfg.Bot.RetryAttempts, cfg.Bot.RetryBackoff)

	ev := services.NewEventService(db, gw, gw, retrier, pub)
	ev.NotifyPolicy = policy
	for _, id := range cfg.Bot.TrustedBotIDs {
		ev.TrustedBots[id] = true
	}
	topics := services.NewTopicService(db, nil)

	engine := bot.NewEngine(ev, topics, gw, retrier)
	engine.Prefix = cfg.Bot.CommandPrefix
	engine.SubscribeEmoji = cfg.Bot.SubscribeEmoji

	reactions := bot.NewReactionSync(ev, cfg.Bot.UserID)
	reactions.Emoji = cfg.Bot.SubscribeEmoji

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{DB: db, Commands: engine, Reactions: reactions}, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return lg.WithContext(context.Background()) },
	}
	return &app{cfg: cfg, db: db, pub: pub, otelDown: otelDown, srv: srv}, nil
}

// close releases the publisher, the tracer provider and the store, in that
// order, and joins their errors.
func (a *app) close(ctx context.Context) error {
	return errors.Join(
		a.pub.Close(),
		a.otelDown(ctx),
		repo.Close(a.db),
	)
}

// serve runs the HTTP server until ctx is done, then drains it.
func serve(ctx context.Context, cfg config.Config, lg zerolog.Logger) error {
	a, err := newApp(ctx, cfg, lg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info().Str("addr", a.srv.Addr).Str("version", buildVersion()).Msg("HTTP server listening")
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	purgeCtx, stopPurge := context.WithCancel(ctx)
	defer stopPurge()
	go purgeDeliveries(purgeCtx, a.db, purgeInterval, lg)

	var serveErr error
	select {
	case <-ctx.Done():
		lg.Info().Msg("shutting down")
	case serveErr = <-errCh:
		lg.Error().Err(serveErr).Msg("HTTP server error")
	}
	stopPurge()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("HTTP server did not drain in time")
	}
	if err := a.close(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("shutdown")
	}
	return serveErr
}

// purgeDeliveries drops expired delivery receipts every interval until ctx
// is done.
func purgeDeliveries(ctx context.Context, db *gorm.DB, every time.Duration, lg zerolog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredDeliveries(ctx, db, now.UTC())
			if err != nil {
				if ctx.Err() == nil {
					lg.Warn().Err(err).Msg("purge delivery receipts")
				}
				continue
			}
			if n > 0 {
				lg.Debug().Int64("purged", n).Msg("expired delivery receipts removed")
			}
		}
	}
}
