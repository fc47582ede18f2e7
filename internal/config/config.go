// Package config provides application configuration loaded from environment
// variables with defaults and validation. An optional TOML file named by
// EVENTBOT_CONFIG supplies values for keys the environment leaves unset, and
// a .env file in the working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// FileEnv names the environment variable pointing at the TOML config file.
const FileEnv = "EVENTBOT_CONFIG"

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects and locates the relational store.
type DBConfig struct {
	Driver string // sqlite|postgres
	Path   string // SQLite file
	DSN    string // Postgres DSN
}

// GatewayConfig locates the chat bridge.
type GatewayConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// BotConfig holds command-engine behaviour.
type BotConfig struct {
	UserID         string   // the bot's own account; its reactions are ignored
	TrustedBotIDs  []string // accounts allowed to run integration commands
	CommandPrefix  string
	SubscribeEmoji string
	NotifyPolicy   string // home-server|member
	RetryAttempts  int
	RetryBackoff   time.Duration
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test
	APIBasePath       string        // base path for API routes
	PprofEnabled      bool

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	DB      DBConfig
	Gateway GatewayConfig
	Bot     BotConfig

	// NATSURL enables lifecycle events; empty means no publishing.
	NATSURL string

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// DeliveryTTL is how long a command's message id is remembered for
	// redelivery detection.
	DeliveryTTL time.Duration

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads .env (if present), the optional TOML file and the environment,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()
	src, err := newSource(os.Getenv(FileEnv))
	if err != nil {
		return Config{}, err
	}
	return src.load()
}

func (s source) load() (Config, error) {
	cfg := Config{
		// Server
		Port:              s.str("PORT", "8080"),
		ReadTimeout:       s.dur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: s.dur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      s.dur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       s.dur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    s.int("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(s.str("GIN_MODE", "release")),
		APIBasePath:       normalizeBasePath(s.str("API_BASE_PATH", "/api/v1")),
		PprofEnabled:      s.bool("PPROF_ENABLED", false),

		// Logging
		LogLevel:  strings.ToLower(s.str("LOG_LEVEL", "info")),
		LogPretty: s.bool("LOG_PRETTY", false),

		DB: DBConfig{
			Driver: strings.ToLower(s.str("DB_DRIVER", "sqlite")),
			Path:   s.str("DB_PATH", "eventbot.db"),
			DSN:    s.str("DB_DSN", ""),
		},
		Gateway: GatewayConfig{
			URL:     strings.TrimRight(s.str("GATEWAY_URL", "http://localhost:8090"), "/"),
			Token:   s.str("GATEWAY_TOKEN", ""),
			Timeout: s.dur("GATEWAY_TIMEOUT", 10*time.Second),
		},
		Bot: BotConfig{
			UserID:         s.str("BOT_USER_ID", ""),
			TrustedBotIDs:  splitCSV(s.str("TRUSTED_BOT_IDS", "")),
			CommandPrefix:  s.raw("COMMAND_PREFIX", "!tc "),
			SubscribeEmoji: s.str("SUBSCRIBE_EMOJI", "✅"),
			NotifyPolicy:   strings.ToLower(s.str("NOTIFY_POLICY", "home-server")),
			RetryAttempts:  s.int("RETRY_ATTEMPTS", 3),
			RetryBackoff:   s.dur("RETRY_BACKOFF", time.Second),
		},

		NATSURL: s.str("NATS_URL", ""),

		// Rate limiting
		RateRPS:   s.float("RATE_RPS", 5.0),
		RateBurst: s.int("RATE_BURST", 10),

		DeliveryTTL: s.dur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     s.bool("OTEL_ENABLED", false),
			Endpoint:    s.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    s.bool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: s.str("OTEL_SERVICE_NAME", "eventbot"),
			SampleRatio: s.float("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.DSN) == "" {
			return cfg, errors.New("DB_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.Gateway.URL == "" {
		return cfg, errors.New("GATEWAY_URL must not be empty")
	}
	if cfg.Gateway.Timeout <= 0 {
		return cfg, errors.New("GATEWAY_TIMEOUT must be > 0")
	}
	switch cfg.Bot.NotifyPolicy {
	case "home-server", "member":
	default:
		return cfg, errors.New("NOTIFY_POLICY must be one of: home-server, member")
	}
	if cfg.Bot.RetryAttempts < 1 {
		return cfg, errors.New("RETRY_ATTEMPTS must be >= 1")
	}
	if cfg.Bot.RetryBackoff < 0 {
		return cfg, errors.New("RETRY_BACKOFF must be >= 0")
	}
	if strings.TrimSpace(cfg.Bot.SubscribeEmoji) == "" {
		return cfg, errors.New("SUBSCRIBE_EMOJI must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.DeliveryTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// source resolves a key from the environment first, then from the TOML file.
type source struct {
	file map[string]string
}

// newSource decodes the TOML file at path into upper-case keys. Nested tables
// join with "_", so [gateway] url = "..." supplies GATEWAY_URL.
func newSource(path string) (source, error) {
	s := source{file: map[string]string{}}
	if strings.TrimSpace(path) == "" {
		return s, nil
	}
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return s, fmt.Errorf("config file %s: %w", path, err)
	}
	flatten("", raw, s.file)
	return s, nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ToUpper(k)
		if prefix != "" {
			name = prefix + "_" + name
		}
		switch v := in[k].(type) {
		case map[string]any:
			flatten(name, v, out)
		case []any:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
			out[name] = strings.Join(parts, ",")
		default:
			out[name] = fmt.Sprint(v)
		}
	}
}

// raw returns the value untrimmed, so prefixes may end in a space.
func (s source) raw(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	if v, ok := s.file[k]; ok && v != "" {
		return v
	}
	return def
}

func (s source) str(k, def string) string {
	return strings.TrimSpace(s.raw(k, def))
}

func (s source) float(k string, def float64) float64 {
	if f, err := strconv.ParseFloat(s.str(k, ""), 64); err == nil {
		return f
	}
	return def
}

func (s source) int(k string, def int) int {
	if i, err := strconv.Atoi(s.str(k, "")); err == nil {
		return i
	}
	return def
}

func (s source) bool(k string, def bool) bool {
	switch strings.ToLower(s.str(k, "")) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}

func (s source) dur(k string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s.str(k, "")); err == nil {
		return d
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
