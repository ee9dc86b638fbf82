// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, storage paths, quota limits, media-group
// batching windows, worker retry policy, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RedisConfig defines the connection settings for the work-queue broker.
type RedisConfig struct {
	Addr     string // REDIS_ADDR, host:port
	Password string // REDIS_PASSWORD
	DB       int    // REDIS_DB
}

// S3Config defines the object-storage settings for payload references.
// Endpoint is optional and supports S3-compatible stores (e.g. MinIO).
type S3Config struct {
	Region       string        // S3_REGION
	Bucket       string        // S3_BUCKET
	Endpoint     string        // S3_ENDPOINT ("" for AWS)
	AccessKey    string        // S3_ACCESS_KEY ("" to use default chain)
	SecretKey    string        // S3_SECRET_KEY
	UsePathStyle bool          // S3_PATH_STYLE (true for MinIO)
	PresignTTL   time.Duration // S3_PRESIGN_TTL
}

// QuotaConfig holds the per-tier daily admission limits.
type QuotaConfig struct {
	FreeDaily    int // QUOTA_FREE_DAILY
	PremiumDaily int // QUOTA_PREMIUM_DAILY
}

// GroupConfig tunes the media-group aggregator. The idle window is how long
// a group waits after its latest arrival before flushing; the hard cap bounds
// total buffering time per group regardless of arrivals; MaxBatch flushes a
// group early once it holds that many items.
type GroupConfig struct {
	IdleWindow time.Duration // GROUP_IDLE_WINDOW
	HardCap    time.Duration // GROUP_HARD_CAP
	MaxBatch   int           // GROUP_MAX_BATCH
}

// RetryConfig tunes the worker-failure retry policy: transient failures are
// retried with exponential backoff until MaxAttempts is exhausted.
type RetryConfig struct {
	MaxAttempts int           // RETRY_MAX_ATTEMPTS (total attempts, >= 1)
	BackoffBase time.Duration // RETRY_BACKOFF_BASE
	BackoffMax  time.Duration // RETRY_BACKOFF_MAX
	Multiplier  float64       // RETRY_BACKOFF_MULTIPLIER
}

// RecoveryConfig tunes the restart/orphan sweep over non-terminal jobs.
type RecoveryConfig struct {
	Staleness time.Duration // RECOVERY_STALENESS
	Interval  time.Duration // RECOVERY_INTERVAL
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string

	// App
	DBPath          string // SQLite path
	QueueName       string // redis list holding ready work units
	DelayedSetName  string // redis zset holding delayed work units
	MaxPayloadBytes int64  // inbound item declared-size cap

	// Rate limiting (HTTP edge, not the quota ledger)
	RateRPS   float64
	RateBurst int

	// Transport notifier
	TransportWebhookURL string // "" means log-only notifier

	// Domain tunables
	Quota    QuotaConfig
	Group    GroupConfig
	Retry    RetryConfig
	Recovery RecoveryConfig

	// Infrastructure
	Redis RedisConfig
	S3    S3Config

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

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

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:          getenv("DB_PATH", "orchestrator.db"),
		QueueName:       getenv("QUEUE_NAME", "imgproc:work"),
		DelayedSetName:  getenv("QUEUE_DELAYED_NAME", "imgproc:work:delayed"),
		MaxPayloadBytes: getint64("MAX_PAYLOAD_BYTES", 20<<20),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Transport notifier
		TransportWebhookURL: getenv("TRANSPORT_WEBHOOK_URL", ""),

		// Domain tunables
		Quota: QuotaConfig{
			FreeDaily:    getint("QUOTA_FREE_DAILY", 10),
			PremiumDaily: getint("QUOTA_PREMIUM_DAILY", 1000),
		},
		Group: GroupConfig{
			IdleWindow: getdur("GROUP_IDLE_WINDOW", 1500*time.Millisecond),
			HardCap:    getdur("GROUP_HARD_CAP", 30*time.Second),
			MaxBatch:   getint("GROUP_MAX_BATCH", 10),
		},
		Retry: RetryConfig{
			MaxAttempts: getint("RETRY_MAX_ATTEMPTS", 3),
			BackoffBase: getdur("RETRY_BACKOFF_BASE", 2*time.Second),
			BackoffMax:  getdur("RETRY_BACKOFF_MAX", 60*time.Second),
			Multiplier:  getfloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
		},
		Recovery: RecoveryConfig{
			Staleness: getdur("RECOVERY_STALENESS", 10*time.Minute),
			Interval:  getdur("RECOVERY_INTERVAL", time.Minute),
		},

		// Infrastructure
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", ""), // empty selects the in-process queue
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},
		S3: S3Config{
			Region:       getenv("S3_REGION", "us-east-1"),
			Bucket:       getenv("S3_BUCKET", "image-bot-storage"),
			Endpoint:     getenv("S3_ENDPOINT", ""),
			AccessKey:    getenv("S3_ACCESS_KEY", ""),
			SecretKey:    getenv("S3_SECRET_KEY", ""),
			UsePathStyle: getbool("S3_PATH_STYLE", false),
			PresignTTL:   getdur("S3_PRESIGN_TTL", time.Hour),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "image-orchestrator"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
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
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.QueueName) == "" || strings.TrimSpace(cfg.DelayedSetName) == "" {
		return cfg, errors.New("QUEUE_NAME and QUEUE_DELAYED_NAME must not be empty")
	}
	if cfg.QueueName == cfg.DelayedSetName {
		return cfg, errors.New("QUEUE_NAME and QUEUE_DELAYED_NAME must differ")
	}
	if cfg.MaxPayloadBytes <= 0 {
		return cfg, errors.New("MAX_PAYLOAD_BYTES must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Quota.FreeDaily < 1 || cfg.Quota.PremiumDaily < 1 {
		return cfg, errors.New("quota limits must be >= 1")
	}
	if cfg.Group.IdleWindow <= 0 || cfg.Group.HardCap <= 0 {
		return cfg, errors.New("group windows must be positive durations")
	}
	if cfg.Group.HardCap < cfg.Group.IdleWindow {
		return cfg, errors.New("GROUP_HARD_CAP must be >= GROUP_IDLE_WINDOW")
	}
	if cfg.Group.MaxBatch < 1 {
		return cfg, errors.New("GROUP_MAX_BATCH must be >= 1")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return cfg, errors.New("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Retry.BackoffBase <= 0 || cfg.Retry.BackoffMax < cfg.Retry.BackoffBase {
		return cfg, errors.New("retry backoff durations are inconsistent")
	}
	if cfg.Retry.Multiplier < 1 {
		return cfg, errors.New("RETRY_BACKOFF_MULTIPLIER must be >= 1")
	}
	if cfg.Recovery.Staleness <= 0 || cfg.Recovery.Interval <= 0 {
		return cfg, errors.New("recovery durations must be positive")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
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
