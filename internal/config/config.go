// Package config loads per-process configuration from the environment.
//
// Every value resolves in the same order: the environment variable itself,
// then a file named by <NAME>_FILE, then the conventional secret mount at
// /run/secrets/<lowercase name>. Validation problems are aggregated so a
// misconfigured process reports everything wrong in one pass instead of
// failing one variable at a time.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// secretsDir is the conventional Docker/Kubernetes secret mount point.
// Overridable in tests.
var secretsDir = "/run/secrets"

// API configures the HTTP front-end process.
type API struct {
	Host string
	Port int

	DatabaseURL   string
	EncryptionKey string
	JWTSecret     string

	QueryPolicyFile string
	CORSOrigins     []string

	RedisURL string
	CacheTTL time.Duration // zero disables the result cache

	RateLimitRPS   int // zero disables per-IP throttling
	RateLimitBurst int

	OTLPEndpoint string
	AppEnv       string
	LogLevel     slog.Level
}

// Scheduler configures the cron scheduler process.
type Scheduler struct {
	SchedulerID  string
	DatabaseURL  string
	PollInterval time.Duration

	OTLPEndpoint string
	AppEnv       string
	LogLevel     slog.Level
}

// Runner configures a runner pool process.
type Runner struct {
	RunnerID     string
	DatabaseURL  string
	PollInterval time.Duration

	EncryptionKey string

	MaxConcurrentRuns int
	OrgLimit          int
	GlobalLimit       int

	ReaperInterval time.Duration

	OTLPEndpoint string
	AppEnv       string
	LogLevel     slog.Level
}

// LoadAPI reads and validates the API process configuration.
func LoadAPI() (*API, error) {
	l := &loader{}
	cfg := &API{
		Host:            l.str("API_HOST", "0.0.0.0"),
		Port:            l.num("API_PORT", 8080),
		DatabaseURL:     l.required("DATABASE_URL"),
		EncryptionKey:   l.required("ENCRYPTION_KEY"),
		JWTSecret:       l.required("JWT_SECRET"),
		QueryPolicyFile: l.str("QUERY_POLICY_FILE", ""),
		RateLimitRPS:    l.num("RATE_LIMIT_RPS", 50),
		RateLimitBurst:  l.num("RATE_LIMIT_BURST", 100),
		OTLPEndpoint:    l.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		AppEnv:          l.str("APP_ENV", "development"),
		LogLevel:        l.level("LOG_LEVEL"),
	}
	if origins := l.str("CORS_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}
	if l.boolean("CACHE_ENABLED", false) {
		cfg.RedisURL = l.required("REDIS_URL")
		cfg.CacheTTL = time.Duration(l.num("CACHE_DEFAULT_TTL_SECONDS", 300)) * time.Second
	}
	l.checkDatabaseURL(cfg.DatabaseURL)
	l.checkPort(cfg.Port)
	return cfg, l.err()
}

// LoadScheduler reads and validates the scheduler process configuration.
func LoadScheduler() (*Scheduler, error) {
	l := &loader{}
	cfg := &Scheduler{
		SchedulerID:  l.str("SCHEDULER_ID", defaultInstanceID()),
		DatabaseURL:  l.required("DATABASE_URL"),
		PollInterval: time.Duration(l.num("SCHEDULER_POLL_INTERVAL_SECONDS", 10)) * time.Second,
		OTLPEndpoint: l.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		AppEnv:       l.str("APP_ENV", "development"),
		LogLevel:     l.level("LOG_LEVEL"),
	}
	if cfg.PollInterval <= 0 {
		l.errs = append(l.errs, "SCHEDULER_POLL_INTERVAL_SECONDS: must be positive")
	}
	l.checkDatabaseURL(cfg.DatabaseURL)
	return cfg, l.err()
}

// LoadRunner reads and validates the runner process configuration.
func LoadRunner() (*Runner, error) {
	l := &loader{}
	cfg := &Runner{
		RunnerID:          l.str("RUNNER_ID", defaultInstanceID()),
		DatabaseURL:       l.required("DATABASE_URL"),
		PollInterval:      time.Duration(l.num("RUNNER_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		EncryptionKey:     l.required("ENCRYPTION_KEY"),
		MaxConcurrentRuns: l.num("MAX_CONCURRENT_RUNS", 4),
		OrgLimit:          l.num("MAX_CONCURRENT_QUERIES_PER_ORG", 10),
		GlobalLimit:       l.num("MAX_CONCURRENT_QUERIES_GLOBAL", 100),
		ReaperInterval:    time.Duration(l.num("REAPER_INTERVAL_SECONDS", 60)) * time.Second,
		OTLPEndpoint:      l.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		AppEnv:            l.str("APP_ENV", "development"),
		LogLevel:          l.level("LOG_LEVEL"),
	}
	if cfg.PollInterval <= 0 {
		l.errs = append(l.errs, "RUNNER_POLL_INTERVAL_MS: must be positive")
	}
	if cfg.MaxConcurrentRuns < 1 {
		l.errs = append(l.errs, "MAX_CONCURRENT_RUNS: must be at least 1")
	}
	if cfg.OrgLimit < 1 || cfg.GlobalLimit < 1 {
		l.errs = append(l.errs, "concurrency limits must be at least 1")
	}
	l.checkDatabaseURL(cfg.DatabaseURL)
	return cfg, l.err()
}

// ParseLevel maps a LOG_LEVEL string to a slog level. Unknown values fall
// back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Lookup resolves one configuration value by precedence: env var, then the
// file named by <NAME>_FILE, then /run/secrets/<lowercase name>. The second
// return reports whether any source produced a value.
func Lookup(name string) (string, bool) {
	v, ok, _ := lookupChecked(name)
	return v, ok
}

func lookupChecked(name string) (value string, ok bool, readErr error) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v, true, nil
	}
	if path, ok := os.LookupEnv(name + "_FILE"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", false, fmt.Errorf("%s_FILE=%s: %w", name, path, err)
		}
		return strings.TrimSpace(string(data)), true, nil
	}
	if data, err := os.ReadFile(secretsDir + "/" + strings.ToLower(name)); err == nil {
		return strings.TrimSpace(string(data)), true, nil
	}
	return "", false, nil
}

// loader accumulates validation problems across all lookups so callers see
// one combined report.
type loader struct {
	errs []string
}

func (l *loader) get(name string) (string, bool) {
	v, ok, err := lookupChecked(name)
	if err != nil {
		l.errs = append(l.errs, err.Error())
	}
	return v, ok
}

func (l *loader) str(name, def string) string {
	if v, ok := l.get(name); ok {
		return v
	}
	return def
}

func (l *loader) required(name string) string {
	v, ok := l.get(name)
	if !ok {
		l.errs = append(l.errs, name+": required")
	}
	return v
}

func (l *loader) num(name string, def int) int {
	v, ok := l.get(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s=%q: must be an integer", name, v))
		return def
	}
	return n
}

func (l *loader) boolean(name string, def bool) bool {
	v, ok := l.get(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s=%q: must be a boolean", name, v))
		return def
	}
	return b
}

func (l *loader) level(name string) slog.Level {
	v, ok := l.get(name)
	if !ok {
		return slog.LevelInfo
	}
	return ParseLevel(v)
}

func (l *loader) checkDatabaseURL(raw string) {
	if raw == "" {
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("DATABASE_URL: invalid URL (%v)", err))
		return
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		l.errs = append(l.errs, fmt.Sprintf("DATABASE_URL: unsupported scheme %q", u.Scheme))
	}
}

func (l *loader) checkPort(port int) {
	if port < 1 || port > 65535 {
		l.errs = append(l.errs, fmt.Sprintf("API_PORT=%d: out of range", port))
	}
}

func (l *loader) err() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(l.errs, "\n  - "))
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
