package config

import (
	"os"
	"strings"
	"time"
)

const (
	defaultNATSURL       = "nats://localhost:4222"
	defaultRedisURL      = "redis://localhost:6379"
	defaultHTTPAddr      = ":8081"
	defaultMetricsAddr   = ":9090"
	defaultLimitsPath    = "config/limits.yaml"
	defaultEventsSubject = "barkit.events.install"
	defaultJSAckWait     = time.Minute
	defaultJSMaxAge      = 7 * 24 * time.Hour
	envNATSURL           = "NATS_URL"
	envRedisURL          = "REDIS_URL"
	envHTTPAddr          = "BARKIT_HTTP_ADDR"
	envMetricsAddr       = "BARKIT_METRICS_ADDR"
	envStagingDir        = "BARKIT_STAGING_DIR"
	envExportDir         = "BARKIT_EXPORT_DIR"
	envLimitsPath        = "BARKIT_LIMITS_PATH"
	envEventsSubject     = "BARKIT_EVENTS_SUBJECT"
	envUseJetStream      = "NATS_USE_JETSTREAM"
	envJSAckWait         = "NATS_JS_ACK_WAIT"
	envJSMaxAge          = "NATS_JS_MAX_AGE"
)

// Config holds runtime configuration for the barkit services.
type Config struct {
	NatsURL       string
	NatsTLS       TLS
	JetStream     bool
	JSAckWait     time.Duration
	JSMaxAge      time.Duration
	RedisURL      string
	RedisTLS      TLS
	HTTPAddr      string
	MetricsAddr   string
	StagingDir    string
	ExportDir     string
	LimitsPath    string
	EventsSubject string
}

// Load returns configuration using environment variables with sane defaults.
// Staging and export directories default to the OS temp dir.
func Load() *Config {
	return &Config{
		NatsURL:       envOr(envNATSURL, defaultNATSURL),
		NatsTLS:       loadTLS("NATS"),
		JetStream:     envBool(envUseJetStream),
		JSAckWait:     envDuration(envJSAckWait, defaultJSAckWait),
		JSMaxAge:      envDuration(envJSMaxAge, defaultJSMaxAge),
		RedisURL:      envOr(envRedisURL, defaultRedisURL),
		RedisTLS:      loadTLS("REDIS"),
		HTTPAddr:      envOr(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr:   envOr(envMetricsAddr, defaultMetricsAddr),
		StagingDir:    envOr(envStagingDir, os.TempDir()),
		ExportDir:     envOr(envExportDir, os.TempDir()),
		LimitsPath:    envOr(envLimitsPath, defaultLimitsPath),
		EventsSubject: envOr(envEventsSubject, defaultEventsSubject),
	}
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(envOr(key, "")); err == nil && d > 0 {
		return d
	}
	return fallback
}
