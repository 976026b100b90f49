package infra

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv              string
	Port                string
	SDBaseURL           string
	RenderCapacity      int
	PingInterval        time.Duration
	StreamPollInterval  time.Duration
	QueueOrder          string
	RandomSeedMode      bool
	DefaultOutputFormat string
	StoragePath         string
	DatabaseURL         string
	CORSAllowedOrigins  []string
	RateLimitPerMin     int
	EventBufferSize     int
	HTTPReadTimeout     time.Duration
	HTTPWriteTimeout    time.Duration
	HTTPIdleTimeout     time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:              getEnv("APP_ENV", "development"),
		Port:                getEnv("PORT", "8080"),
		SDBaseURL:           strings.TrimRight(os.Getenv("SD_BASE_URL"), "/"),
		RenderCapacity:      getEnvInt("RENDER_CAPACITY", 0),
		PingInterval:        time.Second * time.Duration(getEnvInt("PING_INTERVAL_SECONDS", 5)),
		StreamPollInterval:  time.Millisecond * time.Duration(getEnvInt("STREAM_POLL_MS", 500)),
		QueueOrder:          strings.ToLower(getEnv("QUEUE_ORDER", "fifo")),
		RandomSeedMode:      getEnvBool("RANDOM_SEED_MODE", true),
		DefaultOutputFormat: strings.ToLower(getEnv("DEFAULT_OUTPUT_FORMAT", "jpeg")),
		StoragePath:         getEnv("STORAGE_PATH", "./data"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		CORSAllowedOrigins:  splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		RateLimitPerMin:     getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		EventBufferSize:     getEnvInt("EVENT_BUFFER_SIZE", 500),
		HTTPReadTimeout:     time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:    time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 60)),
		HTTPIdleTimeout:     time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.SDBaseURL == "" {
		return nil, fmt.Errorf("SD_BASE_URL is required")
	}
	if u, err := url.Parse(cfg.SDBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("SD_BASE_URL must be an absolute url, got %q", cfg.SDBaseURL)
	}
	if cfg.QueueOrder != "fifo" && cfg.QueueOrder != "lifo" {
		return nil, fmt.Errorf("QUEUE_ORDER must be fifo or lifo, got %q", cfg.QueueOrder)
	}
	if cfg.RenderCapacity < 0 {
		return nil, fmt.Errorf("RENDER_CAPACITY must not be negative")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
