// Package config provides configuration helpers for go-live commands.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/teslashibe/go-live/pkg/protocol"
)

// Defaults used when the environment does not override them.
const (
	DefaultProxyURL      = "ws://localhost:8080/ws"
	DefaultLocation      = "us-central1"
	DefaultModel         = "gemini-live-2.5-flash-native-audio"
	DefaultPort          = 8080
	DefaultReconnectBase = time.Second
	DefaultReconnectMax  = 30 * time.Second
	DefaultKafkaTopic    = "live.transcripts"
	DefaultSetupTimeout  = 15 * time.Second
)

// Config is the environment-derived configuration shared by the binaries.
type Config struct {
	ProxyURL  string
	ProjectID string
	Location  string
	Model     string
	LogLevel  string
	Port      int

	SetupTimeout      time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int // 0 = retry forever

	ArchiveBucket string
	KafkaBrokers  []string
	KafkaTopic    string
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		ProxyURL:      String("LIVE_PROXY_URL", DefaultProxyURL),
		ProjectID:     String("LIVE_PROJECT_ID", ""),
		Location:      String("LIVE_LOCATION", DefaultLocation),
		Model:         String("LIVE_MODEL", DefaultModel),
		LogLevel:      String("LOG_LEVEL", "info"),
		ArchiveBucket: String("LIVE_ARCHIVE_BUCKET", ""),
		KafkaBrokers:  List("LIVE_KAFKA_BROKERS"),
		KafkaTopic:    String("LIVE_KAFKA_TOPIC", DefaultKafkaTopic),
	}

	var err error
	if cfg.Port, err = Int("PORT", DefaultPort); err != nil {
		return cfg, err
	}
	if cfg.SetupTimeout, err = Duration("LIVE_SETUP_TIMEOUT", DefaultSetupTimeout); err != nil {
		return cfg, err
	}
	if cfg.ReconnectBase, err = Duration("LIVE_RECONNECT_BASE", DefaultReconnectBase); err != nil {
		return cfg, err
	}
	if cfg.ReconnectMax, err = Duration("LIVE_RECONNECT_MAX", DefaultReconnectMax); err != nil {
		return cfg, err
	}
	if cfg.ReconnectAttempts, err = Int("LIVE_RECONNECT_ATTEMPTS", 0); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.ProxyURL == "" {
		return fmt.Errorf("config: LIVE_PROXY_URL is required")
	}
	if !strings.HasPrefix(c.ProxyURL, "ws://") && !strings.HasPrefix(c.ProxyURL, "wss://") {
		return fmt.Errorf("config: proxy URL must use ws:// or wss://, got %q", c.ProxyURL)
	}
	if c.ReconnectBase <= 0 {
		return fmt.Errorf("config: reconnect base must be positive")
	}
	if c.ReconnectMax < c.ReconnectBase {
		return fmt.Errorf("config: reconnect max (%v) below base (%v)", c.ReconnectMax, c.ReconnectBase)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("config: reconnect attempts must be >= 0")
	}
	return nil
}

// UpstreamURL returns the Vertex AI Live endpoint for the configured location.
func (c Config) UpstreamURL() string {
	return protocol.ServiceURL(c.Location)
}

// String returns the env var value or the default.
func String(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Int returns the env var parsed as an int or the default.
func Int(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

// Duration returns the env var parsed as a duration or the default.
// Bare integers are read as milliseconds.
func Duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

// List returns a comma separated env var as a slice, skipping blanks.
func List(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
