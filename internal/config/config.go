// Package config handles canvas-watch configuration: defaults, an optional
// YAML file, then environment variables, each overriding the last.
package config

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/GriffinCanCode/canvas-watch/internal/errors"
)

// Grid sides accepted for fingerprinting.
const (
	MinGridSize = 4
	MaxGridSize = 256
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	BrowserURL      string `yaml:"browser_url"` // connect to a running Chrome instead of launching
	BrowserHeadless bool   `yaml:"browser_headless"`
	BrowserStealth  bool   `yaml:"browser_stealth"`
	PageURL         string `yaml:"page_url"`
	CanvasSelector  string `yaml:"canvas_selector"`

	Threshold     int           `yaml:"threshold_bits"`
	GridSize      int           `yaml:"grid_size"`
	TargetContext string        `yaml:"target_context"`
	SettleDelay   time.Duration `yaml:"settle_delay"`
	HashFallback  bool          `yaml:"hash_fallback"`

	AutoDeliver        bool          `yaml:"auto_deliver"`
	DeliverDir         string        `yaml:"deliver_dir"`
	WebhookURL         string        `yaml:"webhook_url"`
	DeliveryBatch      int           `yaml:"delivery_batch"`
	DeliveryFlushDelay time.Duration `yaml:"delivery_flush_delay"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:           ":8000",
		LogLevel:           "info",
		BrowserHeadless:    true,
		BrowserStealth:     true,
		CanvasSelector:     "canvas",
		Threshold:          40,
		GridSize:           32,
		TargetContext:      "viewport",
		SettleDelay:        100 * time.Millisecond,
		HashFallback:       true,
		DeliverDir:         "frames",
		DeliveryBatch:      8,
		DeliveryFlushDelay: 500 * time.Millisecond,
	}
}

// Load returns defaults overridden by the environment.
func Load() *Config {
	return fromEnv(Default())
}

// LoadFile reads a YAML file over the defaults, then applies the environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "read config file").WithMetadata("path", path)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "parse config file").WithMetadata("path", path)
	}
	return fromEnv(cfg), nil
}

func fromEnv(c *Config) *Config {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.BrowserURL = getEnv("BROWSER_URL", c.BrowserURL)
	c.BrowserHeadless = getEnvBool("BROWSER_HEADLESS", c.BrowserHeadless)
	c.BrowserStealth = getEnvBool("BROWSER_STEALTH", c.BrowserStealth)
	c.PageURL = getEnv("PAGE_URL", c.PageURL)
	c.CanvasSelector = getEnv("CANVAS_SELECTOR", c.CanvasSelector)
	c.Threshold = getEnvInt("THRESHOLD_BITS", c.Threshold)
	c.GridSize = getEnvInt("GRID_SIZE", c.GridSize)
	c.TargetContext = getEnv("TARGET_CONTEXT", c.TargetContext)
	c.SettleDelay = getEnvDuration("SETTLE_DELAY", c.SettleDelay)
	c.HashFallback = getEnvBool("HASH_FALLBACK", c.HashFallback)
	c.AutoDeliver = getEnvBool("AUTO_DELIVER", c.AutoDeliver)
	c.DeliverDir = getEnv("DELIVER_DIR", c.DeliverDir)
	c.WebhookURL = getEnv("WEBHOOK_URL", c.WebhookURL)
	c.DeliveryBatch = getEnvInt("DELIVERY_BATCH", c.DeliveryBatch)
	c.DeliveryFlushDelay = getEnvDuration("DELIVERY_FLUSH_DELAY", c.DeliveryFlushDelay)
	return c
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	invalid := func(field, format string, args ...any) error {
		return apperrors.Newf(apperrors.CodeConfigInvalid, format, args...).WithMetadata("field", field)
	}

	if err := ValidateDetection(c.GridSize, c.Threshold); err != nil {
		return err
	}
	switch {
	case c.SettleDelay < 0:
		return invalid("settle_delay", "settle delay %s is negative", c.SettleDelay)
	case c.DeliveryBatch < 1:
		return invalid("delivery_batch", "delivery batch %d must be positive", c.DeliveryBatch)
	case c.AutoDeliver && c.DeliverDir == "" && c.WebhookURL == "":
		return invalid("auto_deliver", "auto delivery needs deliver_dir or webhook_url")
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		return invalid("log_level", "unknown log level %q", c.LogLevel)
	}
	for field, raw := range map[string]string{"webhook_url": c.WebhookURL, "browser_url": c.BrowserURL, "page_url": c.PageURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || (u.Host == "" && u.Scheme != "file" && u.Scheme != "about") {
			return invalid(field, "%s %q is not an absolute URL", field, raw)
		}
	}
	return nil
}

// ValidateDetection checks a grid side and a threshold in bits. Sessions
// started over the API apply it to their overrides too.
func ValidateDetection(grid, threshold int) error {
	switch {
	case grid < MinGridSize || grid > MaxGridSize:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "grid size %d outside %d..%d", grid, MinGridSize, MaxGridSize).
			WithMetadata("field", "grid_size")
	case threshold < 1 || threshold > grid*grid:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "threshold %d outside 1..%d", threshold, grid*grid).
			WithMetadata("field", "threshold_bits")
	}
	return nil
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

// getEnvDuration accepts Go durations ("250ms") or plain milliseconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
