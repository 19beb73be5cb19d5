// Package config loads skeinstream configuration: built-in defaults, an
// optional YAML file, then environment overrides, validated before use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/skeinworks/skein-stream/pkg/stream"
)

// DefaultPath is where Load looks when no --config path is given. A missing
// file at the default path is fine; a missing explicit path is an error.
const DefaultPath = "skeinstream.yaml"

// ErrInvalidConfig indicates a configuration value failed validation.
// Validation errors wrap it and name the offending field.
var ErrInvalidConfig = errors.New("invalid configuration")

// ServerConfig locates the studio backend.
type ServerConfig struct {
	URL string `yaml:"url"`
}

// StreamConfig tunes the stream client. Durations are YAML strings ("3s",
// "500ms") parsed during validation.
type StreamConfig struct {
	ReconnectDelay       string `yaml:"reconnect_delay"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	DialTimeout          string `yaml:"dial_timeout"`
	WriteTimeout         string `yaml:"write_timeout"`

	reconnectDelay time.Duration
	dialTimeout    time.Duration
	writeTimeout   time.Duration
}

// LogConfig controls CLI logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Config is the full skeinstream configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Stream StreamConfig `yaml:"stream"`
	Log    LogConfig    `yaml:"log"`

	// SessionID comes from SKEIN_SESSION_ID or the --session flag, never
	// from the file: session ids are per-run, not per-machine.
	SessionID string `yaml:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{URL: "http://localhost:8214"},
		Stream: StreamConfig{
			ReconnectDelay:       "3s",
			MaxReconnectAttempts: 5,
			DialTimeout:          "10s",
			WriteTimeout:         "10s",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// DefaultPath when path is empty), then environment overrides, validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var file Config
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
		if err := mergo.Merge(cfg, &file, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// Defaults only.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment override variables.
const (
	EnvServerURL            = "SKEIN_SERVER_URL"
	EnvSessionID            = "SKEIN_SESSION_ID"
	EnvReconnectDelay       = "SKEIN_RECONNECT_DELAY"
	EnvMaxReconnectAttempts = "SKEIN_MAX_RECONNECT_ATTEMPTS"
	EnvLogLevel             = "SKEIN_LOG_LEVEL"
	EnvLogFormat            = "SKEIN_LOG_FORMAT"
)

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvServerURL); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv(EnvSessionID); v != "" {
		c.SessionID = v
	}
	if v := os.Getenv(EnvReconnectDelay); v != "" {
		c.Stream.ReconnectDelay = v
	}
	if v := os.Getenv(EnvMaxReconnectAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %q is not an integer", ErrInvalidConfig, EnvMaxReconnectAttempts, v)
		}
		c.Stream.MaxReconnectAttempts = n
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Log.Format = v
	}
	return nil
}

// Validate checks every field and parses duration strings. Errors wrap
// ErrInvalidConfig and name the field.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("%w: server.url: %v", ErrInvalidConfig, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("%w: server.url: scheme must be http(s) or ws(s), got %q", ErrInvalidConfig, u.Scheme)
	}

	if c.Stream.reconnectDelay, err = parseDuration("stream.reconnect_delay", c.Stream.ReconnectDelay); err != nil {
		return err
	}
	if c.Stream.dialTimeout, err = parseDuration("stream.dial_timeout", c.Stream.DialTimeout); err != nil {
		return err
	}
	if c.Stream.writeTimeout, err = parseDuration("stream.write_timeout", c.Stream.WriteTimeout); err != nil {
		return err
	}
	if c.Stream.MaxReconnectAttempts < 1 {
		return fmt.Errorf("%w: stream.max_reconnect_attempts: must be at least 1, got %d",
			ErrInvalidConfig, c.Stream.MaxReconnectAttempts)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format: must be text or json, got %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q is not a duration", ErrInvalidConfig, field, value)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s: must be positive, got %s", ErrInvalidConfig, field, d)
	}
	return d, nil
}

// ClientConfig maps the configuration onto a stream client config for one
// session. The caller fills Logger and callbacks.
func (c *Config) ClientConfig(sessionID string) stream.Config {
	return stream.Config{
		ServerURL:            c.Server.URL,
		SessionID:            sessionID,
		MaxReconnectAttempts: c.Stream.MaxReconnectAttempts,
		ReconnectDelay:       c.Stream.reconnectDelay,
		DialTimeout:          c.Stream.dialTimeout,
		WriteTimeout:         c.Stream.writeTimeout,
	}
}

// ReconnectDelay returns the parsed reconnect delay. Valid after Validate.
func (c *Config) ReconnectDelay() time.Duration { return c.Stream.reconnectDelay }

// Logger builds the configured slog logger, writing to stderr so command
// output on stdout stays clean.
func (c *Config) Logger() (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: log.level: must be debug, info, warn, or error, got %q", ErrInvalidConfig, s)
}
