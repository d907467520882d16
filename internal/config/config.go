// Package config loads the gateway configuration from a JSON5 file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

const (
	DefaultPort            = 3002
	DefaultInitConcurrency = 4
	DefaultRedisChannel    = "wagate:events"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Data      DataConfig      `json:"data"`
	Startup   StartupConfig   `json:"startup"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Media     MediaConfig     `json:"media"`
	Events    EventsConfig    `json:"events"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Tailscale TailscaleConfig `json:"tailscale"`
	Log       LogConfig       `json:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Token          string `json:"token,omitempty"` // empty disables authentication
	RateLimitRPM   int    `json:"rate_limit_rpm"`  // per client IP; 0 disables
	RateLimitBurst int    `json:"rate_limit_burst"`
}

// DataConfig locates persisted state. Relative paths resolve against Dir.
type DataConfig struct {
	Dir      string `json:"dir"`
	Catalog  string `json:"catalog"`
	Sessions string `json:"sessions"`
}

type StartupConfig struct {
	InitConcurrency int    `json:"init_concurrency"`
	ConnectTimeout  string `json:"connect_timeout"`
}

type WhatsAppConfig struct {
	DeviceName string `json:"device_name"`
	LogLevel   string `json:"log_level"`
}

type MediaConfig struct {
	MaxMB     int    `json:"max_mb"`
	CacheSize int    `json:"cache_size"`
	CacheTTL  string `json:"cache_ttl"`
}

// EventsConfig configures optional fan-out of instance events.
type EventsConfig struct {
	RedisURL     string `json:"redis_url,omitempty"`
	RedisChannel string `json:"redis_channel"`
}

// TelemetryConfig configures OTLP trace export (binaries built with -tags otel).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the tailnet listener (binaries built with -tags tsnet).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	AuthKey   string `json:"auth_key,omitempty"`
	Ephemeral bool   `json:"ephemeral"`
	StateDir  string `json:"state_dir,omitempty"`
	EnableTLS bool   `json:"enable_tls"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "text" or "json"
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           DefaultPort,
			RateLimitBurst: 20,
		},
		Data: DataConfig{
			Dir:      "~/.wagate/data",
			Catalog:  "instances.json",
			Sessions: "sessions",
		},
		Startup: StartupConfig{
			InitConcurrency: DefaultInitConcurrency,
			ConnectTimeout:  "30s",
		},
		WhatsApp: WhatsAppConfig{
			DeviceName: "wagate",
			LogLevel:   "warn",
		},
		Media: MediaConfig{
			MaxMB:     16,
			CacheSize: 64,
			CacheTTL:  "10m",
		},
		Events: EventsConfig{
			RedisChannel: DefaultRedisChannel,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "wagate",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ResolvePath returns WAGATE_CONFIG or ~/.wagate/config.json.
func ResolvePath() string {
	if p := os.Getenv("WAGATE_CONFIG"); p != "" {
		return p
	}
	return ExpandHome("~/.wagate/config.json")
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("WAGATE_API_TOKEN", &c.Server.Token)
	envStr("WAGATE_HOST", &c.Server.Host)
	envStr("WAGATE_DATA_DIR", &c.Data.Dir)
	envStr("WAGATE_REDIS_URL", &c.Events.RedisURL)
	envStr("WAGATE_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("WAGATE_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("WAGATE_LOG_LEVEL", &c.Log.Level)

	if v := os.Getenv("WAGATE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WAGATE_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate checks value ranges and formats.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimitRPM < 0 {
		errs = append(errs, errors.New("server.rate_limit_rpm must not be negative"))
	}
	if c.Startup.InitConcurrency < 1 {
		errs = append(errs, errors.New("startup.init_concurrency must be at least 1"))
	}
	if c.Media.MaxMB < 1 {
		errs = append(errs, errors.New("media.max_mb must be at least 1"))
	}
	if _, err := parseDuration(c.Startup.ConnectTimeout); err != nil {
		errs = append(errs, fmt.Errorf("startup.connect_timeout: %w", err))
	}
	if _, err := parseDuration(c.Media.CacheTTL); err != nil {
		errs = append(errs, fmt.Errorf("media.cache_ttl: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	switch strings.ToLower(c.Telemetry.Protocol) {
	case "", "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("telemetry.protocol %q must be grpc or http", c.Telemetry.Protocol))
	}
	return errors.Join(errs...)
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string {
	return ExpandHome(c.Data.Dir)
}

// CatalogPath returns the instance catalog file.
func (c *Config) CatalogPath() string {
	return c.resolve(c.Data.Catalog)
}

// SessionsDir returns the root of the per-instance credential directories.
func (c *Config) SessionsDir() string {
	return c.resolve(c.Data.Sessions)
}

func (c *Config) resolve(p string) string {
	p = ExpandHome(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir(), p)
}

// ConnectTimeout bounds each session dial.
func (c *Config) ConnectTimeout() time.Duration {
	d, _ := parseDuration(c.Startup.ConnectTimeout)
	return d
}

// MediaMaxBytes is the download cap for media messages.
func (c *Config) MediaMaxBytes() int64 {
	return int64(c.Media.MaxMB) << 20
}

// MediaCacheTTL is how long downloaded media stays cached.
func (c *Config) MediaCacheTTL() time.Duration {
	d, _ := parseDuration(c.Media.CacheTTL)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
