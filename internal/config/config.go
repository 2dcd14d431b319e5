// Package config provides Viper-based configuration loading for the chat server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level process settings.
type ServerConfig struct {
	// Name identifies this instance in logs.
	Name string `mapstructure:"name"`
	// ShutdownTimeout bounds how long background writes may take to finish on shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// WebSocketConfig holds WebSocket acceptor settings.
type WebSocketConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// Path is the URL path upgraded to WebSocket connections.
	Path string `mapstructure:"path"`
	// ReadTimeout is the read deadline, extended by every pong.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PingInterval is how often the server pings idle clients. Must be below ReadTimeout.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// MaxFrameBytes caps the size of a single inbound frame.
	MaxFrameBytes int64 `mapstructure:"max_frame_bytes"`
	// SendBuffer is the number of outbound frames queued per connection before drops.
	SendBuffer int `mapstructure:"send_buffer"`
	// AllowedOrigins lists accepted Origin headers; empty accepts any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// AuthConfig holds access token verification settings.
type AuthConfig struct {
	// JWTSecret is the HMAC key access tokens are signed with.
	JWTSecret string `mapstructure:"jwt_secret"`
	// Issuer, when set, must match the token's iss claim.
	Issuer string `mapstructure:"issuer"`
}

// ChatConfig holds session, buffering, and moderation tunables.
type ChatConfig struct {
	FlushInterval        time.Duration `mapstructure:"flush_interval"`
	BatchSize            int           `mapstructure:"batch_size"`
	EmergencyThreshold   int           `mapstructure:"emergency_threshold"`
	RecentCapacity       int           `mapstructure:"recent_capacity"`
	HistoryLimit         int           `mapstructure:"history_limit"`
	RateLimitRequests    int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow      time.Duration `mapstructure:"rate_limit_window"`
	InactivityThreshold  time.Duration `mapstructure:"inactivity_threshold"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval"`
	MaxMessageLength     int           `mapstructure:"max_message_length"`
	ShutdownFlushRetries int           `mapstructure:"shutdown_flush_retries"`
	BackgroundTimeout    time.Duration `mapstructure:"background_timeout"`
}

// RoomsConfig points at the optional room catalogue seeded at startup.
type RoomsConfig struct {
	CatalogPath string `mapstructure:"catalog_path"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateServer(c.Server),
		validateDatabase(c.Database),
		validateWebSocket(c.WebSocket),
		validateAuth(c.Auth),
		validateChat(c.Chat),
		validateLogging(c.Logging),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.Name == "" {
		return errors.New("server.name must not be empty")
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive, got %s", s.ShutdownTimeout)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if w.Port < 1 || w.Port > 65535 {
		errs = append(errs, fmt.Sprintf("websocket.port must be 1-65535, got %d", w.Port))
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with '/', got %q", w.Path))
	}
	if w.ReadTimeout <= 0 {
		errs = append(errs, "websocket.read_timeout must be positive")
	}
	if w.WriteTimeout <= 0 {
		errs = append(errs, "websocket.write_timeout must be positive")
	}
	if w.PingInterval <= 0 || w.PingInterval >= w.ReadTimeout {
		errs = append(errs, "websocket.ping_interval must be positive and below websocket.read_timeout")
	}
	if w.MaxFrameBytes < 1 {
		errs = append(errs, fmt.Sprintf("websocket.max_frame_bytes must be >= 1, got %d", w.MaxFrameBytes))
	}
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("websocket.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	if len(a.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 bytes")
	}
	return nil
}

func validateChat(c ChatConfig) error {
	var errs []string
	if c.FlushInterval <= 0 {
		errs = append(errs, "chat.flush_interval must be positive")
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("chat.batch_size must be >= 1, got %d", c.BatchSize))
	}
	if c.EmergencyThreshold < c.BatchSize {
		errs = append(errs, fmt.Sprintf("chat.emergency_threshold must be >= chat.batch_size, got %d", c.EmergencyThreshold))
	}
	if c.RecentCapacity < 1 {
		errs = append(errs, fmt.Sprintf("chat.recent_capacity must be >= 1, got %d", c.RecentCapacity))
	}
	if c.HistoryLimit < 1 || c.HistoryLimit > c.RecentCapacity {
		errs = append(errs, fmt.Sprintf("chat.history_limit must be 1-%d, got %d", c.RecentCapacity, c.HistoryLimit))
	}
	if c.RateLimitRequests < 1 {
		errs = append(errs, fmt.Sprintf("chat.rate_limit_requests must be >= 1, got %d", c.RateLimitRequests))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, "chat.rate_limit_window must be positive")
	}
	if c.InactivityThreshold <= 0 {
		errs = append(errs, "chat.inactivity_threshold must be positive")
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, "chat.cleanup_interval must be positive")
	}
	if c.MaxMessageLength < 500 || c.MaxMessageLength > 1000 {
		errs = append(errs, fmt.Sprintf("chat.max_message_length must be 500-1000, got %d", c.MaxMessageLength))
	}
	if c.ShutdownFlushRetries < 1 {
		errs = append(errs, fmt.Sprintf("chat.shutdown_flush_retries must be >= 1, got %d", c.ShutdownFlushRetries))
	}
	if c.BackgroundTimeout <= 0 {
		errs = append(errs, "chat.background_timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with CHAT_ prefix
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a Viper instance populated only with default values.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "chatroom")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "chat")
	v.SetDefault("database.password", "chat")
	v.SetDefault("database.name", "chat")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 8080)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.ping_interval", "25s")
	v.SetDefault("websocket.max_frame_bytes", 8192)
	v.SetDefault("websocket.send_buffer", 64)

	v.SetDefault("auth.issuer", "")

	v.SetDefault("chat.flush_interval", "30s")
	v.SetDefault("chat.batch_size", 100)
	v.SetDefault("chat.emergency_threshold", 1000)
	v.SetDefault("chat.recent_capacity", 100)
	v.SetDefault("chat.history_limit", 50)
	v.SetDefault("chat.rate_limit_requests", 30)
	v.SetDefault("chat.rate_limit_window", "60s")
	v.SetDefault("chat.inactivity_threshold", "300s")
	v.SetDefault("chat.cleanup_interval", "60s")
	v.SetDefault("chat.max_message_length", 500)
	v.SetDefault("chat.shutdown_flush_retries", 5)
	v.SetDefault("chat.background_timeout", "5s")

	v.SetDefault("rooms.catalog_path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
