// Package config loads the voxa server configuration.
//
// The configuration is read from the VX_CONFIG environment variable when it
// holds inline JSON, otherwise from a JSON file which is created with the
// defaults when missing. VX_ADDR, VX_LOG_LEVEL and VX_SERVER_KEY override
// the loaded values.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultPath is the config file used when none is given.
const DefaultPath = "config.json"

// Auth modes.
const (
	AuthHTTP   = "http"
	AuthJWT    = "jwt"
	AuthStatic = "static"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Duration is a time.Duration encoded as a Go duration string ("54s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Plain numbers are nanoseconds.
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"10s\": %s", b)
		}
		*d = Duration(n)
		return nil
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Auth selects and configures the authenticator.
type Auth struct {
	Mode string `json:"mode"`
	// URL of the HTTP auth service.
	URL string `json:"url,omitempty"`
	// Secret used to verify HMAC signed JWTs.
	Secret string `json:"secret,omitempty"`
	// Tokens maps token to user id in static mode.
	Tokens map[string]string `json:"tokens,omitempty"`
}

// Store selects the message store.
type Store struct {
	Driver    string `json:"driver"`
	RedisAddr string `json:"redis_addr,omitempty"`
	RedisKey  string `json:"redis_key,omitempty"`
}

// RateLimit mirrors websocket.RateLimitConfig.
type RateLimit struct {
	MessagesPerSecond float64 `json:"messages_per_second"`
	Burst             int     `json:"burst"`
	Enabled           bool    `json:"enabled"`
}

// Config is the full server configuration.
type Config struct {
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	Addr      string `json:"addr"`
	AdminAddr string `json:"admin_addr,omitempty"`
	PluginDir string `json:"plugin_dir"`
	ServerKey string `json:"server_key,omitempty"`
	LogLevel  string `json:"log_level"`

	Auth      Auth      `json:"auth"`
	Store     Store     `json:"store"`
	RateLimit RateLimit `json:"rate_limit"`

	ReadTimeout    Duration `json:"read_timeout,omitempty"`
	WriteTimeout   Duration `json:"write_timeout,omitempty"`
	PingInterval   Duration `json:"ping_interval"`
	MaxMessageSize int64    `json:"max_message_size"`
}

// Default returns the configuration written to a fresh config file.
func Default() *Config {
	return &Config{
		Name:      "voxa",
		Addr:      ":7080",
		PluginDir: "plugins",
		LogLevel:  "info",
		Auth:      Auth{Mode: AuthHTTP, URL: "http://localhost:8080/auth"},
		Store:     Store{Driver: StoreMemory},
		RateLimit: RateLimit{
			MessagesPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		PingInterval:   Duration(54 * time.Second),
		MaxMessageSize: 10 * 1024 * 1024,
	}
}

// Load resolves the configuration. An empty path means DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	var (
		cfg *Config
		err error
	)
	if inline := strings.TrimSpace(os.Getenv("VX_CONFIG")); inline != "" {
		cfg, err = Parse([]byte(inline))
		if err != nil {
			return nil, fmt.Errorf("VX_CONFIG: %w", err)
		}
	} else {
		cfg, err = readFile(path)
		if err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes JSON on top of the defaults. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := write(path, cfg); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func write(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("VX_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("VX_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("VX_SERVER_KEY"); v != "" {
		c.ServerKey = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	switch c.Auth.Mode {
	case AuthHTTP:
		if c.Auth.URL == "" {
			return errors.New("auth.url is required in http mode")
		}
	case AuthJWT:
		if c.Auth.Secret == "" {
			return errors.New("auth.secret is required in jwt mode")
		}
	case AuthStatic:
		if len(c.Auth.Tokens) == 0 {
			return errors.New("auth.tokens is required in static mode")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.Auth.Mode)
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.RateLimit.Enabled && (c.RateLimit.MessagesPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return errors.New("rate_limit needs positive messages_per_second and burst when enabled")
	}
	if c.MaxMessageSize < 0 {
		return errors.New("max_message_size must not be negative")
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.PingInterval < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}
