// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package config loads and stores bridge configuration.
// Values come from flags, RBRIDGE_* environment variables, the config file in
// the XDG config dir, and built-in defaults, in that order of precedence.
// Only non-secret settings are kept here; the access token goes to the OS keychain.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	bridgeerrors "rbridge/cli/internal/errors"
	"rbridge/cli/internal/xdg"
)

// Supported backend transports.
const (
	BackendGRPC  = "grpc"
	BackendRedis = "redis"
)

// EnvPrefix prefixes every environment override, e.g. RBRIDGE_BACKEND_HOST.
const EnvPrefix = "RBRIDGE"

// Config holds non-sensitive bridge settings.
type Config struct {
	Backend           string        `mapstructure:"backend"`
	BackendHost       string        `mapstructure:"backend_host"`
	BackendPort       int           `mapstructure:"backend_port"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	// PollInterval bounds how long the listener blocks before re-checking stop
	// signals and subscription changes.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	TLS          bool          `mapstructure:"tls"`
	LogLevel     string        `mapstructure:"log_level"`
	Redis        RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds settings used only by the redis backend.
type RedisConfig struct {
	DB        int    `mapstructure:"db"`
	Password  string `mapstructure:"password"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Default returns the zero-configuration settings.
func Default() Config {
	return Config{
		Backend:           BackendGRPC,
		BackendHost:       "localhost",
		BackendPort:       50051,
		ConnectionTimeout: 10 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    5 * time.Second,
		PollInterval:      time.Second,
		LogLevel:          "info",
		Redis:             RedisConfig{KeyPrefix: "rbridge"},
	}
}

// Address returns host:port of the backend.
func (c Config) Address() string {
	return net.JoinHostPort(c.BackendHost, strconv.Itoa(c.BackendPort))
}

// Validate rejects settings the bridge cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendGRPC, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendGRPC, BackendRedis))
	}
	if strings.TrimSpace(c.BackendHost) == "" {
		errs = append(errs, errors.New("backend_host is required"))
	}
	if c.BackendPort <= 0 || c.BackendPort > 65535 {
		errs = append(errs, fmt.Errorf("backend_port %d out of range", c.BackendPort))
	}
	if c.ConnectionTimeout <= 0 {
		errs = append(errs, errors.New("connection_timeout must be positive"))
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("reconnect_attempts must not be negative"))
	}
	if c.ReconnectDelay < 0 {
		errs = append(errs, errors.New("reconnect_delay must not be negative"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return bridgeerrors.Wrap(bridgeerrors.Config, "invalid configuration", err)
	}
	return nil
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("backend", d.Backend)
	v.SetDefault("backend_host", d.BackendHost)
	v.SetDefault("backend_port", d.BackendPort)
	v.SetDefault("connection_timeout", d.ConnectionTimeout)
	v.SetDefault("reconnect_attempts", d.ReconnectAttempts)
	v.SetDefault("reconnect_delay", d.ReconnectDelay)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("tls", d.TLS)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)
}

// Path returns the default config file path.
func Path() (string, error) {
	dir, err := xdg.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads configuration into v. file overrides the default path; a
// missing default file yields defaults. Flags bound to v beforehand win over
// everything else.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	explicit := file != ""
	if !explicit {
		p, err := Path()
		if err != nil {
			return Config{}, err
		}
		file = p
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || isNotExist(err)) {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Save writes configuration to the default path with 0600 permissions.
func Save(c Config) error {
	p, err := Path()
	if err != nil {
		return err
	}
	return SaveTo(c, p)
}

// SaveTo writes configuration to path with 0600 permissions.
func SaveTo(c Config, path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	v := viper.New()
	v.Set("backend", c.Backend)
	v.Set("backend_host", c.BackendHost)
	v.Set("backend_port", c.BackendPort)
	v.Set("connection_timeout", c.ConnectionTimeout.String())
	v.Set("reconnect_attempts", c.ReconnectAttempts)
	v.Set("reconnect_delay", c.ReconnectDelay.String())
	v.Set("poll_interval", c.PollInterval.String())
	v.Set("tls", c.TLS)
	v.Set("log_level", c.LogLevel)
	v.Set("redis.db", c.Redis.DB)
	v.Set("redis.key_prefix", c.Redis.KeyPrefix)
	if err := v.WriteConfigAs(path); err != nil {
		return err
	}
	return chmodPrivate(path)
}
