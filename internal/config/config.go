// Package config loads the server configuration from an optional YAML file
// and validates it. Flags in cmd/server may override individual fields.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"linechat/internal/chat"
)

// Config is the full configuration surface. Durations are Go duration
// strings ("5m", "30s") so they round-trip through YAML.
type Config struct {
	Host           string  `yaml:"host"`
	Port           int     `yaml:"port"`
	MetricsAddr    string  `yaml:"metrics_addr"` // empty disables the endpoint
	LogLevel       string  `yaml:"log_level"`
	MaxConnections int     `yaml:"max_connections"`
	MaxUsernameLen int     `yaml:"max_username_length"`
	MaxMessageLen  int     `yaml:"max_message_length"`
	IdleTimeout    string  `yaml:"idle_timeout"`
	ShutdownGrace  string  `yaml:"shutdown_grace"`
	CommandRate    float64 `yaml:"command_rate"` // commands/s per connection, 0 disables
	CommandBurst   int     `yaml:"command_burst"`
}

func Default() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           4000,
		MetricsAddr:    ":9090",
		LogLevel:       "info",
		MaxConnections: 100,
		MaxUsernameLen: 20,
		MaxMessageLen:  1000,
		IdleTimeout:    "5m",
		ShutdownGrace:  "5s",
		CommandRate:    10,
		CommandBurst:   20,
	}
}

// Load returns the defaults overlaid with the YAML file at path, if any.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d is outside the valid range 1-65535", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxUsernameLen < 1 {
		return fmt.Errorf("max_username_length must be positive, got %d", c.MaxUsernameLen)
	}
	if c.MaxMessageLen < 1 {
		return fmt.Errorf("max_message_length must be positive, got %d", c.MaxMessageLen)
	}
	if c.CommandRate < 0 {
		return fmt.Errorf("command_rate must not be negative, got %v", c.CommandRate)
	}
	if _, err := time.ParseDuration(c.IdleTimeout); err != nil {
		return fmt.Errorf("invalid idle_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.ShutdownGrace); err != nil {
		return fmt.Errorf("invalid shutdown_grace: %w", err)
	}
	return nil
}

// Addr returns the host:port the chat listener binds.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ChatConfig converts the validated configuration into the core's view.
func (c Config) ChatConfig() chat.Config {
	idle, _ := time.ParseDuration(c.IdleTimeout)
	grace, _ := time.ParseDuration(c.ShutdownGrace)
	return chat.Config{
		Addr:           c.Addr(),
		MaxClients:     c.MaxConnections,
		MaxUsernameLen: c.MaxUsernameLen,
		MaxMessageLen:  c.MaxMessageLen,
		IdleTimeout:    idle,
		ShutdownGrace:  grace,
		CommandRate:    c.CommandRate,
		CommandBurst:   c.CommandBurst,
	}
}
