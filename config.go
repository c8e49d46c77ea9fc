// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rctproxy holds the process configuration of the proxy.
package rctproxy

import (
	"fmt"
	"strconv"
	"time"

	"github.com/absmach/rctproxy/pkg/errors"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the prefix of every environment variable read by NewConfig.
const EnvPrefix = "RCTPROXY_"

// Config is the environment-driven configuration of the proxy.
type Config struct {
	// Downstream listener
	Host string `env:"HOST"        envDefault:""`
	Port string `env:"SERVER_PORT" envDefault:"8898"`

	// Inverter
	TargetHost   string        `env:"CLIENT_HOST"`
	TargetPort   string        `env:"CLIENT_PORT"   envDefault:"8899"`
	ConnectDelay time.Duration `env:"CONNECT_DELAY" envDefault:"1s"`
	RetryDelay   time.Duration `env:"RETRY_DELAY"   envDefault:"5s"`

	// CacheAge is the response cache freshness window.
	CacheAge time.Duration `env:"CACHE_AGE" envDefault:"15s"`

	// WebSocket listener, disabled when WSPort is empty
	WSPort string `env:"WS_PORT"`
	WSPath string `env:"WS_PATH" envDefault:"/"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"text"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	WriteQueueSize  int           `env:"WRITE_QUEUE_SIZE" envDefault:"64"`
}

// NewConfig parses the configuration from the environment. An empty
// opts.Prefix defaults to EnvPrefix.
func NewConfig(opts env.Options) (Config, error) {
	if opts.Prefix == "" {
		opts.Prefix = EnvPrefix
	}
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.TargetHost == "":
		return fmt.Errorf("%w: inverter host is required", errors.ErrInvalidConfig)
	case !validPort(c.Port):
		return fmt.Errorf("%w: invalid server port %q", errors.ErrInvalidConfig, c.Port)
	case !validPort(c.TargetPort):
		return fmt.Errorf("%w: invalid inverter port %q", errors.ErrInvalidConfig, c.TargetPort)
	case c.WSPort != "" && !validPort(c.WSPort):
		return fmt.Errorf("%w: invalid websocket port %q", errors.ErrInvalidConfig, c.WSPort)
	case c.CacheAge <= 0:
		return fmt.Errorf("%w: cache age must be positive", errors.ErrInvalidConfig)
	case c.ConnectDelay <= 0 || c.RetryDelay <= 0:
		return fmt.Errorf("%w: connect and retry delays must be positive", errors.ErrInvalidConfig)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown timeout must be positive", errors.ErrInvalidConfig)
	case c.WriteQueueSize <= 0:
		return fmt.Errorf("%w: write queue size must be positive", errors.ErrInvalidConfig)
	}
	return nil
}

func validPort(port string) bool {
	n, err := strconv.Atoi(port)
	return err == nil && n >= 0 && n <= 65535
}
