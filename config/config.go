// Package config loads the seekd configuration file.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/seeknet"
	"github.com/Zereker/seeknet/source"
)

// Protocol error policies.
const (
	PolicyContinue   = "continue"
	PolicyDisconnect = "disconnect"
)

type Config struct {
	Listen string        `yaml:"listen" json:"listen"`
	Source source.Config `yaml:"source" json:"source"`
	Server ServerConfig  `yaml:"server" json:"server"`
	Log    LogConfig     `yaml:"log" json:"log"`
	// MetricsListen serves Prometheus metrics on /metrics when set.
	MetricsListen string `yaml:"metrics_listen" json:"metrics_listen"`
}

type ServerConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxConnections  int           `yaml:"max_connections" json:"max_connections"`
	ReadChunkSize   int           `yaml:"read_chunk_size" json:"read_chunk_size"`
	ProtocolErrors  string        `yaml:"protocol_errors" json:"protocol_errors"`
	ReusePort       bool          `yaml:"reuse_port" json:"reuse_port"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // text/json
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen: "127.0.0.1:4000",
		Source: source.Config{Kind: source.KindFile},
		Server: ServerConfig{
			ShutdownTimeout: 5 * time.Second,
			ReadChunkSize:   64 * 1024,
			ProtocolErrors:  PolicyContinue,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML (.yaml, .yml) or JSON (.json) file on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		return cfg, errors.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}

	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	switch c.Server.ProtocolErrors {
	case "", PolicyContinue, PolicyDisconnect:
	default:
		return errors.Errorf("protocol_errors must be %q or %q, got %q",
			PolicyContinue, PolicyDisconnect, c.Server.ProtocolErrors)
	}
	if c.Server.MaxConnections < 0 {
		return errors.New("max_connections must not be negative")
	}
	if c.Server.ReadChunkSize < 0 {
		return errors.New("read_chunk_size must not be negative")
	}
	return nil
}

// ServerOptions turns the server section into seeknet options.
func (c Config) ServerOptions(logger seeknet.Logger) []seeknet.Option {
	action := seeknet.Continue
	if c.Server.ProtocolErrors == PolicyDisconnect {
		action = seeknet.Disconnect
	}

	return []seeknet.Option{
		seeknet.LoggerOption(logger),
		seeknet.IdleTimeoutOption(c.Server.IdleTimeout),
		seeknet.ShutdownTimeoutOption(c.Server.ShutdownTimeout),
		seeknet.MaxConnectionsOption(c.Server.MaxConnections),
		seeknet.ReadChunkSizeOption(c.Server.ReadChunkSize),
		seeknet.ReusePortOption(c.Server.ReusePort),
		seeknet.OnProtocolErrorOption(func(error) seeknet.ErrorAction { return action }),
	}
}
