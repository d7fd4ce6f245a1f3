// Package config provides configuration loading for the relay server and the
// agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the default config file looked up in the working directory.
const FileName = "collabtext.yaml"

// Config is the complete configuration for both binaries.
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Server   ServerConfig `yaml:"server"`
	Agent    AgentConfig  `yaml:"agent"`
}

// ServerConfig configures the sync relay.
type ServerConfig struct {
	// ListenAddr is the HTTP listen address (default :8081)
	ListenAddr string `yaml:"listen_addr"`
	// RedisAddr enables Redis fan-out when set
	RedisAddr string `yaml:"redis_addr"`
	// DatabaseURL enables the Postgres op log when set
	DatabaseURL string `yaml:"database_url"`
	// Advertise registers the relay over mDNS
	Advertise bool `yaml:"advertise"`
	// ServiceName is the mDNS service type
	ServiceName string `yaml:"service_name"`
}

// AgentConfig configures the client agent.
type AgentConfig struct {
	// ListenAddr is the local UI/API listen address (default :8080)
	ListenAddr string `yaml:"listen_addr"`
	// ServerURL is the relay websocket URL; empty means discover over mDNS
	ServerURL string `yaml:"server_url"`
	// DocID is the shared document to open
	DocID string `yaml:"doc_id"`
	// SnapshotPath is the bbolt file for tree snapshots; empty disables them
	SnapshotPath string `yaml:"snapshot_path"`
	// SnapshotInterval is how often the tree is persisted
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	// UndoLimit bounds the undo stack (0 = unbounded)
	UndoLimit int `yaml:"undo_limit"`
	// DiscoveryTimeout bounds the mDNS browse for a relay
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	// UIDir is served at / when set
	UIDir string `yaml:"ui_dir"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr:  ":8081",
			ServiceName: "_collabtext._tcp",
		},
		Agent: AgentConfig{
			ListenAddr:       ":8080",
			DocID:            "test-doc",
			SnapshotInterval: 10 * time.Second,
			DiscoveryTimeout: 15 * time.Second,
		},
	}
}

// LoadFromFile reads a YAML config file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &c, nil
}

// Merge overlays the non-zero values of other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	setString(&c.LogLevel, other.LogLevel)

	setString(&c.Server.ListenAddr, other.Server.ListenAddr)
	setString(&c.Server.RedisAddr, other.Server.RedisAddr)
	setString(&c.Server.DatabaseURL, other.Server.DatabaseURL)
	setString(&c.Server.ServiceName, other.Server.ServiceName)
	if other.Server.Advertise {
		c.Server.Advertise = true
	}

	setString(&c.Agent.ListenAddr, other.Agent.ListenAddr)
	setString(&c.Agent.ServerURL, other.Agent.ServerURL)
	setString(&c.Agent.DocID, other.Agent.DocID)
	setString(&c.Agent.SnapshotPath, other.Agent.SnapshotPath)
	setString(&c.Agent.UIDir, other.Agent.UIDir)
	if other.Agent.SnapshotInterval > 0 {
		c.Agent.SnapshotInterval = other.Agent.SnapshotInterval
	}
	if other.Agent.UndoLimit > 0 {
		c.Agent.UndoLimit = other.Agent.UndoLimit
	}
	if other.Agent.DiscoveryTimeout > 0 {
		c.Agent.DiscoveryTimeout = other.Agent.DiscoveryTimeout
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	setString(&c.LogLevel, getenv("LOG_LEVEL"))
	setString(&c.Server.ListenAddr, getenv("LISTEN_ADDR"))
	setString(&c.Server.RedisAddr, getenv("REDIS_ADDR"))
	setString(&c.Server.DatabaseURL, getenv("DATABASE_URL"))
	setString(&c.Agent.ListenAddr, getenv("AGENT_ADDR"))
	setString(&c.Agent.ServerURL, getenv("SERVER_URL"))
	setString(&c.Agent.DocID, getenv("DOC_ID"))
	setString(&c.Agent.SnapshotPath, getenv("SNAPSHOT_PATH"))
	if v := getenv("UNDO_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UNDO_LIMIT: %w", err)
		}
		c.Agent.UndoLimit = n
	}
	return nil
}

// Validate checks the final configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if c.Agent.ListenAddr == "" {
		errs = append(errs, errors.New("agent.listen_addr is required"))
	}
	if c.Agent.DocID == "" {
		errs = append(errs, errors.New("agent.doc_id is required"))
	}
	if c.Agent.UndoLimit < 0 {
		errs = append(errs, errors.New("agent.undo_limit must not be negative"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}
