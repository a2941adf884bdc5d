package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultNamespace       = "default"
	DefaultMetaServersPath = "/minfs/metaservers"
	DefaultDataServersPath = "/minfs/dataservers"

	DefaultWriteBufferSize = 1024 * 1024
	DefaultReadChunkSize   = 1024 * 1024
)

type Config struct {
	Namespace    string             `json:"namespace"`
	Coordination CoordinationConfig `json:"coordination"`
	Transport    TransportConfig    `json:"transport"`
	Stream       StreamConfig       `json:"stream"`
	Metrics      MetricsConfig      `json:"metrics"`
}

type CoordinationConfig struct {
	Servers         []string      `json:"servers"`
	SessionTimeout  time.Duration `json:"-"`
	MetaServersPath string        `json:"meta_servers_path"`
	DataServersPath string        `json:"data_servers_path"`
}

type TransportConfig struct {
	Timeout          time.Duration `json:"-"`
	MaxRetries       int           `json:"max_retries"`
	BackoffBase      time.Duration `json:"-"`
	BackoffMax       time.Duration `json:"-"`
	MaxConnections   int           `json:"max_connections"`
	RetryStatusCodes []int         `json:"retry_status_codes"`
}

type StreamConfig struct {
	WriteBufferSize int64 `json:"-"`
	ReadChunkSize   int64 `json:"-"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Namespace: DefaultNamespace,
		Coordination: CoordinationConfig{
			Servers:         []string{"localhost:2181"},
			SessionTimeout:  30 * time.Second,
			MetaServersPath: DefaultMetaServersPath,
			DataServersPath: DefaultDataServersPath,
		},
		Transport: TransportConfig{
			Timeout:          30 * time.Second,
			MaxRetries:       3,
			BackoffBase:      100 * time.Millisecond,
			BackoffMax:       5 * time.Second,
			MaxConnections:   100,
			RetryStatusCodes: []int{500, 502, 503, 504},
		},
		Stream: StreamConfig{
			WriteBufferSize: DefaultWriteBufferSize,
			ReadChunkSize:   DefaultReadChunkSize,
		},
		Metrics: MetricsConfig{
			Address: ":9464",
		},
	}
}

// LoadConfig reads a JSON config file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a config from defaults overridden by MINFS_* variables.
func LoadFromEnv() *Config {
	cfg := Default()
	ApplyEnv(cfg)
	return cfg
}

// ApplyEnv overrides cfg with any MINFS_* variables that are set.
func ApplyEnv(cfg *Config) {
	cfg.Namespace = getEnv("MINFS_NAMESPACE", cfg.Namespace)

	if servers := os.Getenv("MINFS_ZK_SERVERS"); servers != "" {
		cfg.Coordination.Servers = splitList(servers)
	}
	if d, err := time.ParseDuration(os.Getenv("MINFS_ZK_SESSION_TIMEOUT")); err == nil {
		cfg.Coordination.SessionTimeout = d
	}
	if d, err := time.ParseDuration(os.Getenv("MINFS_HTTP_TIMEOUT")); err == nil {
		cfg.Transport.Timeout = d
	}
	if n, err := strconv.Atoi(os.Getenv("MINFS_HTTP_MAX_RETRIES")); err == nil {
		cfg.Transport.MaxRetries = n
	}
	if addr := os.Getenv("MINFS_METRICS_ADDRESS"); addr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = addr
	}
}

// Validate checks the fields the client cannot run without.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if len(c.Coordination.Servers) == 0 {
		return fmt.Errorf("at least one coordination server is required")
	}
	if c.Coordination.MetaServersPath == "" || c.Coordination.DataServersPath == "" {
		return fmt.Errorf("coordination paths must not be empty")
	}
	if c.Transport.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Transport.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}
	if c.Stream.WriteBufferSize <= 0 || c.Stream.ReadChunkSize <= 0 {
		return fmt.Errorf("stream sizes must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// String renders the config for logs.
func (c *Config) String() string {
	data, _ := json.Marshal(c)
	return string(data)
}
