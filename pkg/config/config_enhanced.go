package config

import (
	"encoding/json"
	"fmt"
	"time"

	"minfs/pkg/utils"
)

// configRaw mirrors Config with durations and sizes left in their
// human-friendly form ("30s", "1MiB").
type configRaw struct {
	Namespace    *string `json:"namespace"`
	Coordination struct {
		Servers         []string `json:"servers"`
		SessionTimeout  string   `json:"session_timeout"`
		MetaServersPath string   `json:"meta_servers_path"`
		DataServersPath string   `json:"data_servers_path"`
	} `json:"coordination"`
	Transport struct {
		Timeout          string `json:"timeout"`
		MaxRetries       *int   `json:"max_retries"`
		BackoffBase      string `json:"backoff_base"`
		BackoffMax       string `json:"backoff_max"`
		MaxConnections   int    `json:"max_connections"`
		RetryStatusCodes []int  `json:"retry_status_codes"`
	} `json:"transport"`
	Stream struct {
		WriteBufferSize interface{} `json:"write_buffer_size"` // string or number
		ReadChunkSize   interface{} `json:"read_chunk_size"`
	} `json:"stream"`
	Metrics *MetricsConfig `json:"metrics"`
}

// Parse decodes a JSON config document on top of Default().
func Parse(data []byte) (*Config, error) {
	var raw configRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Default()
	if raw.Namespace != nil {
		cfg.Namespace = *raw.Namespace
	}

	if len(raw.Coordination.Servers) > 0 {
		cfg.Coordination.Servers = raw.Coordination.Servers
	}
	if raw.Coordination.MetaServersPath != "" {
		cfg.Coordination.MetaServersPath = raw.Coordination.MetaServersPath
	}
	if raw.Coordination.DataServersPath != "" {
		cfg.Coordination.DataServersPath = raw.Coordination.DataServersPath
	}
	if err := parseDuration(raw.Coordination.SessionTimeout, &cfg.Coordination.SessionTimeout); err != nil {
		return nil, fmt.Errorf("invalid session_timeout: %w", err)
	}

	if err := parseDuration(raw.Transport.Timeout, &cfg.Transport.Timeout); err != nil {
		return nil, fmt.Errorf("invalid timeout: %w", err)
	}
	if err := parseDuration(raw.Transport.BackoffBase, &cfg.Transport.BackoffBase); err != nil {
		return nil, fmt.Errorf("invalid backoff_base: %w", err)
	}
	if err := parseDuration(raw.Transport.BackoffMax, &cfg.Transport.BackoffMax); err != nil {
		return nil, fmt.Errorf("invalid backoff_max: %w", err)
	}
	if raw.Transport.MaxRetries != nil {
		cfg.Transport.MaxRetries = *raw.Transport.MaxRetries
	}
	if raw.Transport.MaxConnections > 0 {
		cfg.Transport.MaxConnections = raw.Transport.MaxConnections
	}
	if len(raw.Transport.RetryStatusCodes) > 0 {
		cfg.Transport.RetryStatusCodes = raw.Transport.RetryStatusCodes
	}

	if err := parseSize(raw.Stream.WriteBufferSize, &cfg.Stream.WriteBufferSize); err != nil {
		return nil, fmt.Errorf("invalid write_buffer_size: %w", err)
	}
	if err := parseSize(raw.Stream.ReadChunkSize, &cfg.Stream.ReadChunkSize); err != nil {
		return nil, fmt.Errorf("invalid read_chunk_size: %w", err)
	}

	if raw.Metrics != nil {
		cfg.Metrics.Enabled = raw.Metrics.Enabled
		if raw.Metrics.Address != "" {
			cfg.Metrics.Address = raw.Metrics.Address
		}
	}

	return cfg, nil
}

func parseDuration(s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// parseSize accepts a JSON number or a human-friendly size string.
func parseSize(v interface{}, dst *int64) error {
	switch val := v.(type) {
	case nil:
		return nil
	case float64:
		*dst = int64(val)
	case string:
		n, err := utils.ParseDataSize(val)
		if err != nil {
			return err
		}
		*dst = n
	default:
		return fmt.Errorf("must be a number or string, got %T", v)
	}
	return nil
}
