package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration file. Files ending in .yaml or
// .yml are read as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext, applies defaults and
// validates the result
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Schema == "" {
		cfg.Schema = DefaultSchema
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Batching.MaxSize == 0 {
		cfg.Batching.MaxSize = DefaultBatchMaxSize
	}
	if cfg.Batching.MaxWait == 0 {
		cfg.Batching.MaxWait = DefaultBatchMaxWait
	}

	if cfg.Cache != nil {
		if cfg.Cache.TTL == 0 {
			cfg.Cache.TTL = DefaultCacheTTL
		}
		if cfg.Cache.Size == 0 {
			cfg.Cache.Size = DefaultCacheSize
		}
	}

	if cfg.CircuitBreaker != nil {
		if cfg.CircuitBreaker.FailureThreshold == 0 {
			cfg.CircuitBreaker.FailureThreshold = DefaultCBFailureThreshold
		}
		if cfg.CircuitBreaker.RecoveryTimeout == 0 {
			cfg.CircuitBreaker.RecoveryTimeout = DefaultCBRecoveryTimeout
		}
		if cfg.CircuitBreaker.HalfOpenMaxRequests == 0 {
			cfg.CircuitBreaker.HalfOpenMaxRequests = DefaultCBHalfOpenMaxRequests
		}
	}

	if cfg.Auth != nil && cfg.Auth.EventBuffer == 0 {
		cfg.Auth.EventBuffer = DefaultAuthEventBuffer
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.URL == "" {
		return errors.New("url is required")
	}
	if err := validateURL(cfg.URL, "http", "https"); err != nil {
		return fmt.Errorf("url: %w", err)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}

	if cfg.Batching.MaxSize < 1 {
		return fmt.Errorf("batching.maxSize must be positive")
	}
	if cfg.Batching.MaxWait < 0 {
		return fmt.Errorf("batching.maxWait must be non-negative")
	}

	// Validate cache config if provided
	if cfg.Cache != nil && cfg.Cache.Enabled {
		if cfg.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive when cache is enabled")
		}
		if cfg.Cache.Size <= 0 {
			return fmt.Errorf("cache.size must be positive when cache is enabled")
		}
	}

	if cfg.CircuitBreaker != nil && cfg.CircuitBreaker.Enabled {
		if cfg.CircuitBreaker.FailureThreshold < 0 {
			return fmt.Errorf("circuitBreaker.failureThreshold must be non-negative")
		}
		if cfg.CircuitBreaker.RecoveryTimeout < 0 {
			return fmt.Errorf("circuitBreaker.recoveryTimeout must be non-negative")
		}
		if cfg.CircuitBreaker.HalfOpenMaxRequests < 0 {
			return fmt.Errorf("circuitBreaker.halfOpenMaxRequests must be non-negative")
		}
	}

	if cfg.Auth != nil {
		if cfg.Auth.EventsURL != "" {
			if err := validateURL(cfg.Auth.EventsURL, "ws", "wss"); err != nil {
				return fmt.Errorf("auth.eventsUrl: %w", err)
			}
		}
		if cfg.Auth.EventBuffer < 0 {
			return fmt.Errorf("auth.eventBuffer must be non-negative")
		}
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of: %s", strings.Join(schemes, ", "))
}
