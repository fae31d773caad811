package config

import "time"

// Config represents the main configuration structure
type Config struct {
	URL            string                `json:"url" yaml:"url"`
	APIKey         string                `json:"apiKey" yaml:"apiKey"`
	Schema         string                `json:"schema" yaml:"schema"`
	LogLevel       string                `json:"logLevel" yaml:"logLevel"`
	RequestTimeout int                   `json:"requestTimeout" yaml:"requestTimeout"` // ms
	Batching       BatchingConfig        `json:"batching" yaml:"batching"`
	Cache          *CacheConfig          `json:"cache,omitempty" yaml:"cache,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `json:"circuitBreaker,omitempty" yaml:"circuitBreaker,omitempty"`
	Auth           *AuthConfig           `json:"auth,omitempty" yaml:"auth,omitempty"`
}

// BatchingConfig controls how resolver requests coalesce
type BatchingConfig struct {
	MaxSize int `json:"maxSize" yaml:"maxSize"` // requests per batch
	MaxWait int `json:"maxWait" yaml:"maxWait"` // ms
}

// CacheConfig represents the keyed-row cache configuration
type CacheConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	TTL     int  `json:"ttl" yaml:"ttl"`   // seconds
	Size    int  `json:"size" yaml:"size"` // number of entries
}

// CircuitBreakerConfig represents the table client's circuit breaker
type CircuitBreakerConfig struct {
	Enabled             bool `json:"enabled" yaml:"enabled"`
	FailureThreshold    int  `json:"failureThreshold" yaml:"failureThreshold"`
	RecoveryTimeout     int  `json:"recoveryTimeout" yaml:"recoveryTimeout"` // ms
	HalfOpenMaxRequests int  `json:"halfOpenMaxRequests" yaml:"halfOpenMaxRequests"`
}

// AuthConfig represents the auth state feed configuration
type AuthConfig struct {
	EventsURL   string `json:"eventsUrl" yaml:"eventsUrl"` // websocket; empty disables the remote feed
	EventBuffer int    `json:"eventBuffer" yaml:"eventBuffer"`
}

// Default values
const (
	DefaultSchema                = "public"
	DefaultLogLevel              = "info"
	DefaultRequestTimeout        = 10000 // ms
	DefaultBatchMaxSize          = 1000
	DefaultBatchMaxWait          = 2  // ms
	DefaultCacheTTL              = 60 // seconds
	DefaultCacheSize             = 10000
	DefaultCBFailureThreshold    = 5
	DefaultCBRecoveryTimeout     = 30000 // ms
	DefaultCBHalfOpenMaxRequests = 2
	DefaultAuthEventBuffer       = 16
)

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetMaxWaitDuration returns the batch window as time.Duration
func (c *BatchingConfig) GetMaxWaitDuration() time.Duration {
	return time.Duration(c.MaxWait) * time.Millisecond
}

// IsCacheEnabled returns true if cache is configured and enabled
func (c *Config) IsCacheEnabled() bool {
	return c.Cache != nil && c.Cache.Enabled
}

// GetTTLDuration returns cache TTL as time.Duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// IsCircuitBreakerEnabled returns true if the breaker is configured and enabled
func (c *Config) IsCircuitBreakerEnabled() bool {
	return c.CircuitBreaker != nil && c.CircuitBreaker.Enabled
}

// GetRecoveryTimeoutDuration returns recovery timeout as time.Duration
func (c *CircuitBreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return time.Duration(c.RecoveryTimeout) * time.Millisecond
}

// GetAuthEventsURL returns the auth events websocket URL, or ""
func (c *Config) GetAuthEventsURL() string {
	if c.Auth == nil {
		return ""
	}
	return c.Auth.EventsURL
}

// GetAuthEventBuffer returns the per-subscriber auth event buffer
func (c *Config) GetAuthEventBuffer() int {
	if c.Auth == nil || c.Auth.EventBuffer == 0 {
		return DefaultAuthEventBuffer
	}
	return c.Auth.EventBuffer
}
