// Package config loads the gateway configuration from TOML with environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full gateway configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	PrimaryChainID  int64  `toml:"PrimaryChainID"`
	OperatorAddress string `toml:"OperatorAddress"`

	BasketDatabasePath string `toml:"BasketDatabasePath"`
	OrderDatabasePath  string `toml:"OrderDatabasePath"`
	RouteDatabasePath  string `toml:"RouteDatabasePath"`

	Auth      AuthConfig      `toml:"Auth"`
	Indexer   IndexerConfig   `toml:"Indexer"`
	Bus       BusConfig       `toml:"Bus"`
	Outbound  OutboundConfig  `toml:"Outbound"`
	Telemetry TelemetryConfig `toml:"Telemetry"`

	// UpstreamTemplates map "{offerType}.{kind}" or "{kind}" to URL
	// templates with {seller}, {sku}, {chain_id} placeholders.
	UpstreamTemplates map[string]string `toml:"UpstreamTemplates"`
	// TemplateVars supplies extra named placeholders (ports etc.).
	TemplateVars map[string]string `toml:"TemplateVars"`

	RateLimits map[string]RateLimitConfig `toml:"RateLimits"`
}

// AuthConfig configures bearer-token verification.
type AuthConfig struct {
	HMACSecret string `toml:"HMACSecret"`
	// HMACSecretEnv names an environment variable that overrides HMACSecret.
	HMACSecretEnv string `toml:"HMACSecretEnv"`
	Issuer        string `toml:"Issuer"`
	Audience      string `toml:"Audience"`
}

// IndexerConfig configures the payment poller.
type IndexerConfig struct {
	BaseURL           string `toml:"BaseURL"`
	PollIntervalMilli int64  `toml:"PollIntervalMilli"`
	BatchLimit        int    `toml:"BatchLimit"`
	Confirmations     uint64 `toml:"Confirmations"`
	FinalityDepth     uint64 `toml:"FinalityDepth"`
}

// PollInterval returns the configured interval, zero when unset.
func (c IndexerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMilli) * time.Millisecond
}

// BusConfig tunes the SSE event buses.
type BusConfig struct {
	SubscriberCapacity int `toml:"SubscriberCapacity"`
	MaxPerKey          int `toml:"MaxPerKey"`
}

// OutboundConfig tunes the fulfillment client.
type OutboundConfig struct {
	MaxRedirectHops int   `toml:"MaxRedirectHops"`
	TimeoutMilli    int64 `toml:"TimeoutMilli"`
}

// TelemetryConfig configures the OTLP metric exporter.
type TelemetryConfig struct {
	Enabled  bool              `toml:"Enabled"`
	Endpoint string            `toml:"Endpoint"`
	Insecure bool              `toml:"Insecure"`
	Headers  map[string]string `toml:"Headers"`
}

// RateLimitConfig is a named per-client budget.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// Defaults applied by Load when fields are unset.
const (
	DefaultListenAddress = ":8660"
	DefaultChainID       = 100
)

// Load reads the configuration file, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s has unknown keys: %v", path, undecoded)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.PrimaryChainID <= 0 {
		c.PrimaryChainID = DefaultChainID
	}
	if strings.TrimSpace(c.BasketDatabasePath) == "" {
		c.BasketDatabasePath = "market.db"
	}
	if strings.TrimSpace(c.OrderDatabasePath) == "" {
		c.OrderDatabasePath = c.BasketDatabasePath
	}
	if strings.TrimSpace(c.RouteDatabasePath) == "" {
		c.RouteDatabasePath = c.BasketDatabasePath
	}
	if c.UpstreamTemplates == nil {
		c.UpstreamTemplates = map[string]string{}
	}
	if c.TemplateVars == nil {
		c.TemplateVars = map[string]string{}
	}
}

func (c *Config) applyEnv() {
	if name := strings.TrimSpace(c.Auth.HMACSecretEnv); name != "" {
		if value := os.Getenv(name); value != "" {
			c.Auth.HMACSecret = value
		}
	}
}

// Validate rejects configurations that cannot serve requests.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth HMAC secret must be configured (set Auth.HMACSecret or %q)", c.Auth.HMACSecretEnv)
	}
	if c.PrimaryChainID <= 0 {
		return fmt.Errorf("primary chain id must be positive")
	}
	for key, tpl := range c.UpstreamTemplates {
		if strings.TrimSpace(tpl) == "" {
			return fmt.Errorf("upstream template %q is empty", key)
		}
	}
	return nil
}
