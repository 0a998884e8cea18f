package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as "5s" in TOML and
// YAML files.
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// AuthConfig controls caller authentication on mutating RPC methods.
type AuthConfig struct {
	Enabled bool `toml:"Enabled" yaml:"enabled"`
	// HMACSecret signs caller tokens. HMACSecretEnv names an environment
	// variable to read it from instead.
	HMACSecret    string `toml:"HMACSecret" yaml:"hmac_secret"`
	HMACSecretEnv string `toml:"HMACSecretEnv" yaml:"hmac_secret_env"`
	Issuer        string `toml:"Issuer" yaml:"issuer"`
	Audience      string `toml:"Audience" yaml:"audience"`
	// ClockSkew is the leeway applied to exp/nbf checks.
	ClockSkew Duration `toml:"ClockSkew" yaml:"clock_skew"`
}

// RateLimitConfig bounds request rates per caller.
type RateLimitConfig struct {
	Enabled           bool    `toml:"Enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"RequestsPerSecond" yaml:"requests_per_second"`
	Burst             int     `toml:"Burst" yaml:"burst"`
	// IdleTTL evicts limiters for callers not seen for this long.
	IdleTTL Duration `toml:"IdleTTL" yaml:"idle_ttl"`
}

// Wallet kinds accepted by PayoutsConfig.Wallet.
const (
	WalletNone    = "none"
	WalletMemory  = "memory"
	WalletCustody = "custody"
)

// PayoutsConfig configures the reward transfer dispatcher.
type PayoutsConfig struct {
	Wallet string `toml:"Wallet" yaml:"wallet"`
	// MemoryFloat seeds the in-process wallet, as a decimal string. Deposits
	// add to it, so anything here is operator money outside the pool.
	MemoryFloat     string   `toml:"MemoryFloat" yaml:"memory_float"`
	CustodyEndpoint string   `toml:"CustodyEndpoint" yaml:"custody_endpoint"`
	CustodyToken    string   `toml:"CustodyToken" yaml:"custody_token"`
	CustodyTokenEnv string   `toml:"CustodyTokenEnv" yaml:"custody_token_env"`
	JournalPath     string   `toml:"JournalPath" yaml:"journal_path"`
	Workers         int      `toml:"Workers" yaml:"workers"`
	QueueSize       int      `toml:"QueueSize" yaml:"queue_size"`
	Timeout         Duration `toml:"Timeout" yaml:"timeout"`
}

// EventsConfig configures ledger event fan-out.
type EventsConfig struct {
	Backlog       int      `toml:"Backlog" yaml:"backlog"`
	KafkaBrokers  []string `toml:"KafkaBrokers" yaml:"kafka_brokers"`
	KafkaTopic    string   `toml:"KafkaTopic" yaml:"kafka_topic"`
	KafkaClientID string   `toml:"KafkaClientID" yaml:"kafka_client_id"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sample_ratio"`
}
