package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the cardledgerd runtime configuration.
type Config struct {
	ListenAddress     string   `toml:"ListenAddress" yaml:"listen"`
	DataDir           string   `toml:"DataDir" yaml:"data_dir"`
	Environment       string   `toml:"Environment" yaml:"environment"`
	LogLevel          string   `toml:"LogLevel" yaml:"log_level"`
	ReadHeaderTimeout Duration `toml:"ReadHeaderTimeout" yaml:"read_header_timeout"`
	ShutdownTimeout   Duration `toml:"ShutdownTimeout" yaml:"shutdown_timeout"`

	// Owner and InitialTransferAmount are applied once when AutoInitialize is
	// set and the ledger has never been initialised.
	Owner                 string `toml:"Owner" yaml:"owner"`
	InitialTransferAmount string `toml:"InitialTransferAmount" yaml:"initial_transfer_amount"`
	AutoInitialize        bool   `toml:"AutoInitialize" yaml:"auto_initialize"`

	Auth      AuthConfig      `toml:"Auth" yaml:"auth"`
	RateLimit RateLimitConfig `toml:"RateLimit" yaml:"rate_limit"`
	Payouts   PayoutsConfig   `toml:"Payouts" yaml:"payouts"`
	Events    EventsConfig    `toml:"Events" yaml:"events"`
	Telemetry TelemetryConfig `toml:"Telemetry" yaml:"telemetry"`
}

// Load loads the configuration from the given path. A missing file is
// created with defaults. Files ending in .yaml or .yml are decoded as YAML,
// everything else as TOML.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if isYAML(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	}

	applyDefaults(cfg)
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		ListenAddress: "127.0.0.1:8547",
		DataDir:       "./cardledger-data",
		Environment:   "dev",
		LogLevel:      "info",
		Payouts:       PayoutsConfig{Wallet: WalletMemory, MemoryFloat: "0"},
	}
	applyDefaults(cfg)
	return cfg
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = "127.0.0.1:8547"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./cardledger-data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ReadHeaderTimeout.Duration == 0 {
		cfg.ReadHeaderTimeout.Duration = 5 * time.Second
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.InitialTransferAmount == "" {
		cfg.InitialTransferAmount = "0"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 5
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.RateLimit.IdleTTL.Duration == 0 {
		cfg.RateLimit.IdleTTL.Duration = 10 * time.Minute
	}
	if cfg.Payouts.Wallet == "" {
		cfg.Payouts.Wallet = WalletNone
	}
	if cfg.Payouts.MemoryFloat == "" {
		cfg.Payouts.MemoryFloat = "0"
	}
	if cfg.Payouts.Workers <= 0 {
		cfg.Payouts.Workers = 2
	}
	if cfg.Payouts.QueueSize <= 0 {
		cfg.Payouts.QueueSize = 1024
	}
	if cfg.Payouts.Timeout.Duration == 0 {
		cfg.Payouts.Timeout.Duration = 15 * time.Second
	}
	if cfg.Events.Backlog <= 0 {
		cfg.Events.Backlog = 256
	}
	if cfg.Events.KafkaClientID == "" {
		cfg.Events.KafkaClientID = "cardledgerd"
	}
}

func (c *Config) normalise() error {
	c.Owner = strings.TrimSpace(c.Owner)
	c.Payouts.Wallet = strings.ToLower(strings.TrimSpace(c.Payouts.Wallet))
	if c.Auth.HMACSecret == "" && c.Auth.HMACSecretEnv != "" {
		value := strings.TrimSpace(os.Getenv(c.Auth.HMACSecretEnv))
		if value == "" {
			return fmt.Errorf("auth: HMACSecretEnv %s is empty", c.Auth.HMACSecretEnv)
		}
		c.Auth.HMACSecret = value
	}
	if c.Payouts.CustodyToken == "" && c.Payouts.CustodyTokenEnv != "" {
		c.Payouts.CustodyToken = strings.TrimSpace(os.Getenv(c.Payouts.CustodyTokenEnv))
	}
	return nil
}

// LedgerPath is where the ledger database lives.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger")
}

// JournalPath is where the payout receipt journal lives.
func (c *Config) JournalPath() string {
	if p := strings.TrimSpace(c.Payouts.JournalPath); p != "" {
		return p
	}
	return filepath.Join(c.DataDir, "payouts.db")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}
