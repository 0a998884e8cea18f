package config

import (
	"fmt"
	"strings"

	"cardledger/native/connections"
)

// Validate checks cross-field constraints after defaults are applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if _, err := connections.ParseAmount(cfg.InitialTransferAmount); err != nil {
		return fmt.Errorf("InitialTransferAmount: %w", err)
	}
	if cfg.AutoInitialize && cfg.Owner == "" {
		return fmt.Errorf("AutoInitialize requires Owner")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: HMACSecret or HMACSecretEnv required when enabled")
	}
	switch cfg.Payouts.Wallet {
	case WalletNone:
	case WalletMemory:
		if _, err := connections.ParseAmount(cfg.Payouts.MemoryFloat); err != nil {
			return fmt.Errorf("payouts: MemoryFloat: %w", err)
		}
	case WalletCustody:
		if strings.TrimSpace(cfg.Payouts.CustodyEndpoint) == "" {
			return fmt.Errorf("payouts: CustodyEndpoint required for custody wallet")
		}
	default:
		return fmt.Errorf("payouts: unknown wallet %q", cfg.Payouts.Wallet)
	}
	if len(cfg.Events.KafkaBrokers) > 0 && strings.TrimSpace(cfg.Events.KafkaTopic) == "" {
		return fmt.Errorf("events: KafkaTopic required when KafkaBrokers are set")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0,1]")
	}
	return nil
}
