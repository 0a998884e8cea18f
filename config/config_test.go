package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8547", cfg.ListenAddress)
	require.Equal(t, WalletMemory, cfg.Payouts.Wallet)
	require.Equal(t, 5*time.Second, cfg.ReadHeaderTimeout.Duration)
	require.FileExists(t, path)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, reloaded)
}

func TestLoadParsesTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `ListenAddress = "0.0.0.0:9000"
DataDir = "/var/lib/cardledger"
Environment = "prod"
Owner = "owner.testnet"
InitialTransferAmount = "340282366920938463463374607431768211455"
AutoInitialize = true
ShutdownTimeout = "3s"

[Auth]
Enabled = true
HMACSecret = "s3cret"
Issuer = "cardledger"
Audience = "frontend"

[RateLimit]
Enabled = true
RequestsPerSecond = 2.5
Burst = 4

[Payouts]
Wallet = "Custody"
CustodyEndpoint = "http://custody:8080/rpc"
Workers = 4
Timeout = "750ms"

[Events]
KafkaBrokers = ["kafka:9092"]
KafkaTopic = "ledger-events"

[Telemetry]
Endpoint = "otel:4318"
Traces = true
SampleRatio = 0.25
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.ListenAddress)
	require.True(t, cfg.AutoInitialize)
	require.Equal(t, "owner.testnet", cfg.Owner)
	require.Equal(t, 3*time.Second, cfg.ShutdownTimeout.Duration)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "frontend", cfg.Auth.Audience)
	require.Equal(t, 2.5, cfg.RateLimit.RequestsPerSecond)
	require.Equal(t, 4, cfg.RateLimit.Burst)
	require.Equal(t, WalletCustody, cfg.Payouts.Wallet)
	require.Equal(t, 750*time.Millisecond, cfg.Payouts.Timeout.Duration)
	require.Equal(t, 1024, cfg.Payouts.QueueSize)
	require.Equal(t, []string{"kafka:9092"}, cfg.Events.KafkaBrokers)
	require.Equal(t, "cardledgerd", cfg.Events.KafkaClientID)
	require.Equal(t, 0.25, cfg.Telemetry.SampleRatio)
	require.Equal(t, filepath.Join("/var/lib/cardledger", "ledger"), cfg.LedgerPath())
	require.Equal(t, filepath.Join("/var/lib/cardledger", "payouts.db"), cfg.JournalPath())
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `listen: ":7000"
owner: owner.testnet
initial_transfer_amount: "10"
payouts:
  wallet: memory
  memory_float: "500"
  timeout: 2s
rate_limit:
  idle_ttl: 1m
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.ListenAddress)
	require.Equal(t, "10", cfg.InitialTransferAmount)
	require.Equal(t, "500", cfg.Payouts.MemoryFloat)
	require.Equal(t, 2*time.Second, cfg.Payouts.Timeout.Duration)
	require.Equal(t, time.Minute, cfg.RateLimit.IdleTTL.Duration)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "config.toml", `ListenAdress = ":1"`)
	_, err := Load(path)
	require.ErrorContains(t, err, "unknown key")
}

func TestLoadReadsSecretFromEnv(t *testing.T) {
	t.Setenv("CARDLEDGER_TEST_SECRET", "from-env")
	path := writeFile(t, "config.toml", `[Auth]
Enabled = true
HMACSecretEnv = "CARDLEDGER_TEST_SECRET"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Auth.HMACSecret)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"auto init without owner": `AutoInitialize = true`,
		"bad amount":              `InitialTransferAmount = "-5"`,
		"amount too wide":         `InitialTransferAmount = "340282366920938463463374607431768211456"`,
		"auth without secret":     "[Auth]\nEnabled = true",
		"custody without url":     "[Payouts]\nWallet = \"custody\"",
		"unknown wallet":          "[Payouts]\nWallet = \"paypal\"",
		"kafka without topic":     "[Events]\nKafkaBrokers = [\"k:9092\"]",
		"sample ratio":            "[Telemetry]\nSampleRatio = 1.5",
		"bad duration":            `ShutdownTimeout = "soon"`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.toml", contents))
			require.Error(t, err)
		})
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	require.Equal(t, 90*time.Second, d.Duration)
	out, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m30s", string(out))
	require.NoError(t, d.UnmarshalText(nil))
	require.Zero(t, d.Duration)
}
