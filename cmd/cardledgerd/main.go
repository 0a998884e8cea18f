package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cardledger/config"
	"cardledger/core/events"
	"cardledger/core/state"
	"cardledger/native/connections"
	"cardledger/observability"
	"cardledger/observability/logging"
	telemetry "cardledger/observability/otel"
	"cardledger/rpc"
	"cardledger/services/payouts"
	"cardledger/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file (.toml, .yaml or .yml)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "cardledgerd: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("CARDLEDGER_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.SetupWithOptions("cardledgerd", env, logging.Options{Level: cfg.LogLevel})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "cardledgerd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.LedgerPath())
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}
	defer db.Close()

	journal, err := payouts.OpenJournal(cfg.JournalPath(), nil)
	if err != nil {
		return fmt.Errorf("open payout journal: %w", err)
	}
	defer journal.Close()

	emitter, closeEvents, hub, err := buildEmitter(cfg.Events, logger)
	if err != nil {
		return err
	}
	defer closeEvents()

	dispatcherOpts, err := walletOptions(cfg.Payouts, logger)
	if err != nil {
		return err
	}
	dispatcherOpts = append(dispatcherOpts,
		payouts.WithWorkers(cfg.Payouts.Workers),
		payouts.WithQueueSize(cfg.Payouts.QueueSize),
		payouts.WithTimeout(cfg.Payouts.Timeout.Duration),
		payouts.WithLogger(logger),
		payouts.WithMetrics(observability.Payouts()),
	)
	dispatcher, err := payouts.NewDispatcher(journal, dispatcherOpts...)
	if err != nil {
		return err
	}

	engine := connections.NewEngine(state.NewManager(db))
	engine.SetLogger(logger)
	engine.SetMetrics(observability.Ledger())
	engine.SetEmitter(emitter)
	engine.SetTransferer(dispatcher)
	engine.SetFunder(dispatcher)

	if err := bootstrap(engine, cfg, logger); err != nil {
		return err
	}
	logger.Info("cardledgerd configured", startupAttrs(cfg)...)

	server, err := rpc.NewServer(engine, rpc.ServerConfig{
		Auth: rpc.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: rpc.RateLimitConfig{
			Enabled:           cfg.RateLimit.Enabled,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			IdleTTL:           cfg.RateLimit.IdleTTL.Duration,
		},
		ReadHeaderTimeout: cfg.ReadHeaderTimeout.Duration,
	}, rpc.WithReceipts(dispatcher), rpc.WithHub(hub), rpc.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init rpc server: %w", err)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := dispatcher.Run(workerCtx); err != nil {
			logger.Error("payout dispatcher stopped", slog.Any("error", err))
		}
	}()
	defer func() {
		cancelWorkers()
		<-workersDone
	}()

	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddress, err)
	}
	errs := make(chan error, 1)
	go func() {
		errs <- server.Serve(ln)
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errs:
		return err
	}
}

// buildEmitter fans ledger events out to the websocket hub, the event
// counter and, when brokers are configured, Kafka.
func buildEmitter(cfg config.EventsConfig, logger *slog.Logger) (events.Emitter, func(), *events.Hub, error) {
	hub := events.NewHub(cfg.Backlog)
	fanout := events.Fanout{hub, observability.Events()}
	closer := func() {}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaEmitter(events.KafkaConfig{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaTopic,
			ClientID: cfg.KafkaClientID,
		}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init kafka events: %w", err)
		}
		fanout = append(fanout, kafka)
		closer = func() {
			if err := kafka.Close(); err != nil {
				logger.Warn("kafka emitter close failed", slog.Any("error", err))
			}
		}
	}
	return fanout, closer, hub, nil
}

func walletOptions(cfg config.PayoutsConfig, logger *slog.Logger) ([]payouts.Option, error) {
	switch cfg.Wallet {
	case config.WalletMemory:
		float, err := connections.ParseAmount(cfg.MemoryFloat)
		if err != nil {
			return nil, fmt.Errorf("payouts memory float: %w", err)
		}
		return []payouts.Option{payouts.WithWallet(config.WalletMemory, payouts.NewMemoryWallet(float))}, nil
	case config.WalletCustody:
		client := payouts.NewCustodyClient(cfg.CustodyEndpoint, cfg.CustodyToken, cfg.Timeout.Duration)
		return []payouts.Option{payouts.WithWallet(config.WalletCustody, client)}, nil
	case config.WalletNone, "":
		logger.Warn("no payout wallet configured; deposits are rejected and reward transfers recorded as failed")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown payout wallet %q", cfg.Wallet)
	}
}

// bootstrap applies AutoInitialize and seeds the ledger gauges.
func bootstrap(engine *connections.Engine, cfg *config.Config, logger *slog.Logger) error {
	initialized, err := engine.Initialized()
	if err != nil {
		return fmt.Errorf("read ledger state: %w", err)
	}
	if !initialized && cfg.AutoInitialize {
		amount, err := connections.ParseAmount(cfg.InitialTransferAmount)
		if err != nil {
			return fmt.Errorf("initial transfer amount: %w", err)
		}
		if _, err := engine.Initialize(connections.AccountID(cfg.Owner), amount); err != nil &&
			!errors.Is(err, connections.ErrAlreadyInitialized) {
			return fmt.Errorf("auto-initialize ledger: %w", err)
		}
		logger.Info("ledger initialized from config",
			slog.String("owner", cfg.Owner),
			slog.String("transferAmount", amount.String()))
	}
	summary, err := engine.Summary()
	if err != nil {
		return fmt.Errorf("read ledger summary: %w", err)
	}
	observability.Ledger().ObserveLedger(summary.TokenCount, summary.PoolBalance)
	if summary.Owner != "" {
		logger.Info("ledger ready",
			slog.Uint64("tokens", summary.TokenCount),
			slog.String("pool", summary.PoolBalance.String()),
			slog.String("transferAmount", summary.TransferAmount.String()))
	}
	return nil
}

// startupAttrs summarises the effective configuration with credentials
// masked.
func startupAttrs(cfg *config.Config) []any {
	return []any{
		slog.String("listen", cfg.ListenAddress),
		slog.String("dataDir", cfg.DataDir),
		slog.Bool("auth", cfg.Auth.Enabled),
		slog.String("hmacSecret", logging.MaskSecret(cfg.Auth.HMACSecret)),
		slog.String("wallet", cfg.Payouts.Wallet),
		slog.String("custodyEndpoint", cfg.Payouts.CustodyEndpoint),
		slog.String("custodyToken", logging.MaskSecret(cfg.Payouts.CustodyToken)),
	}
}
