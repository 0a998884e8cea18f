package payouts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"cardledger/native/connections"
	"cardledger/observability"
	telemetry "cardledger/observability/otel"
)

const (
	defaultQueueSize = 1024
	defaultWorkers   = 2
	defaultTimeout   = 15 * time.Second
)

var (
	// ErrWalletNotConfigured is recorded on receipts processed without a wallet.
	ErrWalletNotConfigured = errors.New("payouts: wallet not configured")
	// ErrDepositsUnsupported rejects deposits when the wallet cannot take them.
	ErrDepositsUnsupported = errors.New("payouts: wallet does not accept deposits")
)

// Dispatcher journals reward transfers and settles them in the background.
// It satisfies connections.Transferer: Dispatch never blocks and outcomes
// never flow back into the ledger.
type Dispatcher struct {
	journal    *Journal
	wallet     Wallet
	walletName string
	queue      chan Receipt
	workers    int
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *observability.PayoutMetrics
	counter    metric.Int64Counter
	now        func() time.Time

	recovered []Receipt
	inFlight  atomic.Int64
	running   atomic.Bool
}

var (
	_ connections.Transferer = (*Dispatcher)(nil)
	_ connections.Funder     = (*Dispatcher)(nil)
)

// Option customises the dispatcher instance.
type Option func(*Dispatcher)

// WithWallet supplies the wallet and the label used in metrics.
func WithWallet(name string, w Wallet) Option {
	return func(d *Dispatcher) {
		d.wallet = w
		d.walletName = name
	}
}

// WithWorkers sets the number of concurrent settlement workers.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueueSize bounds the number of transfers waiting for a worker.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Receipt, n)
		}
	}
}

// WithTimeout bounds a single wallet call.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.PayoutMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.now = clock
		}
	}
}

// NewDispatcher constructs a dispatcher over journal. Receipts the journal
// still holds as pending are remembered and re-queued when Run starts.
func NewDispatcher(journal *Journal, opts ...Option) (*Dispatcher, error) {
	if journal == nil {
		return nil, fmt.Errorf("payouts: journal required")
	}
	d := &Dispatcher{
		journal:    journal,
		walletName: "none",
		queue:      make(chan Receipt, defaultQueueSize),
		workers:    defaultWorkers,
		timeout:    defaultTimeout,
		logger:     slog.Default(),
		metrics:    observability.Payouts(),
		counter:    dispatchCounter(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	recovered, err := journal.Pending()
	if err != nil {
		return nil, fmt.Errorf("payouts: load pending receipts: %w", err)
	}
	d.recovered = recovered
	return d, nil
}

// Dispatch implements connections.Transferer.
func (d *Dispatcher) Dispatch(t connections.Transfer) {
	receipt := newReceipt(t, d.now())
	if err := d.journal.Append(&receipt); err != nil {
		d.logger.Error("payout journal append failed",
			slog.String("transferId", t.ID),
			slog.String("recipient", t.Recipient.String()),
			slog.String("amount", t.Amount.String()),
			slog.Any("error", err))
		d.record("journal_error")
		return
	}
	d.enqueue(receipt)
}

func (d *Dispatcher) enqueue(receipt Receipt) {
	d.metrics.SetPending(int(d.inFlight.Add(1)))
	select {
	case d.queue <- receipt:
	default:
		d.metrics.SetPending(int(d.inFlight.Add(-1)))
		d.metrics.RecordOverflow()
		d.record("overflow")
		d.logger.Warn("payout queue full; transfer left pending",
			slog.String("transferId", receipt.ID))
	}
}

// Fund implements connections.Funder by depositing into the wallet. The
// ledger credits the pool only when this returns nil.
func (d *Dispatcher) Fund(f connections.Funding) error {
	if d.wallet == nil {
		return ErrWalletNotConfigured
	}
	taker, ok := d.wallet.(DepositTaker)
	if !ok {
		return ErrDepositsUnsupported
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := taker.Deposit(ctx, f.Depositor, f.Amount, f.Reference); err != nil {
		d.logger.Warn("payout wallet rejected deposit",
			slog.String("from", f.Depositor.String()),
			slog.String("amount", f.Amount.String()),
			slog.String("reference", f.Reference),
			slog.Any("error", err))
		return err
	}
	return nil
}

// Run starts the workers, re-queues recovered receipts and blocks until ctx
// is cancelled and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("payouts: dispatcher already running")
	}
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}

	recovered := d.recovered
	d.recovered = nil
	if len(recovered) > 0 {
		d.logger.Info("re-queueing pending payouts", slog.Int("count", len(recovered)))
	}
	for _, receipt := range recovered {
		d.metrics.SetPending(int(d.inFlight.Add(1)))
		select {
		case d.queue <- receipt:
		case <-ctx.Done():
			d.metrics.SetPending(int(d.inFlight.Add(-1)))
		}
	}

	wg.Wait()
	return nil
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case receipt := <-d.queue:
			d.settle(ctx, receipt)
			d.metrics.SetPending(int(d.inFlight.Add(-1)))
		}
	}
}

func (d *Dispatcher) settle(ctx context.Context, receipt Receipt) {
	current, ok, err := d.journal.Get(receipt.ID)
	if err != nil || !ok || current.Status != StatusPending {
		return
	}

	var (
		reference string
		transfer  error
	)
	ctx, span := telemetry.Tracer("cardledger/payouts").Start(ctx, "payouts.settle",
		trace.WithAttributes(
			attribute.String("transfer.id", receipt.ID),
			attribute.String("wallet", d.walletName),
		))
	defer span.End()

	start := d.now()
	if d.wallet == nil {
		transfer = ErrWalletNotConfigured
	} else {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		reference, transfer = d.wallet.Transfer(callCtx, receipt.Recipient, receipt.Amount, receipt.ID)
		cancel()
		d.metrics.ObserveLatency(d.walletName, d.now().Sub(start))
	}
	if transfer != nil && ctx.Err() != nil {
		// Shutdown interrupted the call; leave it pending for the next start.
		return
	}

	updated, err := d.journal.Update(receipt.ID, func(r *Receipt) error {
		r.UpdatedAt = d.now().UTC()
		if transfer != nil {
			r.Status = StatusFailed
			r.Reason = transfer.Error()
			return nil
		}
		r.Status = StatusSettled
		r.Reference = reference
		return nil
	})
	if transfer != nil {
		span.RecordError(transfer)
	}
	if err != nil {
		d.logger.Error("payout journal update failed", slog.String("transferId", receipt.ID), slog.Any("error", err))
		return
	}
	d.metrics.RecordOutcome(string(updated.Status))
	d.record(string(updated.Status))
	if transfer != nil {
		d.logger.Warn("payout failed",
			slog.String("transferId", updated.ID),
			slog.String("recipient", updated.Recipient.String()),
			slog.String("amount", updated.Amount.String()),
			slog.String("reason", updated.Reason))
		return
	}
	d.logger.Info(fmt.Sprintf("Transferred %s to %s", updated.Amount, updated.Recipient),
		slog.String("transferId", updated.ID),
		slog.String("reference", updated.Reference))
}

// Receipt returns the journaled receipt for id.
func (d *Dispatcher) Receipt(id string) (Receipt, bool, error) {
	return d.journal.Get(id)
}

// Receipts lists up to limit receipts, newest first.
func (d *Dispatcher) Receipts(limit int) ([]Receipt, error) {
	return d.journal.List(limit)
}

func (d *Dispatcher) record(status string) {
	if d.counter == nil {
		return
	}
	d.counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

var (
	counterOnce   sync.Once
	sharedCounter metric.Int64Counter
)

func dispatchCounter() metric.Int64Counter {
	counterOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("cardledger/payouts")
		counter, err := meter.Int64Counter("cardledger.payouts.transfers")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("cardledger/payouts")
			counter, _ = fallback.Int64Counter("cardledger.payouts.transfers")
		}
		sharedCounter = counter
	})
	return sharedCounter
}
