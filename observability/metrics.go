package observability

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cardledger/native/connections"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	payoutMetricsOnce sync.Once
	payoutRegistry    *PayoutMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cardledger",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cardledger",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by module, method, and error code.",
			}, []string{"module", "method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cardledger",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cardledger",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a JSON-RPC call. code is zero on success and
// the JSON-RPC error code otherwise.
func (m *moduleMetrics) Observe(module, method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", code)).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// LedgerMetrics tracks connection ledger activity. It satisfies
// connections.Metrics.
type LedgerMetrics struct {
	operations  *prometheus.CounterVec
	tokens      prometheus.Gauge
	poolBalance prometheus.Gauge
}

var _ connections.Metrics = (*LedgerMetrics)(nil)

// Ledger exposes the metrics registry for the connection ledger.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cardledger",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Count of ledger operations segmented by operation and outcome reason.",
			}, []string{"operation", "outcome"}),
			tokens: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cardledger",
				Subsystem: "ledger",
				Name:      "tokens_minted",
				Help:      "Number of connection tokens minted so far.",
			}),
			poolBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cardledger",
				Subsystem: "ledger",
				Name:      "pool_balance",
				Help:      "Reward pool balance in the smallest unit. Precision is lost above 2^53.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.tokens,
			ledgerRegistry.poolBalance,
		)
	})
	return ledgerRegistry
}

// ObserveOperation counts one ledger operation. An empty reason is a success.
func (m *LedgerMetrics) ObserveOperation(op, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "ok"
	}
	m.operations.WithLabelValues(op, reason).Inc()
}

// ObserveLedger updates the token and pool gauges.
func (m *LedgerMetrics) ObserveLedger(tokenCount uint64, pool connections.Amount) {
	if m == nil {
		return
	}
	m.tokens.Set(float64(tokenCount))
	m.poolBalance.Set(bigToFloat(pool.Uint256().ToBig()))
}

// PayoutMetrics wraps collectors tracking reward transfer health.
type PayoutMetrics struct {
	latency  *prometheus.HistogramVec
	outcomes *prometheus.CounterVec
	pending  prometheus.Gauge
	dropped  prometheus.Counter
}

// Payouts exposes the metrics registry for the payout dispatcher.
func Payouts() *PayoutMetrics {
	payoutMetricsOnce.Do(func() {
		payoutRegistry = &PayoutMetrics{
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cardledger",
				Subsystem: "payouts",
				Name:      "transfer_latency_seconds",
				Help:      "Latency distribution for wallet transfers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"wallet"}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cardledger",
				Subsystem: "payouts",
				Name:      "transfers_total",
				Help:      "Count of reward transfers segmented by final status.",
			}, []string{"status"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cardledger",
				Subsystem: "payouts",
				Name:      "pending",
				Help:      "Number of transfers queued or in flight.",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cardledger",
				Subsystem: "payouts",
				Name:      "queue_overflow_total",
				Help:      "Transfers left pending in the journal because the queue was full.",
			}),
		}
		prometheus.MustRegister(
			payoutRegistry.latency,
			payoutRegistry.outcomes,
			payoutRegistry.pending,
			payoutRegistry.dropped,
		)
	})
	return payoutRegistry
}

// ObserveLatency records how long a wallet transfer took.
func (m *PayoutMetrics) ObserveLatency(wallet string, d time.Duration) {
	if m == nil {
		return
	}
	if wallet = strings.TrimSpace(wallet); wallet == "" {
		wallet = "unknown"
	}
	m.latency.WithLabelValues(wallet).Observe(d.Seconds())
}

// RecordOutcome counts a transfer reaching status.
func (m *PayoutMetrics) RecordOutcome(status string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(status).Inc()
}

// SetPending sets the in-flight gauge.
func (m *PayoutMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// RecordOverflow counts a transfer that could not be queued.
func (m *PayoutMetrics) RecordOverflow() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
