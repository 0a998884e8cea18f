package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"cardledger/core/types"
	"cardledger/native/connections"
)

func TestLedgerMetrics(t *testing.T) {
	m := Ledger()
	require.Same(t, m, Ledger())

	before := testutil.ToFloat64(m.operations.WithLabelValues(connections.OpExchange, "ok"))
	m.ObserveOperation(connections.OpExchange, "")
	m.ObserveOperation(connections.OpExchange, "InsufficientFunds")
	require.Equal(t, before+1, testutil.ToFloat64(m.operations.WithLabelValues(connections.OpExchange, "ok")))

	m.ObserveLedger(4, connections.NewAmount(4999980))
	require.Equal(t, float64(4), testutil.ToFloat64(m.tokens))
	require.Equal(t, float64(4999980), testutil.ToFloat64(m.poolBalance))

	var nilMetrics *LedgerMetrics
	nilMetrics.ObserveOperation("x", "")
	nilMetrics.ObserveLedger(1, connections.NewAmount(1))
}

func TestModuleMetricsDefaults(t *testing.T) {
	m := ModuleMetrics()
	m.Observe("", "connections_getOwner", 0, time.Millisecond)
	m.RecordThrottle("", "")
	require.Equal(t, float64(1), testutil.ToFloat64(m.throttles.WithLabelValues("unknown", "unspecified")))
}

func TestEventMetricsCountsByType(t *testing.T) {
	m := Events()
	counter := m.emitted.WithLabelValues(connections.EventTypeDeposited)
	before := testutil.ToFloat64(counter)

	m.Emit(&types.Event{Type: connections.EventTypeDeposited})
	m.Emit(nil)
	require.Equal(t, before+1, testutil.ToFloat64(counter))

	m.RecordEvent("  ")
	require.Equal(t, float64(1), testutil.ToFloat64(m.emitted.WithLabelValues("unknown")))
}

func TestPayoutMetrics(t *testing.T) {
	m := Payouts()
	m.SetPending(3)
	require.Equal(t, float64(3), testutil.ToFloat64(m.pending))

	before := testutil.ToFloat64(m.dropped)
	m.RecordOverflow()
	require.Equal(t, before+1, testutil.ToFloat64(m.dropped))
}
