package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cardledger/core/events"
	"cardledger/core/state"
	"cardledger/native/connections"
	"cardledger/services/payouts"
	"cardledger/storage"
)

const testJWTSecret = "rpc-test-secret"

type testEnv struct {
	engine     *connections.Engine
	dispatcher *payouts.Dispatcher
	wallet     *payouts.MemoryWallet
	hub        *events.Hub
	server     *Server
	http       *httptest.Server
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t testing.TB, cfg ServerConfig) *testEnv {
	t.Helper()
	engine := connections.NewEngine(state.NewManager(storage.NewMemDB()))
	engine.SetLogger(quietLogger())

	journal, err := payouts.OpenJournal(filepath.Join(t.TempDir(), "payouts.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	wallet := payouts.NewMemoryWallet(connections.Amount{})
	dispatcher, err := payouts.NewDispatcher(journal,
		payouts.WithWallet("memory", wallet),
		payouts.WithLogger(quietLogger()))
	require.NoError(t, err)
	engine.SetTransferer(dispatcher)
	engine.SetFunder(dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dispatcher.Run(ctx)
	}()

	hub := events.NewHub(32)
	engine.SetEmitter(hub)

	srv, err := NewServer(engine, cfg,
		WithReceipts(dispatcher),
		WithHub(hub),
		WithLogger(quietLogger()))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return &testEnv{engine: engine, dispatcher: dispatcher, wallet: wallet, hub: hub, server: srv, http: ts}
}

type rawResponse struct {
	status int
	body   struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
}

// call posts a JSON-RPC request. headers are applied verbatim.
func (env *testEnv) call(t testing.TB, method string, params interface{}, headers map[string]string) rawResponse {
	t.Helper()
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		payload["params"] = params
	}
	buf, err := json.Marshal(payload)
	require.NoError(t, err)
	return env.post(t, buf, headers)
}

func (env *testEnv) post(t testing.TB, body []byte, headers map[string]string) rawResponse {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out rawResponse
	out.status = resp.StatusCode
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out.body))
	return out
}

func as(account string) map[string]string {
	return map[string]string{HeaderAccountID: account}
}

func bearer(t testing.TB, account string) map[string]string {
	t.Helper()
	token, err := IssueToken(testJWTSecret, connections.AccountID(account), "rpc-tests", "unit-tests", time.Minute)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeResult(t testing.TB, resp rawResponse, out interface{}) {
	t.Helper()
	require.Nil(t, resp.body.Error, "unexpected rpc error")
	require.NoError(t, json.Unmarshal(resp.body.Result, out))
}

// seed initializes the ledger with alice as owner and funds the pool.
func (env *testEnv) seed(t testing.TB, transfer, pool string) {
	t.Helper()
	_, err := env.engine.Initialize("alice.testnet", connections.MustParseAmount(transfer))
	require.NoError(t, err)
	if pool != "0" {
		_, err = env.engine.Deposit("alice.testnet", connections.MustParseAmount(pool))
		require.NoError(t, err)
	}
}
