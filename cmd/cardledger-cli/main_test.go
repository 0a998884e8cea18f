package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"cardledger/core/state"
	"cardledger/native/connections"
	"cardledger/rpc"
	"cardledger/storage"
)

func startServer(t *testing.T) string {
	t.Helper()
	engine := connections.NewEngine(state.NewManager(storage.NewMemDB()))
	engine.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv, err := rpc.NewServer(engine, rpc.ServerConfig{}, rpc.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL + "/rpc"
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCLIExchangeFlow(t *testing.T) {
	endpoint := startServer(t)

	code, out, errOut := runCLI(t, "--rpc", endpoint, "init", "--owner", "alice.testnet", "--transfer-amount", "10")
	require.Zero(t, code, errOut)
	require.Contains(t, out, `"owner": "alice.testnet"`)

	code, out, errOut = runCLI(t, "--rpc", endpoint, "--account", "alice.testnet", "deposit", "--reference", "pay-1", "5000000")
	require.Zero(t, code, errOut)
	require.Contains(t, out, `"reference": "pay-1"`)

	code, out, errOut = runCLI(t, "--rpc", endpoint, "--account", "alice.testnet", "exchange", "--with", "bob.testnet", "--event", "ETHDenver")
	require.Zero(t, code, errOut)
	require.Contains(t, out, `"tokenIdB": 2`)

	code, out, _ = runCLI(t, "--rpc", endpoint, "pool")
	require.Zero(t, code)
	require.Equal(t, `"4999990"`, strings.TrimSpace(out))

	code, out, _ = runCLI(t, "--rpc", endpoint, "token", "2")
	require.Zero(t, code)
	require.Contains(t, out, `"party_a": "alice.testnet"`)

	code, out, _ = runCLI(t, "--rpc", endpoint, "token", "99")
	require.Zero(t, code)
	require.Equal(t, "null", strings.TrimSpace(out))
}

func TestCLIReportsRPCErrors(t *testing.T) {
	endpoint := startServer(t)

	code, _, errOut := runCLI(t, "--rpc", endpoint, "--account", "bob.testnet", "set-transfer-amount", "5")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "Error -32002")

	code, _, errOut = runCLI(t, "--rpc", endpoint, "deposit", "5")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "Error -32001")
}

func TestCLIValidatesArguments(t *testing.T) {
	code, _, errOut := runCLI(t, "deposit")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "Usage")

	code, _, errOut = runCLI(t, "deposit", "3x")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "Error:")

	code, _, errOut = runCLI(t, "exchange")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "--with is required")

	code, _, errOut = runCLI(t, "frobnicate")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "Unknown command")
}

func TestCLIIssueToken(t *testing.T) {
	code, out, errOut := runCLI(t, "issue-token", "--secret", "s3cret", "--account", "alice.testnet")
	require.Zero(t, code, errOut)
	require.Equal(t, 3, len(strings.Split(strings.TrimSpace(out), ".")))

	code, _, _ = runCLI(t, "issue-token", "--secret", "s3cret")
	require.Equal(t, 1, code)
}
