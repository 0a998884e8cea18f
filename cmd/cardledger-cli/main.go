package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"cardledger/native/connections"
	"cardledger/rpc"
)

const usage = `Usage: cardledger-cli [--rpc URL] [--token JWT] [--account ID] <command> [args]

Commands:
  init --owner ID --transfer-amount N    bootstrap the ledger
  deposit [--reference R] N              add N to the reward pool
  exchange --with ID [--event NAME]      exchange cards with another account
  set-transfer-amount N                  change the reward (owner only)
  token ID                               show one connection token
  tokens OWNER                           list tokens held by OWNER
  pool                                   show the pool balance
  count                                  show the number of minted tokens
  transfer-amount                        show the reward per exchange
  owner                                  show the ledger owner
  summary                                show all ledger scalars
  receipt ID                             show one payout receipt
  receipts [--limit N]                   list recent payout receipts
  issue-token --secret S --account ID    mint a caller token for development

Environment:
  CARDLEDGER_RPC_URL, CARDLEDGER_RPC_TOKEN, CARDLEDGER_ACCOUNT`

type globalOptions struct {
	endpoint string
	token    string
	account  string
	timeout  time.Duration
}

// caller is the subset of rpc.Client used by commands.
type caller interface {
	Call(ctx context.Context, method string, params interface{}, out interface{}) error
}

var newCaller = func(opts globalOptions) caller {
	return rpc.NewClient(opts.endpoint, opts.token, opts.account)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts := globalOptions{
		endpoint: envOr("CARDLEDGER_RPC_URL", "http://127.0.0.1:8547/rpc"),
		token:    os.Getenv("CARDLEDGER_RPC_TOKEN"),
		account:  os.Getenv("CARDLEDGER_ACCOUNT"),
	}
	fs := flag.NewFlagSet("cardledger-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage) }
	fs.StringVar(&opts.endpoint, "rpc", opts.endpoint, "JSON-RPC endpoint")
	fs.StringVar(&opts.token, "token", opts.token, "bearer token for mutating calls")
	fs.StringVar(&opts.account, "account", opts.account, "caller account when the server runs without auth")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage)
		return 1
	}

	if rest[0] == "issue-token" {
		return runIssueToken(rest[1:], stdout, stderr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	client := newCaller(opts)

	command, cmdArgs := rest[0], rest[1:]
	switch command {
	case "init":
		return runInit(ctx, client, cmdArgs, stdout, stderr)
	case "deposit":
		return runDeposit(ctx, client, cmdArgs, stdout, stderr)
	case "exchange":
		return runExchange(ctx, client, cmdArgs, stdout, stderr)
	case "set-transfer-amount":
		return runAmountCommand(ctx, client, "connections_setTransferAmount", "set-transfer-amount", cmdArgs, stdout, stderr)
	case "token":
		return runGetToken(ctx, client, cmdArgs, stdout, stderr)
	case "tokens":
		if len(cmdArgs) != 1 {
			fmt.Fprintln(stderr, "Usage: cardledger-cli tokens <owner>")
			return 1
		}
		return callAndPrint(ctx, client, "connections_getTokensByOwner", map[string]string{"accountId": cmdArgs[0]}, stdout, stderr)
	case "pool":
		return callAndPrint(ctx, client, "connections_getPoolBalance", nil, stdout, stderr)
	case "count":
		return callAndPrint(ctx, client, "connections_getTokenCount", nil, stdout, stderr)
	case "transfer-amount":
		return callAndPrint(ctx, client, "connections_getTransferAmount", nil, stdout, stderr)
	case "owner":
		return callAndPrint(ctx, client, "connections_getOwner", nil, stdout, stderr)
	case "summary":
		return callAndPrint(ctx, client, "connections_getSummary", nil, stdout, stderr)
	case "receipt":
		if len(cmdArgs) != 1 {
			fmt.Fprintln(stderr, "Usage: cardledger-cli receipt <id>")
			return 1
		}
		return callAndPrint(ctx, client, "payouts_getReceipt", map[string]string{"id": cmdArgs[0]}, stdout, stderr)
	case "receipts":
		return runListReceipts(ctx, client, cmdArgs, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		fmt.Fprintln(stderr, usage)
		return 1
	}
}

func runInit(ctx context.Context, client caller, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("init", stderr)
	var owner, amount string
	fs.StringVar(&owner, "owner", "", "owner account id")
	fs.StringVar(&amount, "transfer-amount", "", "reward per exchange in the smallest unit")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(owner) == "" {
		return printError(stderr, errors.New("--owner is required"))
	}
	parsed, err := connections.ParseAmount(amount)
	if err != nil {
		return printError(stderr, fmt.Errorf("--transfer-amount: %w", err))
	}
	params := map[string]interface{}{"owner": owner, "transferAmount": parsed}
	return callAndPrint(ctx, client, "connections_initialize", params, stdout, stderr)
}

func runAmountCommand(ctx context.Context, client caller, method, name string, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintf(stderr, "Usage: cardledger-cli %s <amount>\n", name)
		return 1
	}
	amount, err := connections.ParseAmount(args[0])
	if err != nil {
		return printError(stderr, err)
	}
	return callAndPrint(ctx, client, method, map[string]interface{}{"amount": amount}, stdout, stderr)
}

func runDeposit(ctx context.Context, client caller, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("deposit", stderr)
	reference := fs.String("reference", "", "custody payment reference backing the deposit")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: cardledger-cli deposit [--reference R] <amount>")
		return 1
	}
	amount, err := connections.ParseAmount(fs.Arg(0))
	if err != nil {
		return printError(stderr, err)
	}
	params := map[string]interface{}{"amount": amount}
	if ref := strings.TrimSpace(*reference); ref != "" {
		params["reference"] = ref
	}
	return callAndPrint(ctx, client, "connections_deposit", params, stdout, stderr)
}

func runExchange(ctx context.Context, client caller, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("exchange", stderr)
	var partyB, eventName string
	fs.StringVar(&partyB, "with", "", "account to exchange cards with")
	fs.StringVar(&eventName, "event", "", "free-form event label")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(partyB) == "" {
		return printError(stderr, errors.New("--with is required"))
	}
	params := map[string]string{"partyB": partyB, "eventName": eventName}
	return callAndPrint(ctx, client, "connections_exchange", params, stdout, stderr)
}

func runGetToken(ctx context.Context, client caller, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: cardledger-cli token <id>")
		return 1
	}
	id, err := strconv.ParseUint(strings.TrimSpace(args[0]), 10, 64)
	if err != nil {
		return printError(stderr, fmt.Errorf("invalid token id %q", args[0]))
	}
	return callAndPrint(ctx, client, "connections_getToken", map[string]uint64{"tokenId": id}, stdout, stderr)
}

func runListReceipts(ctx context.Context, client caller, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("receipts", stderr)
	limit := fs.Int("limit", 20, "maximum receipts to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return callAndPrint(ctx, client, "payouts_listReceipts", map[string]int{"limit": *limit}, stdout, stderr)
}

func runIssueToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("issue-token", stderr)
	var secret, account, issuer, audience string
	var ttl time.Duration
	fs.StringVar(&secret, "secret", os.Getenv("CARDLEDGER_HMAC_SECRET"), "HMAC secret shared with the server")
	fs.StringVar(&account, "account", "", "account placed in the sub claim")
	fs.StringVar(&issuer, "issuer", "", "optional iss claim")
	fs.StringVar(&audience, "audience", "", "optional aud claim")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	token, err := rpc.IssueToken(secret, connections.AccountID(account), issuer, audience, ttl)
	if err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func callAndPrint(ctx context.Context, client caller, method string, params interface{}, stdout, stderr io.Writer) int {
	var result json.RawMessage
	if err := client.Call(ctx, method, params, &result); err != nil {
		return printError(stderr, err)
	}
	var pretty interface{}
	if err := json.Unmarshal(result, &pretty); err != nil {
		return printError(stderr, fmt.Errorf("decode response: %w", err))
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}

func printError(stderr io.Writer, err error) int {
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		fmt.Fprintf(stderr, "Error %d: %s\n", rpcErr.Code, rpcErr.Message)
		return 1
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
