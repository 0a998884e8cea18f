package payouts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"cardledger/native/connections"
)

// CustodyClient is a Wallet backed by an external custody service speaking
// JSON-RPC 2.0.
type CustodyClient struct {
	endpoint  string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewCustodyClient constructs a client for endpoint. authToken is sent as a
// bearer token when non-empty.
func NewCustodyClient(endpoint, authToken string, timeout time.Duration) *CustodyClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CustodyClient{
		endpoint:  strings.TrimSpace(endpoint),
		authToken: strings.TrimSpace(authToken),
		http:      &http.Client{Timeout: timeout},
	}
}

type custodyRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type custodyResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *custodyError   `json:"error"`
}

type custodyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type custodyTransferResult struct {
	TxID string `json:"txId"`
}

type custodyDepositResult struct {
	Confirmed bool   `json:"confirmed"`
	From      string `json:"from"`
	Amount    string `json:"amount"`
}

// ErrDepositReference rejects custody deposits that carry no payment
// reference to verify.
var ErrDepositReference = errors.New("payouts: custody deposit reference required")

// Deposit implements DepositTaker. The custody service must confirm that the
// payment named by reference came from the depositor for exactly amount.
func (c *CustodyClient) Deposit(ctx context.Context, from connections.AccountID, amount connections.Amount, reference string) error {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return ErrDepositReference
	}
	params := map[string]string{
		"reference": reference,
		"from":      from.String(),
		"amount":    amount.String(),
	}
	var result custodyDepositResult
	if err := c.call(ctx, "custody_confirmDeposit", []interface{}{params}, &result); err != nil {
		return err
	}
	if !result.Confirmed {
		return fmt.Errorf("custody did not confirm deposit %s", reference)
	}
	if result.From != "" && connections.AccountID(result.From).Normalize() != from.Normalize() {
		return fmt.Errorf("custody deposit %s came from %s", reference, result.From)
	}
	confirmed, err := connections.ParseAmount(result.Amount)
	if err != nil {
		return fmt.Errorf("custody deposit %s: %w", reference, err)
	}
	if confirmed.Cmp(amount) != 0 {
		return fmt.Errorf("custody deposit %s holds %s, not %s", reference, confirmed, amount)
	}
	return nil
}

// Transfer implements Wallet by calling custody_transfer.
func (c *CustodyClient) Transfer(ctx context.Context, to connections.AccountID, amount connections.Amount, reference string) (string, error) {
	params := map[string]string{
		"to":        to.String(),
		"amount":    amount.String(),
		"reference": reference,
	}
	var result custodyTransferResult
	if err := c.call(ctx, "custody_transfer", []interface{}{params}, &result); err != nil {
		return "", err
	}
	if strings.TrimSpace(result.TxID) == "" {
		return "", errors.New("custody rpc returned empty txId")
	}
	return result.TxID, nil
}

func (c *CustodyClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	buf, err := json.Marshal(custodyRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("custody rpc %s failed: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var rpcResp custodyResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("custody rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("custody rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
