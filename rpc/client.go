package rpc

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
)

// Client is a thin JSON-RPC client for cardledgerd.
type Client struct {
	endpoint  string
	authToken string
	account   string
	http      *http.Client
	nextID    atomic.Int64
}

// NewClient targets endpoint (the full /rpc URL). authToken is sent as a
// bearer token; account is sent as X-Account-Id for servers running without
// authentication.
func NewClient(endpoint, authToken, account string) *Client {
	return &Client{
		endpoint:  strings.TrimSpace(endpoint),
		authToken: strings.TrimSpace(authToken),
		account:   strings.TrimSpace(account),
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

type clientRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int64       `json:"id"`
}

type clientResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Call invokes method with params and decodes the result into out. out may
// be nil. JSON-RPC errors are returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	buf, err := json.Marshal(clientRequest{
		JSONRPC: jsonRPCVersion,
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
	if c.account != "" {
		req.Header.Set(HeaderAccountID, c.account)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBytes))
	if err != nil {
		return err
	}
	var rpcResp clientResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("rpc %s failed: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if rpcResp.Error != nil {
		rpcResp.Error.status = resp.StatusCode
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
