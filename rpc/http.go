package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cardledger/core/events"
	"cardledger/native/connections"
	"cardledger/observability"
	"cardledger/services/payouts"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError         = -32700
	codeInvalidRequest     = -32600
	codeMethodNotFound     = -32601
	codeInvalidParams      = -32602
	codeServerError        = -32000
	codeUnauthorized       = -32001
	codePreconditionFailed = -32002
	codeRateLimited        = -32020
)

// Ledger is the connection ledger surface exposed over RPC.
type Ledger interface {
	Initialize(owner connections.AccountID, transferAmount connections.Amount) (connections.Summary, error)
	DepositWithReference(caller connections.AccountID, value connections.Amount, reference string) (connections.DepositResult, error)
	Exchange(caller, partyB connections.AccountID, eventName string) (connections.ExchangeResult, error)
	SetTransferAmount(caller connections.AccountID, amount connections.Amount) error
	GetToken(id uint64) (*connections.ConnectionToken, bool, error)
	GetTokensByOwner(account connections.AccountID) ([]connections.ConnectionToken, error)
	GetPoolBalance() (connections.Amount, error)
	GetTokenCount() (uint64, error)
	GetTransferAmount() (connections.Amount, error)
	GetOwner() (connections.AccountID, error)
	Summary() (connections.Summary, error)
}

// ReceiptStore serves payout receipts.
type ReceiptStore interface {
	Receipt(id string) (payouts.Receipt, bool, error)
	Receipts(limit int) ([]payouts.Receipt, error)
}

// ServerConfig bundles the HTTP surface settings.
type ServerConfig struct {
	Auth              AuthConfig
	RateLimit         RateLimitConfig
	ReadHeaderTimeout time.Duration
}

// Server exposes the ledger over JSON-RPC 2.0 plus health, metrics and an
// event stream.
type Server struct {
	ledger   Ledger
	receipts ReceiptStore
	hub      *events.Hub
	auth     *Authenticator
	limiter  *RateLimiter
	logger   *slog.Logger
	metrics  interface {
		Observe(module, method string, code int, duration time.Duration)
		RecordThrottle(module, reason string)
	}
	router            chi.Router
	readHeaderTimeout time.Duration

	serverMu   sync.Mutex
	httpServer *http.Server
}

// Option customises the server.
type Option func(*Server)

// WithReceipts exposes payout receipts through payouts_* methods.
func WithReceipts(store ReceiptStore) Option {
	return func(s *Server) { s.receipts = store }
}

// WithHub enables the /ws/events stream.
func WithHub(hub *events.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer wires the router.
func NewServer(ledger Ledger, cfg ServerConfig, opts ...Option) (*Server, error) {
	if ledger == nil {
		return nil, fmt.Errorf("rpc: ledger required")
	}
	s := &Server{
		ledger:            ledger,
		logger:            slog.Default(),
		metrics:           observability.ModuleMetrics(),
		limiter:           NewRateLimiter(cfg.RateLimit),
		readHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	auth, err := NewAuthenticator(cfg.Auth, s.logger)
	if err != nil {
		return nil, err
	}
	s.auth = auth
	if s.readHeaderTimeout <= 0 {
		s.readHeaderTimeout = 5 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/events", s.handleEventsWS)
	r.Method(http.MethodPost, "/rpc", otelhttp.NewHandler(http.HandlerFunc(s.handle), "rpc"))
	s.router = r
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.readHeaderTimeout,
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()
	s.logger.Info("rpc server listening", slog.String("addr", ln.Addr().String()))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	srv := s.httpServer
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`

	status int
}

func (e *RPCError) Error() string { return e.Message }

func newError(status, code int, message string, data interface{}) *RPCError {
	return &RPCError{Code: code, Message: message, Data: data, status: status}
}

func invalidParams(message string, err error) *RPCError {
	var data interface{}
	if err != nil {
		data = err.Error()
	}
	return newError(http.StatusBadRequest, codeInvalidParams, message, data)
}

// ledgerError maps engine failures onto JSON-RPC errors.
func ledgerError(err error) *RPCError {
	reason := connections.Reason(err)
	data := map[string]string{"reason": reason}
	switch reason {
	case "Unauthorized":
		return newError(http.StatusForbidden, codeUnauthorized, err.Error(), data)
	case "Internal":
		return newError(http.StatusInternalServerError, codeServerError, "internal error", data)
	case "InvalidAmount", "AccountRequired":
		return newError(http.StatusBadRequest, codeInvalidParams, err.Error(), data)
	default:
		return newError(http.StatusConflict, codePreconditionFailed, "precondition_failed: "+err.Error(), data)
	}
}

func writeError(w http.ResponseWriter, id json.RawMessage, rpcErr *RPCError) {
	status := rpcErr.status
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: nullID(id), Error: rpcErr})
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	if result == nil {
		// A JSON null result must still be present on the wire.
		_ = json.NewEncoder(w).Encode(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Result  interface{}     `json:"result"`
		}{jsonRPCVersion, nullID(id), nil})
		return
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: nullID(id), Result: result})
}

func nullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := s.ledger.GetTokenCount(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type methodHandler func(r *http.Request, caller connections.AccountID, params json.RawMessage) (interface{}, *RPCError)

type method struct {
	handler       methodHandler
	requireCaller bool
}

func (s *Server) methods() map[string]method {
	return map[string]method{
		"connections_initialize":        {handler: s.handleInitialize},
		"connections_deposit":           {handler: s.handleDeposit, requireCaller: true},
		"connections_exchange":          {handler: s.handleExchange, requireCaller: true},
		"connections_setTransferAmount": {handler: s.handleSetTransferAmount, requireCaller: true},
		"connections_getToken":          {handler: s.handleGetToken},
		"connections_getTokensByOwner":  {handler: s.handleGetTokensByOwner},
		"connections_getPoolBalance":    {handler: s.handleGetPoolBalance},
		"connections_getTokenCount":     {handler: s.handleGetTokenCount},
		"connections_getTransferAmount": {handler: s.handleGetTransferAmount},
		"connections_getOwner":          {handler: s.handleGetOwner},
		"connections_getSummary":        {handler: s.handleGetSummary},
		"payouts_getReceipt":            {handler: s.handleGetReceipt},
		"payouts_listReceipts":          {handler: s.handleListReceipts},
	}
}

// handle is the JSON-RPC entry point.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, nil, newError(status, codeInvalidRequest, message, err.Error()))
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, nil, newError(http.StatusBadRequest, codeInvalidRequest, "request body required", nil))
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, nil, newError(http.StatusBadRequest, codeParseError, "invalid JSON payload", err.Error()))
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, req.ID, newError(http.StatusBadRequest, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC))
		return
	}
	if req.Method == "" {
		writeError(w, req.ID, newError(http.StatusBadRequest, codeInvalidRequest, "method required", nil))
		return
	}

	start := time.Now()
	module, _, _ := strings.Cut(req.Method, "_")
	result, rpcErr := s.dispatch(r, req, module)
	code := 0
	if rpcErr != nil {
		code = rpcErr.Code
		writeError(w, req.ID, rpcErr)
	} else {
		writeResult(w, req.ID, result)
	}
	s.metrics.Observe(module, req.Method, code, time.Since(start))
}

func (s *Server) dispatch(r *http.Request, req *RPCRequest, module string) (interface{}, *RPCError) {
	m, ok := s.methods()[req.Method]
	if !ok {
		return nil, newError(http.StatusNotFound, codeMethodNotFound, fmt.Sprintf("method %s not found", req.Method), nil)
	}
	var caller connections.AccountID
	if m.requireCaller {
		account, err := s.auth.Caller(r)
		if err != nil {
			return nil, newError(http.StatusUnauthorized, codeUnauthorized, err.Error(), nil)
		}
		caller = account
		if !s.limiter.Allow(caller.String()) {
			s.metrics.RecordThrottle(module, "rate_limit")
			return nil, newError(http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded", nil)
		}
	} else if !s.limiter.Allow("ip:" + clientIP(r)) {
		s.metrics.RecordThrottle(module, "rate_limit")
		return nil, newError(http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded", nil)
	}
	return m.handler(r, caller, req.Params)
}

// decodeParams accepts either a params object or a single-element array
// wrapping one. Absent params decode to the zero value.
func decodeParams(raw json.RawMessage, out interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		switch len(list) {
		case 0:
			return nil
		case 1:
			trimmed = list[0]
		default:
			return fmt.Errorf("expected a single parameter object, got %d", len(list))
		}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
