package connections

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cardledger/core/events"
	"cardledger/core/state"
	"cardledger/core/types"
)

// Operation names reported to Metrics.
const (
	OpInitialize        = "initialize"
	OpDeposit           = "deposit"
	OpExchange          = "exchange"
	OpSetTransferAmount = "set_transfer_amount"
)

// Metrics receives operation outcomes and ledger gauges. reason is empty on
// success and a Reason code otherwise.
type Metrics interface {
	ObserveOperation(op, reason string)
	ObserveLedger(tokenCount uint64, poolBalance Amount)
}

// Engine is the connection ledger state machine. Every mutating operation
// runs under one lock and commits its writes as a single batch; nothing is
// persisted when an operation fails.
type Engine struct {
	mu         sync.RWMutex
	state      *state.Manager
	emitter    events.Emitter
	transferer Transferer
	funder     Funder
	metrics    Metrics
	logger     *slog.Logger
	nowFn      func() uint64
	newID      func() string
}

// NewEngine constructs an engine over the provided state manager with
// default dependencies.
func NewEngine(manager *state.Manager) *Engine {
	return &Engine{
		state:      manager,
		emitter:    events.NoopEmitter{},
		transferer: noopTransferer{},
		funder:     noopFunder{},
		logger:     slog.Default(),
		nowFn:      wallClockNanos,
		newID:      uuid.NewString,
	}
}

func wallClockNanos() uint64 { return uint64(time.Now().UnixNano()) }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetTransferer configures where reward transfers are dispatched.
func (e *Engine) SetTransferer(t Transferer) {
	if t == nil {
		e.transferer = noopTransferer{}
		return
	}
	e.transferer = t
}

// SetFunder configures the custody that receives deposited value. Without
// one, deposits only move the pool balance.
func (e *Engine) SetFunder(f Funder) {
	if f == nil {
		e.funder = noopFunder{}
		return
	}
	e.funder = f
}

// SetMetrics configures the metrics sink. nil disables metrics.
func (e *Engine) SetMetrics(m Metrics) { e.metrics = m }

// SetLogger configures the logger used for the per-operation log line.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetNowFunc overrides the nanosecond clock used for token timestamps.
func (e *Engine) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = wallClockNanos
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt *types.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) observe(op string, err error) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.ObserveOperation(op, Reason(err))
}

func (e *Engine) observeLedger(count uint64, pool Amount) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveLedger(count, pool)
}

type kvReader interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVGetList(key []byte, out interface{}) error
}

func loadOwner(r kvReader) (AccountID, bool, error) {
	var meta storedMeta
	ok, err := r.KVGet(state.ConnectionsMetaKey(), &meta)
	if err != nil || !ok {
		return "", ok, err
	}
	return AccountID(meta.Owner), true, nil
}

func loadCounter(r kvReader) (uint64, error) {
	var counter uint64
	if _, err := r.KVGet(state.ConnectionsCounterKey(), &counter); err != nil {
		return 0, err
	}
	return counter, nil
}

func loadBalances(r kvReader) (pool Amount, transfer Amount, err error) {
	var stored storedBalances
	if _, err = r.KVGet(state.ConnectionsBalancesKey(), &stored); err != nil {
		return Amount{}, Amount{}, err
	}
	if pool, err = AmountFromUint256(stored.PoolBalance); err != nil {
		return Amount{}, Amount{}, err
	}
	if transfer, err = AmountFromUint256(stored.TransferAmount); err != nil {
		return Amount{}, Amount{}, err
	}
	return pool, transfer, nil
}

func putBalances(tx *state.Tx, pool, transfer Amount) error {
	return tx.KVPut(state.ConnectionsBalancesKey(), &storedBalances{
		PoolBalance:    pool.Uint256(),
		TransferAmount: transfer.Uint256(),
	})
}

// requireInitialized returns the owner or ErrNotInitialized.
func (e *Engine) requireInitialized() (AccountID, error) {
	if e == nil || e.state == nil {
		return "", errNilState
	}
	owner, ok, err := loadOwner(e.state)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotInitialized
	}
	return owner, nil
}

// Initialize bootstraps the ledger with owner and the initial transfer
// amount. It may succeed only once over the lifetime of the store.
func (e *Engine) Initialize(owner AccountID, transferAmount Amount) (summary Summary, err error) {
	defer func() { e.observe(OpInitialize, err) }()
	if e == nil || e.state == nil {
		return Summary{}, errNilState
	}
	owner = owner.Normalize()
	if owner == "" {
		return Summary{}, ErrAccountRequired
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists, err := loadOwner(e.state); err != nil {
		return Summary{}, err
	} else if exists {
		return Summary{}, ErrAlreadyInitialized
	}

	tx := e.state.Begin()
	defer tx.Discard()
	if err := tx.KVPut(state.ConnectionsMetaKey(), &storedMeta{Owner: string(owner)}); err != nil {
		return Summary{}, err
	}
	if err := tx.KVPut(state.ConnectionsCounterKey(), uint64(0)); err != nil {
		return Summary{}, err
	}
	if err := putBalances(tx, Amount{}, transferAmount); err != nil {
		return Summary{}, err
	}
	if err := tx.Commit(); err != nil {
		return Summary{}, err
	}

	summary = Summary{Owner: owner, TransferAmount: transferAmount}
	e.logger.Info(fmt.Sprintf("Ledger initialized for owner %s with transfer amount %s", owner, transferAmount),
		slog.String("owner", owner.String()),
		slog.String("transferAmount", transferAmount.String()))
	e.emit(InitializedEvent(owner, transferAmount))
	e.observeLedger(0, Amount{})
	return summary, nil
}

// Deposit credits value attached by caller to the shared pool. Any account
// may deposit.
func (e *Engine) Deposit(caller AccountID, value Amount) (DepositResult, error) {
	return e.DepositWithReference(caller, value, "")
}

// DepositWithReference is Deposit for value that arrived at the custody
// side as the payment identified by reference. The configured Funder must
// accept the funding before the pool is credited, and a reference is
// credited at most once.
func (e *Engine) DepositWithReference(caller AccountID, value Amount, reference string) (result DepositResult, err error) {
	defer func() { e.observe(OpDeposit, err) }()
	if e == nil || e.state == nil {
		return DepositResult{}, errNilState
	}
	caller = caller.Normalize()
	reference = strings.TrimSpace(reference)
	if value.IsZero() {
		return DepositResult{}, ErrZeroDeposit
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.requireInitialized(); err != nil {
		return DepositResult{}, err
	}
	if reference != "" {
		if credited, err := e.state.KVGet(state.ConnectionsDepositKey(reference), nil); err != nil {
			return DepositResult{}, err
		} else if credited {
			return DepositResult{}, ErrDuplicateDeposit
		}
	}
	pool, transfer, err := loadBalances(e.state)
	if err != nil {
		return DepositResult{}, err
	}
	updated, err := pool.Add(value)
	if err != nil {
		return DepositResult{}, err
	}

	tx := e.state.Begin()
	defer tx.Discard()
	if err := putBalances(tx, updated, transfer); err != nil {
		return DepositResult{}, err
	}
	if reference != "" {
		if err := tx.KVPut(state.ConnectionsDepositKey(reference), caller.String()); err != nil {
			return DepositResult{}, err
		}
	}

	funding := Funding{Depositor: caller, Amount: value, Reference: reference}
	if err := e.funder.Fund(funding); err != nil {
		return DepositResult{}, fmt.Errorf("%w: %v", ErrFundingRejected, err)
	}
	if err := tx.Commit(); err != nil {
		if _, inert := e.funder.(noopFunder); inert {
			return DepositResult{}, err
		}
		// Custody now holds more than the pool records; the surplus is
		// never paid out.
		e.logger.Error("deposit funded but not recorded",
			slog.String("from", caller.String()),
			slog.String("amount", value.String()),
			slog.String("reference", reference),
			slog.Any("error", err))
		return DepositResult{}, err
	}

	e.logger.Info(fmt.Sprintf("Deposited %s into pool. New balance: %s", value, updated),
		slog.String("from", caller.String()),
		slog.String("amount", value.String()),
		slog.String("poolBalance", updated.String()),
		slog.String("reference", reference))
	evt := DepositedEvent(caller, value, updated)
	if reference != "" {
		evt.Attributes["reference"] = reference
	}
	e.emit(evt)
	if count, err := loadCounter(e.state); err == nil {
		e.observeLedger(count, updated)
	}
	return DepositResult{Amount: value, PoolBalance: updated, Reference: reference}, nil
}

// Exchange mints a pair of connection tokens for caller (party A) and
// partyB, debits the pool by the transfer amount and dispatches the reward to
// partyB. The dispatch happens only after the ledger writes are committed and
// is never awaited.
func (e *Engine) Exchange(caller, partyB AccountID, eventName string) (result ExchangeResult, err error) {
	defer func() { e.observe(OpExchange, err) }()
	if e == nil || e.state == nil {
		return ExchangeResult{}, errNilState
	}
	partyA := caller.Normalize()
	partyB = partyB.Normalize()
	if partyA == "" || partyB == "" {
		return ExchangeResult{}, ErrAccountRequired
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.requireInitialized(); err != nil {
		return ExchangeResult{}, err
	}
	if partyA == partyB {
		return ExchangeResult{}, ErrSelfExchange
	}
	pool, transfer, err := loadBalances(e.state)
	if err != nil {
		return ExchangeResult{}, err
	}
	if pool.Cmp(transfer) < 0 {
		return ExchangeResult{}, ErrInsufficientFunds
	}
	counter, err := loadCounter(e.state)
	if err != nil {
		return ExchangeResult{}, err
	}

	timestamp := e.nowFn()
	tx := e.state.Begin()
	defer tx.Discard()

	idA, err := mint(tx, &counter, partyA, partyA, partyB, timestamp, eventName)
	if err != nil {
		return ExchangeResult{}, err
	}
	idB, err := mint(tx, &counter, partyB, partyA, partyB, timestamp, eventName)
	if err != nil {
		return ExchangeResult{}, err
	}
	remaining, err := pool.Sub(transfer)
	if err != nil {
		return ExchangeResult{}, err
	}
	if err := tx.KVPut(state.ConnectionsCounterKey(), counter); err != nil {
		return ExchangeResult{}, err
	}
	if err := putBalances(tx, remaining, transfer); err != nil {
		return ExchangeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ExchangeResult{}, err
	}

	result = ExchangeResult{
		TokenIDA:  idA,
		TokenIDB:  idB,
		Timestamp: timestamp,
		Amount:    transfer,
		Recipient: partyB,
	}
	// A zero reward has nothing to move.
	if !transfer.IsZero() {
		result.TransferID = e.newID()
		e.transferer.Dispatch(Transfer{
			ID:          result.TransferID,
			Recipient:   partyB,
			Amount:      transfer,
			TokenIDs:    [2]uint64{idA, idB},
			EventName:   eventName,
			RequestedAt: time.Unix(0, int64(timestamp)).UTC(),
		})
	}

	e.logger.Info(fmt.Sprintf("Cards exchanged! Token #%d for %s, Token #%d for %s. Transferred %s to %s",
		idA, partyA, idB, partyB, transfer, partyB),
		slog.Uint64("tokenIdA", idA),
		slog.Uint64("tokenIdB", idB),
		slog.String("partyA", partyA.String()),
		slog.String("partyB", partyB.String()),
		slog.String("amount", transfer.String()),
		slog.String("transferId", result.TransferID))
	e.emit(ExchangedEvent(partyA, partyB, eventName, result))
	e.observeLedger(counter, remaining)
	return result, nil
}

// mint assigns the next id, stores the token and appends it to holder's
// index. counter is advanced in place.
func mint(tx *state.Tx, counter *uint64, holder, partyA, partyB AccountID, timestamp uint64, eventName string) (uint64, error) {
	if *counter == math.MaxUint64 {
		return 0, ErrOverflow
	}
	*counter++
	id := *counter
	tokenKey := state.ConnectionsTokenKey(id)
	if exists, err := tx.KVGet(tokenKey, nil); err != nil {
		return 0, err
	} else if exists {
		return 0, fmt.Errorf("connections: token id %d already assigned", id)
	}
	token := ConnectionToken{
		TokenID:   id,
		PartyA:    partyA,
		PartyB:    partyB,
		Timestamp: timestamp,
		EventName: eventName,
	}
	if err := tx.KVPut(tokenKey, newStoredToken(token)); err != nil {
		return 0, err
	}
	ownerKey := state.ConnectionsOwnerKey(string(holder))
	var ids []uint64
	if err := tx.KVGetList(ownerKey, &ids); err != nil {
		return 0, err
	}
	ids = append(ids, id)
	if err := tx.KVPut(ownerKey, ids); err != nil {
		return 0, err
	}
	return id, nil
}

// SetTransferAmount replaces the reward paid per exchange. Only the owner may
// call it; any value, including zero, is accepted.
func (e *Engine) SetTransferAmount(caller AccountID, amount Amount) (err error) {
	defer func() { e.observe(OpSetTransferAmount, err) }()
	if e == nil || e.state == nil {
		return errNilState
	}
	caller = caller.Normalize()

	e.mu.Lock()
	defer e.mu.Unlock()

	owner, err := e.requireInitialized()
	if err != nil {
		return err
	}
	if caller != owner {
		return ErrUnauthorized
	}
	pool, _, err := loadBalances(e.state)
	if err != nil {
		return err
	}
	tx := e.state.Begin()
	defer tx.Discard()
	if err := putBalances(tx, pool, amount); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.logger.Info(fmt.Sprintf("Transfer amount updated to %s", amount),
		slog.String("owner", owner.String()),
		slog.String("amount", amount.String()))
	e.emit(TransferAmountUpdatedEvent(owner, amount))
	return nil
}

// GetToken returns the token with id, if any.
func (e *Engine) GetToken(id uint64) (*ConnectionToken, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	var stored storedToken
	ok, err := e.state.KVGet(state.ConnectionsTokenKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	token := stored.token()
	return &token, true, nil
}

// GetTokensByOwner returns every token held by account in mint order. An
// unknown account yields an empty slice.
func (e *Engine) GetTokensByOwner(account AccountID) ([]ConnectionToken, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	account = account.Normalize()
	out := []ConnectionToken{}
	if account == "" {
		return out, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	var ids []uint64
	if err := e.state.KVGetList(state.ConnectionsOwnerKey(string(account)), &ids); err != nil {
		return nil, err
	}
	for _, id := range ids {
		var stored storedToken
		ok, err := e.state.KVGet(state.ConnectionsTokenKey(id), &stored)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, stored.token())
	}
	return out, nil
}

// GetPoolBalance returns the current pool balance.
func (e *Engine) GetPoolBalance() (Amount, error) {
	if e == nil || e.state == nil {
		return Amount{}, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	pool, _, err := loadBalances(e.state)
	return pool, err
}

// GetTokenCount returns the number of tokens minted so far.
func (e *Engine) GetTokenCount() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return loadCounter(e.state)
}

// GetTransferAmount returns the reward paid per exchange.
func (e *Engine) GetTransferAmount() (Amount, error) {
	if e == nil || e.state == nil {
		return Amount{}, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, transfer, err := loadBalances(e.state)
	return transfer, err
}

// GetOwner returns the configured owner, or the empty id before
// initialisation.
func (e *Engine) GetOwner() (AccountID, error) {
	if e == nil || e.state == nil {
		return "", errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	owner, _, err := loadOwner(e.state)
	return owner, err
}

// Initialized reports whether Initialize has succeeded on this store.
func (e *Engine) Initialized() (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, err := e.requireInitialized()
	if errors.Is(err, ErrNotInitialized) {
		return false, nil
	}
	return err == nil, err
}

// Summary returns the full ledger view in one consistent read.
func (e *Engine) Summary() (Summary, error) {
	if e == nil || e.state == nil {
		return Summary{}, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	owner, _, err := loadOwner(e.state)
	if err != nil {
		return Summary{}, err
	}
	count, err := loadCounter(e.state)
	if err != nil {
		return Summary{}, err
	}
	pool, transfer, err := loadBalances(e.state)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Owner: owner, TokenCount: count, PoolBalance: pool, TransferAmount: transfer}, nil
}
