package connections

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"cardledger/core/events"
	"cardledger/core/state"
	"cardledger/core/types"
	"cardledger/storage"
)

const (
	owner = AccountID("owner.testnet")
	alice = AccountID("alice.testnet")
	bob   = AccountID("bob.testnet")
	carol = AccountID("carol.testnet")
)

type flakyDB struct {
	*storage.MemDB
	mu   sync.Mutex
	fail bool
}

func (f *flakyDB) Write(batch *storage.Batch) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.MemDB.Write(batch)
}

func (f *flakyDB) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

type captureTransferer struct {
	mu        sync.Mutex
	transfers []Transfer
}

func (c *captureTransferer) Dispatch(t Transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers = append(c.transfers, t)
}

func (c *captureTransferer) all() []Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transfer(nil), c.transfers...)
}

type recordingMetrics struct {
	mu      sync.Mutex
	ops     []string
	reasons []string
	count   uint64
	pool    Amount
}

func (m *recordingMetrics) ObserveOperation(op, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
	m.reasons = append(m.reasons, reason)
}

func (m *recordingMetrics) ObserveLedger(count uint64, pool Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count = count
	m.pool = pool
}

type harness struct {
	engine    *Engine
	db        storage.Database
	recorder  *events.Recorder
	transfers *captureTransferer
	clock     uint64
}

func newHarness(t *testing.T, db storage.Database) *harness {
	t.Helper()
	if db == nil {
		db = storage.NewMemDB()
	}
	h := &harness{
		db:        db,
		recorder:  &events.Recorder{},
		transfers: &captureTransferer{},
		clock:     1_700_000_000_000_000_000,
	}
	h.engine = NewEngine(state.NewManager(db))
	h.engine.SetEmitter(h.recorder)
	h.engine.SetTransferer(h.transfers)
	h.engine.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.engine.SetNowFunc(func() uint64 {
		h.clock++
		return h.clock
	})
	return h
}

func initialized(t *testing.T, transfer uint64, pool uint64) *harness {
	t.Helper()
	h := newHarness(t, nil)
	_, err := h.engine.Initialize(owner, NewAmount(transfer))
	require.NoError(t, err)
	if pool > 0 {
		_, err = h.engine.Deposit(carol, NewAmount(pool))
		require.NoError(t, err)
	}
	return h
}

func TestInitializeSetsOwnerAndDefaults(t *testing.T) {
	h := newHarness(t, nil)

	summary, err := h.engine.Initialize(owner, NewAmount(10))
	require.NoError(t, err)
	require.Equal(t, owner, summary.Owner)

	got, err := h.engine.Summary()
	require.NoError(t, err)
	require.Equal(t, owner, got.Owner)
	require.Equal(t, uint64(0), got.TokenCount)
	require.True(t, got.PoolBalance.IsZero())
	require.Equal(t, "10", got.TransferAmount.String())
	require.Equal(t, []string{EventTypeInitialized}, h.recorder.Types())
}

func TestInitializeTwiceFails(t *testing.T) {
	h := initialized(t, 10, 0)

	_, err := h.engine.Initialize(alice, NewAmount(99))
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	gotOwner, err := h.engine.GetOwner()
	require.NoError(t, err)
	require.Equal(t, owner, gotOwner)
	amount, err := h.engine.GetTransferAmount()
	require.NoError(t, err)
	require.Equal(t, "10", amount.String())
}

func TestInitializeRequiresOwner(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Initialize("  ", NewAmount(1))
	require.ErrorIs(t, err, ErrAccountRequired)
}

func TestOperationsBeforeInitialize(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.Deposit(alice, NewAmount(5))
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = h.engine.Exchange(alice, bob, "x")
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, h.engine.SetTransferAmount(owner, NewAmount(1)), ErrNotInitialized)

	ok, err := h.engine.Initialized()
	require.NoError(t, err)
	require.False(t, ok)

	count, err := h.engine.GetTokenCount()
	require.NoError(t, err)
	require.Zero(t, count)
	pool, err := h.engine.GetPoolBalance()
	require.NoError(t, err)
	require.True(t, pool.IsZero())
	gotOwner, err := h.engine.GetOwner()
	require.NoError(t, err)
	require.Equal(t, AccountID(""), gotOwner)
}

func TestDepositAccumulates(t *testing.T) {
	h := initialized(t, 10, 0)

	res, err := h.engine.Deposit(alice, NewAmount(300))
	require.NoError(t, err)
	require.Equal(t, "300", res.PoolBalance.String())

	res, err = h.engine.Deposit(bob, NewAmount(200))
	require.NoError(t, err)
	require.Equal(t, "200", res.Amount.String())
	require.Equal(t, "500", res.PoolBalance.String())

	pool, err := h.engine.GetPoolBalance()
	require.NoError(t, err)
	require.Equal(t, "500", pool.String())

	evts := h.recorder.Events()
	last := evts[len(evts)-1].(*types.Event)
	require.Equal(t, EventTypeDeposited, last.Type)
	require.Equal(t, "bob.testnet", last.Attr("from"))
	require.Equal(t, "500", last.Attr("poolBalance"))
}

func TestDepositZeroFails(t *testing.T) {
	h := initialized(t, 10, 100)

	_, err := h.engine.Deposit(alice, Amount{})
	require.ErrorIs(t, err, ErrZeroDeposit)

	pool, err := h.engine.GetPoolBalance()
	require.NoError(t, err)
	require.Equal(t, "100", pool.String())
}

func TestDepositOverflow(t *testing.T) {
	h := initialized(t, 10, 0)
	ceiling := MustParseAmount("340282366920938463463374607431768211455")

	_, err := h.engine.Deposit(alice, ceiling)
	require.NoError(t, err)
	_, err = h.engine.Deposit(alice, NewAmount(1))
	require.ErrorIs(t, err, ErrOverflow)

	pool, err := h.engine.GetPoolBalance()
	require.NoError(t, err)
	require.Equal(t, ceiling.String(), pool.String())
}

func TestExchangeMintsPairAndDebitsPool(t *testing.T) {
	h := initialized(t, 10, 5_000_000)

	res, err := h.engine.Exchange(alice, bob, "ETHDenver")
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.TokenIDA)
	require.Equal(t, uint64(2), res.TokenIDB)
	require.Equal(t, bob, res.Recipient)
	require.Equal(t, "10", res.Amount.String())
	require.NotEmpty(t, res.TransferID)

	pool, err := h.engine.GetPoolBalance()
	require.NoError(t, err)
	require.Equal(t, "4999990", pool.String())
	count, err := h.engine.GetTokenCount()
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)

	tokA, ok, err := h.engine.GetToken(1)
	require.NoError(t, err)
	require.True(t, ok)
	tokB, ok, err := h.engine.GetToken(2)
	require.NoError(t, err)
	require.True(t, ok)
	for _, tok := range []*ConnectionToken{tokA, tokB} {
		require.Equal(t, alice, tok.PartyA)
		require.Equal(t, bob, tok.PartyB)
		require.Equal(t, "ETHDenver", tok.EventName)
		require.Equal(t, res.Timestamp, tok.Timestamp)
	}

	aliceTokens, err := h.engine.GetTokensByOwner(alice)
	require.NoError(t, err)
	require.Len(t, aliceTokens, 1)
	require.Equal(t, uint64(1), aliceTokens[0].TokenID)
	bobTokens, err := h.engine.GetTokensByOwner(bob)
	require.NoError(t, err)
	require.Len(t, bobTokens, 1)
	require.Equal(t, uint64(2), bobTokens[0].TokenID)

	transfers := h.transfers.all()
	require.Len(t, transfers, 1)
	require.Equal(t, bob, transfers[0].Recipient)
	require.Equal(t, "10", transfers[0].Amount.String())
	require.Equal(t, [2]uint64{1, 2}, transfers[0].TokenIDs)
	require.Equal(t, res.TransferID, transfers[0].ID)

	emitted := h.recorder.Types()
	require.Equal(t, EventTypeExchanged, emitted[len(emitted)-1])
}

func TestExchangeSelfFails(t *testing.T) {
	h := initialized(t, 10, 100)

	_, err := h.engine.Exchange(alice, " alice.testnet ", "x")
	require.ErrorIs(t, err, ErrSelfExchange)
	assertUntouched(t, h, "100", 0)
}

func TestExchangeInsufficientFunds(t *testing.T) {
	h := initialized(t, 10, 5)

	_, err := h.engine.Exchange(alice, bob, "x")
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assertUntouched(t, h, "5", 0)
}

func TestExchangeDrainsPoolExactly(t *testing.T) {
	h := initialized(t, 10, 20)

	_, err := h.engine.Exchange(alice, bob, "a")
	require.NoError(t, err)
	_, err = h.engine.Exchange(bob, alice, "b")
	require.NoError(t, err)
	_, err = h.engine.Exchange(alice, carol, "c")
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assertUntouched(t, h, "0", 4)
}

func TestExchangeWithZeroTransferSkipsDispatch(t *testing.T) {
	h := initialized(t, 0, 0)

	res, err := h.engine.Exchange(alice, bob, "free")
	require.NoError(t, err)
	require.Empty(t, res.TransferID)
	require.Empty(t, h.transfers.all())

	count, err := h.engine.GetTokenCount()
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)
}

func TestExchangeRequiresParties(t *testing.T) {
	h := initialized(t, 10, 100)
	_, err := h.engine.Exchange(alice, "", "x")
	require.ErrorIs(t, err, ErrAccountRequired)
}

func TestSetTransferAmountOwnerOnly(t *testing.T) {
	h := initialized(t, 10, 1000)

	err := h.engine.SetTransferAmount(alice, NewAmount(20))
	require.ErrorIs(t, err, ErrUnauthorized)
	amount, err := h.engine.GetTransferAmount()
	require.NoError(t, err)
	require.Equal(t, "10", amount.String())

	require.NoError(t, h.engine.SetTransferAmount(owner, NewAmount(20)))
	amount, err = h.engine.GetTransferAmount()
	require.NoError(t, err)
	require.Equal(t, "20", amount.String())

	res, err := h.engine.Exchange(alice, bob, "x")
	require.NoError(t, err)
	require.Equal(t, "20", res.Amount.String())
	pool, err := h.engine.GetPoolBalance()
	require.NoError(t, err)
	require.Equal(t, "980", pool.String())
}

func TestTokensByOwnerAccumulatesInMintOrder(t *testing.T) {
	h := initialized(t, 1, 100)

	_, err := h.engine.Exchange(alice, bob, "one")
	require.NoError(t, err)
	_, err = h.engine.Exchange(carol, alice, "two")
	require.NoError(t, err)
	_, err = h.engine.Exchange(alice, carol, "three")
	require.NoError(t, err)

	tokens, err := h.engine.GetTokensByOwner(alice)
	require.NoError(t, err)
	ids := make([]uint64, 0, len(tokens))
	for _, tok := range tokens {
		ids = append(ids, tok.TokenID)
	}
	require.Equal(t, []uint64{1, 4, 5}, ids)

	none, err := h.engine.GetTokensByOwner("nobody.testnet")
	require.NoError(t, err)
	require.NotNil(t, none)
	require.Empty(t, none)

	_, ok, err := h.engine.GetToken(999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueriesAreIdempotent(t *testing.T) {
	h := initialized(t, 3, 50)
	_, err := h.engine.Exchange(alice, bob, "x")
	require.NoError(t, err)

	first, err := h.engine.Summary()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := h.engine.Summary()
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestCommitFailureLeavesStateUntouched(t *testing.T) {
	db := &flakyDB{MemDB: storage.NewMemDB()}
	h := newHarness(t, db)
	_, err := h.engine.Initialize(owner, NewAmount(10))
	require.NoError(t, err)
	_, err = h.engine.Deposit(carol, NewAmount(100))
	require.NoError(t, err)
	emitted := len(h.recorder.Events())

	db.setFail(true)
	_, err = h.engine.Exchange(alice, bob, "x")
	require.Error(t, err)
	_, err = h.engine.Deposit(carol, NewAmount(5))
	require.Error(t, err)
	db.setFail(false)

	assertUntouched(t, h, "100", 0)
	require.Empty(t, h.transfers.all())
	require.Len(t, h.recorder.Events(), emitted)

	res, err := h.engine.Exchange(alice, bob, "x")
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.TokenIDA)
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger")

	db, err := storage.NewLevelDB(path)
	require.NoError(t, err)
	h := newHarness(t, db)
	_, err = h.engine.Initialize(owner, NewAmount(10))
	require.NoError(t, err)
	_, err = h.engine.Deposit(carol, NewAmount(100))
	require.NoError(t, err)
	_, err = h.engine.Exchange(alice, bob, "persist")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = storage.NewLevelDB(path)
	require.NoError(t, err)
	defer db.Close()
	reopened := newHarness(t, db)

	_, err = reopened.engine.Initialize(alice, NewAmount(1))
	require.ErrorIs(t, err, ErrAlreadyInitialized)
	summary, err := reopened.engine.Summary()
	require.NoError(t, err)
	require.Equal(t, owner, summary.Owner)
	require.Equal(t, uint64(2), summary.TokenCount)
	require.Equal(t, "90", summary.PoolBalance.String())

	res, err := reopened.engine.Exchange(bob, alice, "again")
	require.NoError(t, err)
	require.Equal(t, uint64(3), res.TokenIDA)
	require.Equal(t, uint64(4), res.TokenIDB)
}

func TestConcurrentExchangesAssignUniqueIDs(t *testing.T) {
	h := initialized(t, 1, 1000)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Exchange(alice, bob, "rush")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	count, err := h.engine.GetTokenCount()
	require.NoError(t, err)
	require.Equal(t, uint64(40), count)
	pool, err := h.engine.GetPoolBalance()
	require.NoError(t, err)
	require.Equal(t, "980", pool.String())

	seen := make(map[uint64]bool)
	for _, acct := range []AccountID{alice, bob} {
		tokens, err := h.engine.GetTokensByOwner(acct)
		require.NoError(t, err)
		require.Len(t, tokens, 20)
		for _, tok := range tokens {
			require.False(t, seen[tok.TokenID])
			seen[tok.TokenID] = true
		}
	}
}

func TestMetricsObserveOutcomes(t *testing.T) {
	h := newHarness(t, nil)
	m := &recordingMetrics{}
	h.engine.SetMetrics(m)

	_, err := h.engine.Initialize(owner, NewAmount(10))
	require.NoError(t, err)
	_, err = h.engine.Exchange(alice, bob, "x")
	require.ErrorIs(t, err, ErrInsufficientFunds)
	_, err = h.engine.Deposit(alice, NewAmount(50))
	require.NoError(t, err)
	_, err = h.engine.Exchange(alice, bob, "x")
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Equal(t, []string{OpInitialize, OpExchange, OpDeposit, OpExchange}, m.ops)
	require.Equal(t, []string{"", "InsufficientFunds", "", ""}, m.reasons)
	require.Equal(t, uint64(2), m.count)
	require.Equal(t, "40", m.pool.String())
}

func TestNilEngine(t *testing.T) {
	var e *Engine
	_, err := e.Exchange(alice, bob, "x")
	require.ErrorIs(t, err, errNilState)
	_, err = e.GetPoolBalance()
	require.ErrorIs(t, err, errNilState)
}

func assertUntouched(t *testing.T, h *harness, pool string, count uint64) {
	t.Helper()
	gotPool, err := h.engine.GetPoolBalance()
	require.NoError(t, err)
	require.Equal(t, pool, gotPool.String())
	gotCount, err := h.engine.GetTokenCount()
	require.NoError(t, err)
	require.Equal(t, count, gotCount)
}

func TestDepositFundsCustodyBeforeCrediting(t *testing.T) {
	h := initialized(t, 10, 0)
	var funded []Funding
	h.engine.SetFunder(FunderFunc(func(f Funding) error {
		pool, _, err := loadBalances(h.engine.state)
		if err != nil || !pool.IsZero() {
			return errors.New("pool credited before funding")
		}
		funded = append(funded, f)
		return nil
	}))

	res, err := h.engine.DepositWithReference(alice, NewAmount(50), " pay-1 ")
	require.NoError(t, err)
	require.Equal(t, "pay-1", res.Reference)
	require.Equal(t, []Funding{{Depositor: alice, Amount: NewAmount(50), Reference: "pay-1"}}, funded)

	last := h.recorder.Events()[len(h.recorder.Events())-1]
	require.Equal(t, "pay-1", last.(*types.Event).Attributes["reference"])
}

func TestDepositRejectedByFunderLeavesPool(t *testing.T) {
	h := initialized(t, 10, 100)
	emitted := len(h.recorder.Events())
	h.engine.SetFunder(FunderFunc(func(Funding) error { return errors.New("custody offline") }))

	_, err := h.engine.DepositWithReference(alice, NewAmount(50), "pay-1")
	require.ErrorIs(t, err, ErrFundingRejected)
	require.ErrorContains(t, err, "custody offline")
	require.Len(t, h.recorder.Events(), emitted)

	// The reference was never credited, so a retry may use it.
	h.engine.SetFunder(nil)
	res, err := h.engine.DepositWithReference(alice, NewAmount(50), "pay-1")
	require.NoError(t, err)
	require.Equal(t, "150", res.PoolBalance.String())
}

func TestDepositReferenceCreditedOnce(t *testing.T) {
	h := initialized(t, 10, 0)
	calls := 0
	h.engine.SetFunder(FunderFunc(func(Funding) error {
		calls++
		return nil
	}))

	_, err := h.engine.DepositWithReference(alice, NewAmount(50), "pay-1")
	require.NoError(t, err)
	_, err = h.engine.DepositWithReference(bob, NewAmount(50), "pay-1")
	require.ErrorIs(t, err, ErrDuplicateDeposit)
	require.Equal(t, "DuplicateDeposit", Reason(err))
	require.Equal(t, 1, calls)

	pool, err := h.engine.GetPoolBalance()
	require.NoError(t, err)
	require.Equal(t, "50", pool.String())
}
