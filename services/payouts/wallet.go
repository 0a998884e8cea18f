package payouts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cardledger/native/connections"
)

// ErrWalletInsufficient is returned when the custodial wallet cannot cover a
// transfer.
var ErrWalletInsufficient = errors.New("payouts: wallet balance insufficient")

// Wallet moves value out of the custodial pool. reference is the transfer id
// and must be treated as an idempotency key. The returned string identifies
// the settlement on the wallet side.
type Wallet interface {
	Transfer(ctx context.Context, to connections.AccountID, amount connections.Amount, reference string) (string, error)
}

// DepositTaker is a Wallet that can take deposited value into its float.
// Deposit must fail unless amount from depositor is actually held by the
// wallet once it returns.
type DepositTaker interface {
	Wallet
	Deposit(ctx context.Context, from connections.AccountID, amount connections.Amount, reference string) error
}

// WalletFunc adapts a function to the Wallet interface.
type WalletFunc func(ctx context.Context, to connections.AccountID, amount connections.Amount, reference string) (string, error)

// Transfer implements Wallet.
func (f WalletFunc) Transfer(ctx context.Context, to connections.AccountID, amount connections.Amount, reference string) (string, error) {
	return f(ctx, to, amount, reference)
}

// MemoryWallet is an in-process custodial book. It debits its own float and
// credits recipients, ignoring repeated references.
type MemoryWallet struct {
	mu       sync.Mutex
	float    connections.Amount
	balances map[connections.AccountID]connections.Amount
	seen     map[string]string
}

// NewMemoryWallet returns a wallet holding float.
func NewMemoryWallet(float connections.Amount) *MemoryWallet {
	return &MemoryWallet{
		float:    float,
		balances: make(map[connections.AccountID]connections.Amount),
		seen:     make(map[string]string),
	}
}

// Fund adds amount to the wallet float.
func (w *MemoryWallet) Fund(amount connections.Amount) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	next, err := w.float.Add(amount)
	if err != nil {
		return err
	}
	w.float = next
	return nil
}

// Deposit implements DepositTaker. The in-process book takes value as given.
func (w *MemoryWallet) Deposit(ctx context.Context, _ connections.AccountID, amount connections.Amount, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.Fund(amount)
}

// Transfer implements Wallet.
func (w *MemoryWallet) Transfer(ctx context.Context, to connections.AccountID, amount connections.Amount, reference string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	to = to.Normalize()
	w.mu.Lock()
	defer w.mu.Unlock()
	if ref, ok := w.seen[reference]; ok {
		return ref, nil
	}
	remaining, err := w.float.Sub(amount)
	if err != nil {
		return "", fmt.Errorf("%w: have %s, need %s", ErrWalletInsufficient, w.float, amount)
	}
	credited, err := w.balances[to].Add(amount)
	if err != nil {
		return "", err
	}
	w.float = remaining
	w.balances[to] = credited
	ref := fmt.Sprintf("mem-%d", len(w.seen)+1)
	w.seen[reference] = ref
	return ref, nil
}

// Balance returns what account has received so far.
func (w *MemoryWallet) Balance(account connections.AccountID) connections.Amount {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[account.Normalize()]
}

// Float returns the undistributed wallet balance.
func (w *MemoryWallet) Float() connections.Amount {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.float
}
