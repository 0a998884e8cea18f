package connections

import (
	"strings"

	"github.com/holiman/uint256"
)

// AccountID identifies a party. It is opaque to the ledger: equality and
// ordering are plain string comparisons after trimming surrounding space.
type AccountID string

// Normalize trims surrounding whitespace.
func (a AccountID) Normalize() AccountID { return AccountID(strings.TrimSpace(string(a))) }

// IsZero reports whether the id is empty after trimming.
func (a AccountID) IsZero() bool { return a.Normalize() == "" }

func (a AccountID) String() string { return string(a) }

// ConnectionToken is the immutable record minted for each side of an
// exchange. JSON field names match the ones existing web clients read.
type ConnectionToken struct {
	TokenID   uint64    `json:"token_id"`
	PartyA    AccountID `json:"party_a"`
	PartyB    AccountID `json:"party_b"`
	Timestamp uint64    `json:"timestamp_ns"`
	EventName string    `json:"event_name"`
}

// Summary is a point-in-time view of the singleton ledger state.
type Summary struct {
	Owner          AccountID `json:"owner"`
	TokenCount     uint64    `json:"tokenCount"`
	PoolBalance    Amount    `json:"poolBalance"`
	TransferAmount Amount    `json:"transferAmount"`
}

// ExchangeResult carries the ids minted by one exchange, party A first.
type ExchangeResult struct {
	TokenIDA   uint64    `json:"tokenIdA"`
	TokenIDB   uint64    `json:"tokenIdB"`
	Timestamp  uint64    `json:"timestamp_ns"`
	Amount     Amount    `json:"amount"`
	Recipient  AccountID `json:"recipient"`
	TransferID string    `json:"transferId,omitempty"`
}

// DepositResult reports the credited amount and resulting pool balance.
type DepositResult struct {
	Amount      Amount `json:"amount"`
	PoolBalance Amount `json:"poolBalance"`
	Reference   string `json:"reference,omitempty"`
}

type storedMeta struct {
	Owner string
}

type storedBalances struct {
	PoolBalance    *uint256.Int
	TransferAmount *uint256.Int
}

type storedToken struct {
	TokenID   uint64
	PartyA    string
	PartyB    string
	Timestamp uint64
	EventName string
}

func (s *storedToken) token() ConnectionToken {
	return ConnectionToken{
		TokenID:   s.TokenID,
		PartyA:    AccountID(s.PartyA),
		PartyB:    AccountID(s.PartyB),
		Timestamp: s.Timestamp,
		EventName: s.EventName,
	}
}

func newStoredToken(t ConnectionToken) *storedToken {
	return &storedToken{
		TokenID:   t.TokenID,
		PartyA:    string(t.PartyA),
		PartyB:    string(t.PartyB),
		Timestamp: t.Timestamp,
		EventName: t.EventName,
	}
}
