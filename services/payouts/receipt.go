package payouts

import (
	"time"

	"cardledger/native/connections"
)

// Status is the lifecycle stage of a reward transfer.
type Status string

const (
	// StatusPending marks a transfer journaled but not yet attempted.
	StatusPending Status = "pending"
	// StatusSettled marks a transfer the wallet accepted.
	StatusSettled Status = "settled"
	// StatusFailed marks a transfer the wallet rejected. It is not retried.
	StatusFailed Status = "failed"
)

// Receipt is the journaled record of one reward transfer.
type Receipt struct {
	ID          string                `json:"id"`
	Recipient   connections.AccountID `json:"recipient"`
	Amount      connections.Amount    `json:"amount"`
	TokenIDs    [2]uint64             `json:"tokenIds"`
	EventName   string                `json:"eventName,omitempty"`
	Status      Status                `json:"status"`
	Reference   string                `json:"reference,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	Sequence    uint64                `json:"sequence"`
	RequestedAt time.Time             `json:"requestedAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

func newReceipt(t connections.Transfer, now time.Time) Receipt {
	requested := t.RequestedAt
	if requested.IsZero() {
		requested = now
	}
	return Receipt{
		ID:          t.ID,
		Recipient:   t.Recipient,
		Amount:      t.Amount,
		TokenIDs:    t.TokenIDs,
		EventName:   t.EventName,
		Status:      StatusPending,
		RequestedAt: requested.UTC(),
		UpdatedAt:   now.UTC(),
	}
}
