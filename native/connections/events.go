package connections

import (
	"strconv"

	"cardledger/core/types"
)

const (
	// EventTypeInitialized is emitted once when the ledger is bootstrapped.
	EventTypeInitialized = "connections.initialized"
	// EventTypeDeposited is emitted when value is added to the pool.
	EventTypeDeposited = "connections.deposited"
	// EventTypeExchanged is emitted after both tokens of an exchange are minted.
	EventTypeExchanged = "connections.exchanged"
	// EventTypeTransferAmountUpdated is emitted when the owner changes the reward.
	EventTypeTransferAmountUpdated = "connections.transferAmount.updated"
)

// InitializedEvent returns the payload for ledger bootstrap.
func InitializedEvent(owner AccountID, transferAmount Amount) *types.Event {
	return &types.Event{
		Type: EventTypeInitialized,
		Attributes: map[string]string{
			"owner":          owner.String(),
			"transferAmount": transferAmount.String(),
		},
	}
}

// DepositedEvent returns the payload for pool deposits.
func DepositedEvent(from AccountID, amount, poolBalance Amount) *types.Event {
	return &types.Event{
		Type: EventTypeDeposited,
		Attributes: map[string]string{
			"from":        from.String(),
			"amount":      amount.String(),
			"poolBalance": poolBalance.String(),
		},
	}
}

// ExchangedEvent returns the payload for a completed exchange.
func ExchangedEvent(partyA, partyB AccountID, eventName string, res ExchangeResult) *types.Event {
	attrs := map[string]string{
		"partyA":    partyA.String(),
		"partyB":    partyB.String(),
		"eventName": eventName,
		"tokenIdA":  strconv.FormatUint(res.TokenIDA, 10),
		"tokenIdB":  strconv.FormatUint(res.TokenIDB, 10),
		"timestamp": strconv.FormatUint(res.Timestamp, 10),
		"amount":    res.Amount.String(),
	}
	if res.TransferID != "" {
		attrs["transferId"] = res.TransferID
	}
	return &types.Event{Type: EventTypeExchanged, Attributes: attrs}
}

// TransferAmountUpdatedEvent returns the payload for reward changes.
func TransferAmountUpdatedEvent(owner AccountID, amount Amount) *types.Event {
	return &types.Event{
		Type: EventTypeTransferAmountUpdated,
		Attributes: map[string]string{
			"owner":  owner.String(),
			"amount": amount.String(),
		},
	}
}
