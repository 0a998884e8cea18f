package connections

import "time"

// Transfer is an instruction to pay Amount from the custodial pool to
// Recipient. The ledger has already debited the pool when it is issued.
type Transfer struct {
	ID          string
	Recipient   AccountID
	Amount      Amount
	TokenIDs    [2]uint64
	EventName   string
	RequestedAt time.Time
}

// Transferer hands a transfer to the value-transfer mechanism. Dispatch must
// not block on settlement and reports nothing back: tokens stay minted and
// the pool stays debited whatever happens to the payment afterwards.
type Transferer interface {
	Dispatch(Transfer)
}

// TransfererFunc adapts a function to the Transferer interface.
type TransfererFunc func(Transfer)

// Dispatch implements Transferer.
func (f TransfererFunc) Dispatch(t Transfer) { f(t) }

type noopTransferer struct{}

func (noopTransferer) Dispatch(Transfer) {}

// Funding is value a depositor moves into the custody that pays rewards.
// Reference identifies the inbound payment on the custody side and may be
// empty for custodians that take value in process.
type Funding struct {
	Depositor AccountID
	Amount    Amount
	Reference string
}

// Funder backs pool deposits with custodial value. Fund runs before the
// deposit is committed; an error rejects the deposit and the pool is left
// unchanged.
type Funder interface {
	Fund(Funding) error
}

// FunderFunc adapts a function to the Funder interface.
type FunderFunc func(Funding) error

// Fund implements Funder.
func (f FunderFunc) Fund(d Funding) error { return f(d) }

type noopFunder struct{}

func (noopFunder) Fund(Funding) error { return nil }
