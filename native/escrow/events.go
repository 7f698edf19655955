package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"escrowledger/core/types"
)

const (
	EventTypeNewEscrow = "escrow.new"
	EventTypeDeposit   = "escrow.deposit"
	EventTypeComplete  = "escrow.complete"
	EventTypeCancel    = "escrow.cancel"
)

// Deposit kinds reported in the "kind" attribute of deposit events.
const (
	DepositKindPartial  = "partial"
	DepositKindComplete = "complete"
)

// NewEscrowEvent returns the canonical payload for a newly opened escrow.
func NewEscrowEvent(p *Purchase) *types.Event {
	attrs := purchaseAttributes(p)
	if p != nil {
		attrs["seller"] = hex.EncodeToString(p.Seller[:])
		attrs["price"] = cloneBigInt(p.Price).String()
	}
	return &types.Event{Type: EventTypeNewEscrow, Attributes: attrs}
}

// NewDepositEvent returns the payload for a deposit of amount into p. The kind
// is derived from the post-deposit status.
func NewDepositEvent(p *Purchase, amount *big.Int) *types.Event {
	attrs := purchaseAttributes(p)
	attrs["amount"] = cloneBigInt(amount).String()
	kind := DepositKindPartial
	if p != nil && p.Status == StatusDeposited {
		kind = DepositKindComplete
	}
	attrs["kind"] = kind
	return &types.Event{Type: EventTypeDeposit, Attributes: attrs}
}

// NewCompleteEvent returns the payload emitted once the seller was paid.
func NewCompleteEvent(p *Purchase) *types.Event {
	return &types.Event{Type: EventTypeComplete, Attributes: purchaseAttributes(p)}
}

// NewCancelEvent returns the payload emitted after a buyer refund.
func NewCancelEvent(p *Purchase) *types.Event {
	return &types.Event{Type: EventTypeCancel, Attributes: purchaseAttributes(p)}
}

func purchaseAttributes(p *Purchase) map[string]string {
	attrs := make(map[string]string)
	if p == nil {
		return attrs
	}
	attrs["buyer"] = hex.EncodeToString(p.Buyer[:])
	attrs["itemId"] = strconv.FormatUint(p.ItemID, 10)
	return attrs
}
