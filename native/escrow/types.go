package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// PurchaseStatus represents the lifecycle states of a purchase escrow.
type PurchaseStatus uint8

const (
	StatusNotCreated PurchaseStatus = iota
	StatusCreated
	StatusPartlyDeposited
	StatusDeposited
	StatusCompleted
	StatusCancelled
)

var statusNames = [...]string{
	StatusNotCreated:      "not_created",
	StatusCreated:         "created",
	StatusPartlyDeposited: "partly_deposited",
	StatusDeposited:       "deposited",
	StatusCompleted:       "completed",
	StatusCancelled:       "cancelled",
}

// String returns the canonical snake_case name of the status.
func (s PurchaseStatus) String() string {
	if !s.Valid() {
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
	return statusNames[s]
}

// Valid reports whether the status value is within the supported range.
func (s PurchaseStatus) Valid() bool {
	return s <= StatusCancelled
}

// Open reports whether the purchase still holds (or may still receive) funds.
func (s PurchaseStatus) Open() bool {
	switch s {
	case StatusCreated, StatusPartlyDeposited, StatusDeposited:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status has no outgoing transitions.
func (s PurchaseStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ParseStatus converts a status name back into its enum value.
func ParseStatus(name string) (PurchaseStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range statusNames {
		if candidate == normalized {
			return PurchaseStatus(i), nil
		}
	}
	return StatusNotCreated, fmt.Errorf("unknown purchase status: %s", name)
}

// Purchase is the custody record for one (buyer, item) pair. Timestamps are
// unix seconds and stay zero until the corresponding transition happens.
type Purchase struct {
	Buyer         [20]byte
	Seller        [20]byte
	Arbiter       [20]byte
	ItemID        uint64
	Price         *big.Int
	EscrowBalance *big.Int
	Status        PurchaseStatus
	CreatedAt     uint64
	DepositedAt   uint64
	CompletedAt   uint64
	CancelledAt   uint64
}

// Clone returns a deep copy of the purchase so callers can safely mutate the
// copy without affecting the stored instance.
func (p *Purchase) Clone() *Purchase {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Price = cloneBigInt(p.Price)
	clone.EscrowBalance = cloneBigInt(p.EscrowBalance)
	return &clone
}

// Key returns the identity key of the purchase.
func (p *Purchase) Key() [32]byte {
	return PurchaseKey(p.Buyer, p.ItemID)
}

// Remaining returns the amount still required to fully fund the purchase.
func (p *Purchase) Remaining() *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	remaining := new(big.Int).Sub(cloneBigInt(p.Price), cloneBigInt(p.EscrowBalance))
	if remaining.Sign() < 0 {
		return big.NewInt(0)
	}
	return remaining
}

// SanitizePurchase validates the stored invariants of a purchase and returns a
// clone with non-nil amount fields. The function does not mutate its input.
func SanitizePurchase(p *Purchase) (*Purchase, error) {
	if p == nil {
		return nil, fmt.Errorf("nil purchase")
	}
	clone := p.Clone()
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid purchase status: %d", clone.Status)
	}
	if clone.Price.Sign() < 0 || clone.EscrowBalance.Sign() < 0 {
		return nil, fmt.Errorf("purchase amounts must be non-negative")
	}
	if clone.EscrowBalance.Cmp(clone.Price) > 0 {
		return nil, fmt.Errorf("purchase balance %s exceeds price %s", clone.EscrowBalance, clone.Price)
	}
	if clone.Status.Terminal() && clone.EscrowBalance.Sign() != 0 {
		return nil, fmt.Errorf("terminal purchase must not hold funds")
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
