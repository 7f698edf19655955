package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"escrowledger/native/escrow"
)

// PurchasePut stores the purchase under its identity key.
func (m *Manager) PurchasePut(p *escrow.Purchase) error {
	sanitized, err := escrow.SanitizePurchase(p)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(sanitized)
	if err != nil {
		return err
	}
	return m.put(purchaseKey(sanitized.Key()), encoded)
}

// PurchaseGet loads the purchase stored under key.
func (m *Manager) PurchaseGet(key [32]byte) (*escrow.Purchase, bool, error) {
	data, err := m.get(purchaseKey(key))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	stored := new(escrow.Purchase)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, fmt.Errorf("state: decode purchase: %w", err)
	}
	sanitized, err := escrow.SanitizePurchase(stored)
	if err != nil {
		return nil, false, err
	}
	return sanitized, true, nil
}

// ItemReserved reports whether itemID is held by an open escrow.
func (m *Manager) ItemReserved(itemID uint64) (bool, error) {
	data, err := m.get(reservedKey(itemID))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	var reserved bool
	if err := rlp.DecodeBytes(data, &reserved); err != nil {
		return false, fmt.Errorf("state: decode reservation: %w", err)
	}
	return reserved, nil
}

// SetItemReserved records the reservation flag for itemID.
func (m *Manager) SetItemReserved(itemID uint64, reserved bool) error {
	encoded, err := rlp.EncodeToBytes(reserved)
	if err != nil {
		return err
	}
	return m.put(reservedKey(itemID), encoded)
}
