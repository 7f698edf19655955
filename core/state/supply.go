package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

// TotalSupply returns the amount of value ever issued into the ledger. Value
// is only moved afterwards, so the sum of all balances always equals it.
func (m *Manager) TotalSupply() (*big.Int, error) {
	data, err := m.get(totalSupplyKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	total := new(big.Int)
	if err := rlp.DecodeBytes(data, total); err != nil {
		return nil, fmt.Errorf("state: decode supply: %w", err)
	}
	return total, nil
}

// AdjustSupply adds delta to the total supply and returns the new total.
func (m *Manager) AdjustSupply(delta *big.Int) (*big.Int, error) {
	if delta == nil {
		delta = big.NewInt(0)
	}
	current, err := m.TotalSupply()
	if err != nil {
		return nil, err
	}
	updated := new(big.Int).Add(current, delta)
	if updated.Sign() < 0 {
		return nil, fmt.Errorf("state: supply underflow")
	}
	encoded, err := rlp.EncodeToBytes(updated)
	if err != nil {
		return nil, err
	}
	if err := m.put(totalSupplyKey, encoded); err != nil {
		return nil, err
	}
	return updated, nil
}
