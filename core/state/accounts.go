package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

// Balance returns the spendable balance of addr. Unknown accounts hold zero.
func (m *Manager) Balance(addr [20]byte) (*big.Int, error) {
	data, err := m.get(balanceKey(addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, fmt.Errorf("state: decode balance: %w", err)
	}
	return amount, nil
}

// SetBalance overwrites the balance of addr.
func (m *Manager) SetBalance(addr [20]byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative balance")
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.put(balanceKey(addr), encoded)
}
