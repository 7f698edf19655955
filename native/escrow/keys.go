package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PurchaseKey derives the deterministic identity of a purchase: the keccak256
// hash of the buyer address followed by the item id as a 32-byte big-endian
// word.
func PurchaseKey(buyer [20]byte, itemID uint64) [32]byte {
	word := common.LeftPadBytes(new(big.Int).SetUint64(itemID).Bytes(), 32)
	return ethcrypto.Keccak256Hash(buyer[:], word)
}

// ModuleAddress returns the custody address of a native module.
func ModuleAddress(module string) [20]byte {
	var addr [20]byte
	digest := ethcrypto.Keccak256([]byte("module/" + module))
	copy(addr[:], digest[12:])
	return addr
}

// DefaultAddress is the custody account the ledger holds deposits in unless
// configured otherwise.
var DefaultAddress = ModuleAddress("escrow")
