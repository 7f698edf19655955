package state

import (
	"encoding/binary"
)

var (
	purchasePrefix = []byte("escrow/purchase/")
	reservedPrefix = []byte("escrow/reserved/")
	balancePrefix  = []byte("bank/balance/")

	genesisMarkerKey = []byte("meta/genesis-applied")
	stateVersionKey  = []byte("meta/state-version")
	totalSupplyKey   = []byte("bank/supply")
)

func prefixedKey(prefix, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return buf
}

func purchaseKey(key [32]byte) []byte {
	return prefixedKey(purchasePrefix, key[:])
}

func reservedKey(itemID uint64) []byte {
	var word [8]byte
	binary.BigEndian.PutUint64(word[:], itemID)
	return prefixedKey(reservedPrefix, word[:])
}

func balanceKey(addr [20]byte) []byte {
	return prefixedKey(balancePrefix, addr[:])
}
