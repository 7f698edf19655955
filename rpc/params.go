package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"escrowledger/crypto"
	"escrowledger/native/bank"
)

func parseAddressParam(field, value string) ([20]byte, error) {
	if strings.TrimSpace(value) == "" {
		return [20]byte{}, fmt.Errorf("%s required", field)
	}
	addr, err := crypto.ParseAddress(value)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%s: %w", field, err)
	}
	return addr.Raw(), nil
}

func parseKeyParam(value string) ([32]byte, error) {
	var key [32]byte
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(value), "0x"), "0X")
	if trimmed == "" {
		return key, fmt.Errorf("key required")
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return key, fmt.Errorf("key: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func parseAmountParam(field, value string) (*big.Int, error) {
	amount, err := bank.ParseAmount(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return amount, nil
}

// decodeSingleParam unmarshals the one positional parameter object of req.
func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return err
	}
	return nil
}

// FormatAddress renders a raw account in its bech32 form.
func FormatAddress(addr [20]byte) string {
	return crypto.FromRaw(addr).String()
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
