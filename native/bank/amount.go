package bank

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// ParseAmount parses a non-negative base-unit amount written in decimal or as
// 0x-prefixed hex. Values must fit in 256 bits.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	var (
		v   *uint256.Int
		err error
	)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		v, err = uint256.FromHex("0x" + trimmed[2:])
	} else {
		v, err = uint256.FromDecimal(trimmed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, raw, err)
	}
	return v.ToBig(), nil
}
