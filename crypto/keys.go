package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the bech32 human-readable part of an account address.
type AddressPrefix string

// EscrowPrefix is used for every account known to the ledger.
const EscrowPrefix AddressPrefix = "esc"

var ErrInvalidAddress = errors.New("crypto: invalid address")

// Address is a 20-byte account identifier rendered in bech32.
type Address struct {
	prefix AddressPrefix
	raw    [20]byte
}

// NewAddress wraps raw bytes. It fails unless b is exactly 20 bytes long.
func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != 20 {
		return Address{}, fmt.Errorf("%w: expected 20 bytes, got %d", ErrInvalidAddress, len(b))
	}
	var raw [20]byte
	copy(raw[:], b)
	return Address{prefix: prefix, raw: raw}, nil
}

// FromRaw returns the escrow address for a raw account.
func FromRaw(raw [20]byte) Address {
	return Address{prefix: EscrowPrefix, raw: raw}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.raw[:], 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		return ""
	}
	return encoded
}

// Hex returns the 0x-prefixed hexadecimal form.
func (a Address) Hex() string { return "0x" + hex.EncodeToString(a.raw[:]) }

func (a Address) Bytes() []byte {
	out := make([]byte, len(a.raw))
	copy(out, a.raw[:])
	return out
}

// Raw returns the account as a fixed-size array.
func (a Address) Raw() [20]byte { return a.raw }

func (a Address) Prefix() AddressPrefix { return a.prefix }

// DecodeAddress parses a bech32 address carrying the escrow prefix.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if AddressPrefix(prefix) != EscrowPrefix {
		return Address{}, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidAddress, prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}

// ParseAddress accepts either the bech32 form or 0x-prefixed hex.
func ParseAddress(s string) (Address, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		b, err := hex.DecodeString(trimmed[2:])
		if err != nil {
			return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		return NewAddress(EscrowPrefix, b)
	}
	return DecodeAddress(trimmed)
}

// PrivateKey is a secp256k1 operator key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

// Address derives the account controlled by the key.
func (k *PrivateKey) Address() Address {
	return FromRaw(ethcrypto.PubkeyToAddress(k.PrivateKey.PublicKey))
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
