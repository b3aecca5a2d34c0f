package crypto

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// AddressLength is the byte length of an account address.
const AddressLength = 20

// Address is the Keccak-256 derived account address of a secp256k1 key.
type Address [AddressLength]byte

// ParseAddress parses a 0x-prefixed hex address. Checksum casing is not enforced.
func ParseAddress(s string) (Address, error) {
	var addr Address

	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != 2*AddressLength {
		return addr, fmt.Errorf("invalid address length: %q", s)
	}

	b, err := hex.DecodeString(raw)
	if err != nil {
		return addr, fmt.Errorf("invalid address hex: %w", err)
	}
	copy(addr[:], b)

	return addr, nil
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// AddressFromPublicKey derives the address of pub.
func AddressFromPublicKey(pub *secp256k1.PublicKey) Address {
	var addr Address
	uncompressed := pub.SerializeUncompressed()
	copy(addr[:], Keccak256(uncompressed[1:])[12:])
	return addr
}

// Hex returns the EIP-55 mixed-case checksum encoding.
func (a Address) Hex() string {
	lower := hex.EncodeToString(a[:])
	hash := hex.EncodeToString(Keccak256([]byte(lower)))

	out := []byte(lower)
	for i, c := range out {
		if c >= 'a' && c <= 'f' && hash[i] >= '8' {
			out[i] = c - 'a' + 'A'
		}
	}

	return "0x" + string(out)
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return a.Hex()
}

// Equal reports whether a and b are the same address.
func (a Address) Equal(b Address) bool {
	return bytes.Equal(a[:], b[:])
}

// MarshalText encodes the address in checksum form.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

// UnmarshalText parses a hex address.
func (a *Address) UnmarshalText(text []byte) error {
	addr, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = addr
	return nil
}
