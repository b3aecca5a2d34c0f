// Package testdata provides embedded test fixtures for use across all test packages.
package testdata

import (
	_ "embed"
	"encoding/hex"
	"strings"
)

// AttestationSerial9Hex is a production attestation for model 0x0105, serial 9,
// requested with nonce 1234567890abcdef.
//
//go:embed attest-0105-000009.hex
var AttestationSerial9Hex string

// AttestationSerial10Hex is a production attestation for model 0x0105, serial 10,
// requested with nonce 0123456789abcdef.
//
//go:embed attest-0105-00000a.hex
var AttestationSerial10Hex string

// AuthorityAddress signed both production attestations.
const AuthorityAddress = "0x70CD34d96E58876a25445dd75f54630D99258182"

// AttestationSerial9 returns the decoded serial 9 attestation bytes.
func AttestationSerial9() []byte {
	return mustDecode(AttestationSerial9Hex)
}

// AttestationSerial10 returns the decoded serial 10 attestation bytes.
func AttestationSerial10() []byte {
	return mustDecode(AttestationSerial10Hex)
}

func mustDecode(s string) []byte {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		panic(err)
	}
	return b
}
