// Package verify checks device attestation records against the provisioning
// authority.
//
// Verification runs these checks in order and stops at the first failure:
//   - the record version is supported
//   - the authority signature over the model, serial and RSA modulus
//     recovers to the configured authority address
//   - the RSA challenge signature raised to the public exponent modulo the
//     device modulus equals SHA-256 of the first 472 record bytes
//
// # Verification Flow
//
//	verifier := verify.NewVerifier(verify.DefaultConfig())
//	result, err := verifier.VerifyHex(attestHex)
//	if err != nil {
//		log.Fatalf("attestation rejected: %v", err)
//	}
//	fmt.Println(result.ModelName, result.Serial)
//
// # Nonce Binding
//
// The record echoes the nonce sent with ATTEST. Callers that issued the
// request should confirm it with ExpectNonce so a replayed record is rejected.
package verify

import (
	"encoding/hex"
	"errors"

	"github.com/firefly/pixie-provisioner/crypto"
)

// DefaultAuthority is the address of the Firefly provisioning authority.
const DefaultAuthority = "0x70CD34d96E58876a25445dd75f54630D99258182"

// DefaultExponent is the RSA public exponent used by the device.
const DefaultExponent = 65537

var (
	// ErrUnsupportedVersion is returned for any record version other than 1.
	ErrUnsupportedVersion = errors.New("unsupported attestation version")

	// ErrAuthorityMismatch is returned when the authority signature does not
	// recover to the configured authority.
	ErrAuthorityMismatch = errors.New("attestation not signed by authority")

	// ErrSignatureMismatch is returned when the RSA challenge signature is invalid.
	ErrSignatureMismatch = errors.New("challenge signature mismatch")

	// ErrNonceMismatch is returned when the echoed nonce differs from the request.
	ErrNonceMismatch = errors.New("attestation nonce mismatch")
)

// Config holds the trust anchors for verification
type Config struct {
	Authority crypto.Address
	Exponent  int64
}

// DefaultConfig returns the production trust anchors
func DefaultConfig() Config {
	return Config{
		Authority: crypto.MustParseAddress(DefaultAuthority),
		Exponent:  DefaultExponent,
	}
}

// Result is the identity proven by a valid attestation
type Result struct {
	Authority crypto.Address `json:"authority"`
	Model     uint32         `json:"model"`
	ModelName string         `json:"modelName"`
	Serial    uint32         `json:"serial"`
	Nonce     []byte         `json:"-"`
}

// NonceHex returns the nonce as lowercase hex.
func (r *Result) NonceHex() string {
	return hex.EncodeToString(r.Nonce)
}
