// Package crypto provides the signature primitives used to provision and
// verify device attestations.
//
// This package provides:
//   - Ethereum personal-message hashing (Keccak-256)
//   - EIP-2098 compact secp256k1 signatures (64 bytes, r || yParityAndS)
//   - Signer address recovery from a compact signature
//   - Square-and-multiply modular exponentiation for the RSA challenge
//
// # Signing
//
// Sign a message with the authority key:
//
//	signature, err := crypto.SignPersonalMessage(privateKey, []byte(message))
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Recovery
//
// Recover the signing address:
//
//	address, err := crypto.RecoverAddress([]byte(message), signature)
//	if err != nil {
//		log.Fatal(err)
//	}
package crypto

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// CompactSignatureSize is the length of an EIP-2098 compact signature.
const CompactSignatureSize = 64

// compactMagic is the recovery code offset used by secp256k1 compact signatures.
const compactMagic = 27

// ErrInvalidSignature is returned when a signature cannot be parsed or recovered.
var ErrInvalidSignature = errors.New("invalid signature")

// Keccak256 computes the legacy Keccak-256 digest of the concatenated data.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// PersonalMessageHash computes the digest signed by personal_sign:
// keccak256("\x19Ethereum Signed Message:\n" + len(message) + message).
func PersonalMessageHash(message []byte) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message))
	return Keccak256([]byte(prefix), message)
}

// DecodeCompactSignature splits an EIP-2098 signature into r, s and the
// y-parity bit stored in the top bit of s.
func DecodeCompactSignature(signature []byte) (r, s []byte, yParity byte, err error) {
	if len(signature) != CompactSignatureSize {
		return nil, nil, 0, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, CompactSignatureSize, len(signature))
	}

	r = append([]byte(nil), signature[:32]...)
	s = append([]byte(nil), signature[32:]...)
	yParity = s[0] >> 7
	s[0] &= 0x7f

	return r, s, yParity, nil
}

// EncodeCompactSignature packs r, s and the y-parity bit into 64 bytes.
func EncodeCompactSignature(r, s []byte, yParity byte) ([]byte, error) {
	if len(r) != 32 || len(s) != 32 {
		return nil, fmt.Errorf("%w: r and s must be 32 bytes", ErrInvalidSignature)
	}
	if s[0]&0x80 != 0 {
		return nil, fmt.Errorf("%w: s is not in the lower half order", ErrInvalidSignature)
	}
	if yParity > 1 {
		return nil, fmt.Errorf("%w: y-parity must be 0 or 1", ErrInvalidSignature)
	}

	signature := make([]byte, CompactSignatureSize)
	copy(signature[:32], r)
	copy(signature[32:], s)
	signature[32] |= yParity << 7

	return signature, nil
}

// SignPersonalMessage signs the personal-message digest of message and
// returns the compact 64-byte signature.
func SignPersonalMessage(key *secp256k1.PrivateKey, message []byte) ([]byte, error) {
	if key == nil {
		return nil, errors.New("missing private key")
	}

	// [code || R || S] with code = 27 + recovery id for uncompressed keys
	sig := ecdsa.SignCompact(key, PersonalMessageHash(message), false)

	recovery := sig[0] - compactMagic
	if recovery > 1 {
		return nil, fmt.Errorf("%w: unsupported recovery id %d", ErrInvalidSignature, recovery)
	}

	return EncodeCompactSignature(sig[1:33], sig[33:65], recovery)
}

// RecoverAddress returns the address whose key produced signature over the
// personal-message digest of message.
func RecoverAddress(message []byte, signature []byte) (Address, error) {
	r, s, yParity, err := DecodeCompactSignature(signature)
	if err != nil {
		return Address{}, err
	}

	compact := make([]byte, 65)
	compact[0] = compactMagic + yParity
	copy(compact[1:33], r)
	copy(compact[33:], s)

	pub, _, err := ecdsa.RecoverCompact(compact, PersonalMessageHash(message))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return AddressFromPublicKey(pub), nil
}
