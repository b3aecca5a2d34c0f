// Package attestation provides the binary layout of device attestation records.
//
// An attestation is the fixed 856-byte blob a provisioned device returns for
// an ATTEST=<nonce> request. It binds the device model, serial and RSA public
// modulus to a signature from the provisioning authority, and proves
// possession of the RSA private key by signing the SHA-256 digest of
// everything that precedes the RSA signature.
//
// # Record Layout
//
//	version         1   format version (1)
//	nonceRand       7   device-chosen random padding
//	nonce           8   caller-supplied challenge, echoed back
//	model           4   big-endian model id
//	serial          4   big-endian serial id
//	pubkeyModulus 384   RSA-3072 modulus N
//	attestationSig 64   authority signature (EIP-2098 compact)
//	challengeSig  384   RSA signature over SHA256(first 472 bytes)
//
// # Decoding
//
// Decode a record received from the device:
//
//	record, err := attestation.DecodeHex(result.Values["attest"].String())
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Decoding never validates cryptographic content; see package verify.
package attestation

import (
	"encoding/binary"
	"encoding/hex"
)

// Field widths in bytes.
const (
	VersionSize        = 1
	NonceRandSize      = 7
	NonceSize          = 8
	ModelSize          = 4
	SerialSize         = 4
	PubkeyModulusSize  = 384
	AttestationSigSize = 64
	ChallengeSigSize   = 384

	// ChallengeSize is the number of leading bytes covered by ChallengeSig.
	ChallengeSize = VersionSize + NonceRandSize + NonceSize + ModelSize + SerialSize +
		PubkeyModulusSize + AttestationSigSize

	// RecordSize is the total encoded length of a Record.
	RecordSize = ChallengeSize + ChallengeSigSize
)

// CurrentVersion is the only record format version in use.
const CurrentVersion = 1

// Record is a decoded attestation. Fields appear in wire order.
type Record struct {
	Version        uint8                    `borsh:"version"`
	NonceRand      [NonceRandSize]byte      `borsh:"nonce_rand"`
	Nonce          [NonceSize]byte          `borsh:"nonce"`
	Model          [ModelSize]byte          `borsh:"model"`
	Serial         [SerialSize]byte         `borsh:"serial"`
	PubkeyModulus  [PubkeyModulusSize]byte  `borsh:"pubkey_modulus"`
	AttestationSig [AttestationSigSize]byte `borsh:"attestation_sig"`
	ChallengeSig   [ChallengeSigSize]byte   `borsh:"challenge_sig"`
}

// ModelID returns the model as an integer.
func (r *Record) ModelID() uint32 {
	return binary.BigEndian.Uint32(r.Model[:])
}

// SerialID returns the serial as an integer.
func (r *Record) SerialID() uint32 {
	return binary.BigEndian.Uint32(r.Serial[:])
}

// SetModelID stores model in big-endian form.
func (r *Record) SetModelID(model uint32) {
	binary.BigEndian.PutUint32(r.Model[:], model)
}

// SetSerialID stores serial in big-endian form.
func (r *Record) SetSerialID(serial uint32) {
	binary.BigEndian.PutUint32(r.Serial[:], serial)
}

// NonceHex returns the echoed nonce as lowercase hex.
func (r *Record) NonceHex() string {
	return hex.EncodeToString(r.Nonce[:])
}
