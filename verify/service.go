package verify

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/firefly/pixie-provisioner/attestation"
	"github.com/firefly/pixie-provisioner/crypto"
)

// Verifier validates attestation records against a fixed authority
type Verifier struct {
	config Config
}

// NewVerifier creates a new verifier. A zero Exponent selects DefaultExponent.
func NewVerifier(config Config) *Verifier {
	if config.Exponent == 0 {
		config.Exponent = DefaultExponent
	}
	return &Verifier{config: config}
}

// Authority returns the address records must be signed by.
func (v *Verifier) Authority() crypto.Address {
	return v.config.Authority
}

// Verify checks record and returns the identity it proves
func (v *Verifier) Verify(record *attestation.Record) (*Result, error) {
	if record.Version != attestation.CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, record.Version)
	}

	// Step 1: authority signature over model, serial and modulus
	message := AuthorityMessage(record.ModelID(), record.SerialID(), record.PubkeyModulus[:])
	signer, err := crypto.RecoverAddress([]byte(message), record.AttestationSig[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthorityMismatch, err)
	}
	if !signer.Equal(v.config.Authority) {
		return nil, fmt.Errorf("%w: recovered %s", ErrAuthorityMismatch, signer.Hex())
	}

	// Step 2: device proves possession of the RSA key
	hash, err := attestation.ChallengeHash(record)
	if err != nil {
		return nil, fmt.Errorf("failed to hash challenge: %w", err)
	}
	if !v.checkChallenge(record, hash) {
		return nil, ErrSignatureMismatch
	}

	return &Result{
		Authority: signer,
		Model:     record.ModelID(),
		ModelName: ModelName(record.ModelID()),
		Serial:    record.SerialID(),
		Nonce:     bytes.Clone(record.Nonce[:]),
	}, nil
}

// VerifyBytes decodes and verifies a raw record.
func (v *Verifier) VerifyBytes(data []byte) (*Result, error) {
	record, err := attestation.Decode(data)
	if err != nil {
		return nil, err
	}
	return v.Verify(record)
}

// VerifyHex decodes and verifies a hex record, as reported by the device.
func (v *Verifier) VerifyHex(s string) (*Result, error) {
	record, err := attestation.DecodeHex(s)
	if err != nil {
		return nil, err
	}
	return v.Verify(record)
}

func (v *Verifier) checkChallenge(record *attestation.Record, hash []byte) bool {
	modulus := new(big.Int).SetBytes(record.PubkeyModulus[:])
	sig := new(big.Int).SetBytes(record.ChallengeSig[:])

	// an all-zero modulus cannot verify anything
	check, err := crypto.ModExp(sig, big.NewInt(v.config.Exponent), modulus)
	if err != nil {
		return false
	}

	return check.Cmp(new(big.Int).SetBytes(hash)) == 0
}

// ExpectNonce confirms result echoes the nonce sent with the request.
func ExpectNonce(result *Result, nonce []byte) error {
	if !bytes.Equal(result.Nonce, nonce) {
		return fmt.Errorf("%w: sent %x, got %x", ErrNonceMismatch, nonce, result.Nonce)
	}
	return nil
}

// AuthorityMessage builds the exact text the authority signs for a device.
func AuthorityMessage(model, serial uint32, pubkeyModulus []byte) string {
	var m, s [4]byte
	binary.BigEndian.PutUint32(m[:], model)
	binary.BigEndian.PutUint32(s[:], serial)

	return fmt.Sprintf("model=%s serial=%s pubkey=%s",
		hex.EncodeToString(m[:]), hex.EncodeToString(s[:]), hex.EncodeToString(pubkeyModulus))
}

// ModelName returns the product name for a model id.
func ModelName(model uint32) string {
	if model>>8 == 1 {
		return fmt.Sprintf("Firefly Pixie (DevKit; rev.%d)", model&0xff)
	}
	return fmt.Sprintf("unknown model 0x%x", model)
}
