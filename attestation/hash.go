package attestation

import (
	"crypto/sha256"
	"encoding/hex"
)

// ChallengeHash computes SHA256 of the challenge bytes of r.
func ChallengeHash(r *Record) ([]byte, error) {
	challenge, err := r.Challenge()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(challenge)
	return sum[:], nil
}

// ComputeHash computes the hex SHA256 of raw record bytes.
func ComputeHash(recordBytes []byte) string {
	sum := sha256.Sum256(recordBytes)
	return hex.EncodeToString(sum[:])
}
