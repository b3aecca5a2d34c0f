package attestation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/near/borsh-go"
)

// ErrTruncatedRecord is returned when fewer than RecordSize bytes are supplied.
var ErrTruncatedRecord = errors.New("truncated attestation record")

// Decode decodes an attestation record. Bytes beyond RecordSize are ignored.
func Decode(data []byte) (*Record, error) {
	if len(data) < RecordSize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrTruncatedRecord, len(data), RecordSize)
	}

	// TODO: decide whether trailing bytes should be rejected once a v2 layout exists
	var record Record
	if err := borsh.Deserialize(&record, data[:RecordSize]); err != nil {
		return nil, fmt.Errorf("failed to deserialize attestation: %w", err)
	}

	return &record, nil
}

// DecodeHex decodes a hex-encoded record, with or without a 0x prefix.
func DecodeHex(s string) (*Record, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")

	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex: %w", err)
	}

	return Decode(data)
}

// DecodeFile decodes a record from a file holding either raw bytes or hex text.
func DecodeFile(filePath string) (*Record, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if isHexText(data) {
		return DecodeHex(string(data))
	}

	return Decode(data)
}

// Encode serializes a record into its RecordSize-byte wire form.
func Encode(record *Record) ([]byte, error) {
	data, err := borsh.Serialize(*record)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize attestation: %w", err)
	}
	return data, nil
}

// Challenge returns the bytes covered by ChallengeSig.
func (r *Record) Challenge() ([]byte, error) {
	data, err := Encode(r)
	if err != nil {
		return nil, err
	}
	return data[:ChallengeSize], nil
}

func isHexText(data []byte) bool {
	s := strings.TrimSpace(string(data))
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
