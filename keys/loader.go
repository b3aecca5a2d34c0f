// Package keys loads the provisioning authority signing key.
//
// # Key File Format
//
// Keys are stored in ~/.config/firefly/keys/ by default, with up to two files
// per key:
//
//	<key-name>.private - Format: "hexkey:secp256k1" where hexkey is the private scalar
//	<key-name>.address - Optional checksummed address the key must derive
//
// # Loading Keys
//
// Load a signer using the FileKeyProvider:
//
//	provider := &keys.FileKeyProvider{KeyName: "authority"}
//	signer, err := provider.GetSigner(context.Background())
//	if err != nil {
//		log.Fatal(err)
//	}
//	sig, err := signer.SignMessage([]byte(message))
//
// # Key Formats
//
// The private key format in .private file is "hexkey:curve" where:
//   - hexkey: Hex-encoded private key scalar (64 hex characters)
//   - curve: Curve name (currently only "secp256k1" is supported)
package keys

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/firefly/pixie-provisioner/crypto"
)

// ErrAddressMismatch is returned when a key does not derive the expected address.
var ErrAddressMismatch = errors.New("key does not match expected address")

// Signer signs authority messages
type Signer interface {
	Address() crypto.Address
	SignMessage(message []byte) ([]byte, error)
}

// LocalSigner signs with an in-memory secp256k1 key
type LocalSigner struct {
	key     *secp256k1.PrivateKey
	address crypto.Address
}

// NewLocalSigner wraps key as a Signer.
func NewLocalSigner(key *secp256k1.PrivateKey) *LocalSigner {
	return &LocalSigner{
		key:     key,
		address: crypto.AddressFromPublicKey(key.PubKey()),
	}
}

// Address returns the address derived from the key.
func (s *LocalSigner) Address() crypto.Address {
	return s.address
}

// SignMessage returns a 64-byte compact personal-message signature.
func (s *LocalSigner) SignMessage(message []byte) ([]byte, error) {
	return crypto.SignPersonalMessage(s.key, message)
}

// FileKeyProvider loads a Signer from key files
type FileKeyProvider struct {
	// Dir overrides DefaultKeyDir when set.
	Dir     string
	KeyName string
	// Expected, when non-zero, must equal the address the key derives.
	Expected crypto.Address
}

// GetSigner loads the signer from files
func (f *FileKeyProvider) GetSigner(ctx context.Context) (Signer, error) {
	dir := f.Dir
	if dir == "" {
		var err error
		dir, err = DefaultKeyDir()
		if err != nil {
			return nil, err
		}
	}

	signer, err := LoadSignerFromDir(dir, f.KeyName)
	if err != nil {
		return nil, err
	}

	if f.Expected != (crypto.Address{}) && !signer.Address().Equal(f.Expected) {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrAddressMismatch, signer.Address().Hex(), f.Expected.Hex())
	}

	return signer, nil
}

// DefaultKeyDir returns ~/.config/firefly/keys
func DefaultKeyDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "firefly", "keys"), nil
}

// LoadSignerFromDir loads keyName from configDir
func LoadSignerFromDir(configDir, keyName string) (*LocalSigner, error) {
	privateKeyPath := filepath.Join(configDir, keyName+".private")
	privateKeyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}

	key, err := ParsePrivateKey(string(privateKeyBytes))
	if err != nil {
		return nil, err
	}
	signer := NewLocalSigner(key)

	// Optional address pin
	addressPath := filepath.Join(configDir, keyName+".address")
	addressBytes, err := os.ReadFile(addressPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return signer, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read address file: %w", err)
	}

	expected, err := crypto.ParseAddress(strings.TrimSpace(string(addressBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse address file: %w", err)
	}
	if !signer.Address().Equal(expected) {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrAddressMismatch, signer.Address().Hex(), expected.Hex())
	}

	return signer, nil
}

// ParsePrivateKey parses "hexkey:secp256k1" content
func ParsePrivateKey(content string) (*secp256k1.PrivateKey, error) {
	parts := strings.Split(strings.TrimSpace(content), ":")
	if len(parts) != 2 {
		return nil, errors.New("invalid private key format, expected 'hexkey:curve'")
	}

	privateKeyHex := strings.TrimPrefix(parts[0], "0x")
	curve := parts[1]

	if curve != "secp256k1" {
		return nil, fmt.Errorf("unsupported curve: %s, only secp256k1 is supported", curve)
	}

	raw, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key hex: %w", err)
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid private key length: %d bytes", len(raw))
	}

	key := secp256k1.PrivKeyFromBytes(raw)
	if key.Key.IsZero() {
		return nil, errors.New("invalid private key: zero scalar")
	}

	return key, nil
}
