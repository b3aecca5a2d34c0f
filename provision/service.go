package provision

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/firefly/pixie-provisioner/attestation"
	"github.com/firefly/pixie-provisioner/crypto"
	"github.com/firefly/pixie-provisioner/keys"
	"github.com/firefly/pixie-provisioner/repl"
	"github.com/firefly/pixie-provisioner/store"
	"github.com/firefly/pixie-provisioner/verify"
)

const (
	stirSize  = 32
	nonceSize = attestation.NonceSize
)

// Service runs provisioning workflows against one device
type Service struct {
	device   Device
	root     string
	signer   keys.Signer
	verifier *verify.Verifier
	logger   *slog.Logger
	random   io.Reader
}

// NewService creates a new provisioning service
func NewService(device Device, config Config) *Service {
	s := &Service{
		device:   device,
		root:     config.StoreRoot,
		signer:   config.Signer,
		verifier: config.Verifier,
		logger:   config.Logger,
		random:   config.Random,
	}
	if s.verifier == nil {
		s.verifier = verify.NewVerifier(verify.DefaultConfig())
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.random == nil {
		s.random = rand.Reader
	}
	return s
}

// Provision provisions the next serial of model. The provisioning log is
// saved even when a step fails.
func (s *Service) Provision(ctx context.Context, model uint32) (*ProvisionResult, error) {
	if s.signer == nil {
		return nil, ErrNoSigner
	}

	log, err := store.Next(s.root, model)
	if err != nil {
		return nil, err
	}
	serial := log.Serial()
	log.Logf("READY; beginning model=0x%04x serial=%d run=%s", model, serial, log.RunID())
	s.logger.Info("provisioning device", "model", fmt.Sprintf("0x%04x", model), "serial", serial, "log", log.Path())

	result, runErr := s.provision(ctx, log, model, serial)
	if runErr != nil {
		log.Logf("error: %v", runErr)
	}
	if err := log.Save(); err != nil {
		return nil, errors.Join(runErr, fmt.Errorf("failed to save provisioning log: %w", err))
	}
	if runErr != nil {
		return nil, runErr
	}

	return result, nil
}

func (s *Service) provision(ctx context.Context, log *store.Log, model, serial uint32) (*ProvisionResult, error) {
	if err := s.checkVersion(ctx, log); err != nil {
		return nil, err
	}

	if _, err := s.run(ctx, log, repl.Command(repl.CmdSetModel, fmt.Sprint(model)), repl.FailOnError); err != nil {
		return nil, err
	}
	if _, err := s.run(ctx, log, repl.Command(repl.CmdSetSerial, fmt.Sprint(serial)), repl.FailOnError); err != nil {
		return nil, err
	}
	if _, err := s.run(ctx, log, repl.CmdDump, repl.FailOnError); err != nil {
		return nil, err
	}

	for _, cmd := range []string{repl.CmdStirEntropy, repl.CmdStirIV, repl.CmdStirKey} {
		seed := make([]byte, stirSize)
		if _, err := io.ReadFull(s.random, seed); err != nil {
			return nil, fmt.Errorf("failed to generate %s seed: %w", cmd, err)
		}
		if _, err := s.run(ctx, log, repl.Command(cmd, hex.EncodeToString(seed)), repl.FailOnError); err != nil {
			return nil, err
		}
	}

	keypair, err := s.run(ctx, log, repl.CmdGenKey, repl.FailOnError)
	if err != nil {
		return nil, err
	}
	pubkeyN, err := requireBytes(keypair, "pubkey.N")
	if err != nil {
		return nil, err
	}
	cipherData, err := requireBytes(keypair, "cipherdata")
	if err != nil {
		return nil, err
	}
	log.Set(store.KeyPubkeyN, hex.EncodeToString(pubkeyN))
	log.Set(store.KeyCipherData, hex.EncodeToString(cipherData))

	modulus, err := padModulus(pubkeyN)
	if err != nil {
		return nil, err
	}

	message := verify.AuthorityMessage(model, serial, modulus)
	log.Logf("message: %s", message)

	sig, err := s.signer.SignMessage([]byte(message))
	if err != nil {
		return nil, fmt.Errorf("failed to sign authority message: %w", err)
	}
	log.Set(store.KeyAttest, hex.EncodeToString(sig))

	steps := []string{
		repl.Command(repl.CmdSetAttest, hex.EncodeToString(sig)),
		repl.CmdWrite,
		repl.CmdBurn,
	}
	for _, cmd := range steps {
		if _, err := s.run(ctx, log, cmd, repl.FailOnError); err != nil {
			return nil, err
		}
	}

	if _, err := s.run(ctx, log, repl.CmdDump, repl.IgnoreDeviceError); err != nil {
		return nil, err
	}

	return &ProvisionResult{
		Model:     model,
		Serial:    serial,
		Authority: s.signer.Address().Hex(),
		PubkeyN:   hex.EncodeToString(modulus),
		LogPath:   log.Path(),
	}, nil
}

// Restore rewrites the attestation, RSA modulus and encrypted key of a
// burned device from its provisioning log, then proves the result with a
// fresh attestation and resets the device.
func (s *Service) Restore(ctx context.Context) (*AttestResult, error) {
	if err := s.checkVersion(ctx, nil); err != nil {
		return nil, err
	}

	model, serial, err := s.burnedIdentity(ctx, nil)
	if err != nil {
		return nil, err
	}

	log, err := store.Open(s.root, model, serial)
	if err != nil {
		return nil, err
	}
	log.Logf("RESTORE; model=0x%04x serial=%d run=%s", model, serial, log.RunID())
	s.logger.Info("restoring device", "model", fmt.Sprintf("0x%04x", model), "serial", serial, "log", log.Path())

	result, runErr := s.restore(ctx, log)
	if runErr != nil {
		log.Logf("error: %v", runErr)
	}
	if err := log.Save(); err != nil {
		return nil, errors.Join(runErr, fmt.Errorf("failed to save provisioning log: %w", err))
	}
	if runErr != nil {
		return nil, runErr
	}

	return result, nil
}

func (s *Service) restore(ctx context.Context, log *store.Log) (*AttestResult, error) {
	attest, err := compactAttestation(log.GetString(store.KeyAttest))
	if err != nil {
		return nil, err
	}
	pubkeyN := strings.TrimPrefix(log.GetString(store.KeyPubkeyN), "0x")
	cipherData := strings.TrimPrefix(log.GetString(store.KeyCipherData), "0x")
	if pubkeyN == "" || cipherData == "" {
		return nil, fmt.Errorf("%w: provisioning log lacks key material", ErrMissingValue)
	}

	steps := []string{
		repl.Command(repl.CmdSetAttest, attest),
		repl.Command(repl.CmdSetPubkeyN, pubkeyN),
		repl.Command(repl.CmdSetCipherData, cipherData),
		repl.CmdWrite,
		repl.CmdLoadEfuse,
	}
	for _, cmd := range steps {
		if _, err := s.run(ctx, log, cmd, repl.FailOnError); err != nil {
			return nil, err
		}
	}

	nonce, err := s.newNonce()
	if err != nil {
		return nil, err
	}
	result, err := s.attest(ctx, log, nonce)
	if err != nil {
		return nil, err
	}

	if _, err := s.run(ctx, log, repl.CmdReset, repl.FailOnError); err != nil {
		return nil, err
	}

	return result, nil
}

// Attest fetches and verifies an attestation bound to nonce. A nil nonce is
// replaced with a random one.
func (s *Service) Attest(ctx context.Context, nonce []byte) (*AttestResult, error) {
	if nonce == nil {
		var err error
		if nonce, err = s.newNonce(); err != nil {
			return nil, err
		}
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", nonceSize, len(nonce))
	}

	if err := s.checkVersion(ctx, nil); err != nil {
		return nil, err
	}
	if _, _, err := s.burnedIdentity(ctx, nil); err != nil {
		return nil, err
	}

	for _, cmd := range []string{repl.CmdLoadEfuse, repl.CmdLoadNVS} {
		if _, err := s.run(ctx, nil, cmd, repl.FailOnError); err != nil {
			return nil, err
		}
	}

	return s.attest(ctx, nil, nonce)
}

func (s *Service) attest(ctx context.Context, log *store.Log, nonce []byte) (*AttestResult, error) {
	proof, err := s.run(ctx, log, repl.Command(repl.CmdAttest, hex.EncodeToString(nonce)), repl.FailOnError)
	if err != nil {
		return nil, err
	}
	raw, err := requireBytes(proof, "attest")
	if err != nil {
		return nil, err
	}

	record, err := attestation.Decode(raw)
	if err != nil {
		return nil, err
	}
	result, err := s.verifier.Verify(record)
	if err != nil {
		return nil, fmt.Errorf("attestation rejected: %w", err)
	}
	if err := verify.ExpectNonce(result, nonce); err != nil {
		return nil, err
	}

	if log != nil {
		log.Logf("attestation verified: %s serial=%d", result.ModelName, result.Serial)
	}
	s.logger.Info("attestation verified", "model", result.ModelName, "serial", result.Serial)

	return &AttestResult{Verification: result, Record: record, Raw: raw}, nil
}

func (s *Service) checkVersion(ctx context.Context, log *store.Log) error {
	result, err := s.run(ctx, log, repl.CmdVersion, repl.FailOnError)
	if err != nil {
		return err
	}

	version, ok := result.Values["version"].Int()
	if !ok || version != SupportedFirmwareVersion {
		return fmt.Errorf("%w: %q", ErrUnsupportedFirmware, result.Text("version"))
	}
	return nil
}

// burnedIdentity returns the model and serial burned into efuse, failing
// when the device reports it is not provisioned.
func (s *Service) burnedIdentity(ctx context.Context, log *store.Log) (uint32, uint32, error) {
	dump, err := s.run(ctx, log, repl.CmdDump, repl.IgnoreDeviceError)
	if err != nil {
		return 0, 0, err
	}

	if ready, ok := dump.Values["ready"].Int(); !ok || ready == 0 {
		return 0, 0, ErrNotProvisioned
	}

	model, ok := dump.Values["efuse.model"].Int()
	if !ok {
		return 0, 0, fmt.Errorf("%w: efuse.model", ErrMissingValue)
	}
	serial, ok := dump.Values["efuse.serial"].Int()
	if !ok {
		return 0, 0, fmt.Errorf("%w: efuse.serial", ErrMissingValue)
	}

	return uint32(model), uint32(serial), nil
}

// run sends one command and records it and its values in log when set.
func (s *Service) run(ctx context.Context, log *store.Log, command string, policy repl.ErrorPolicy) (*repl.Result, error) {
	if log != nil {
		log.Logf("> %s", redact(command))
	}

	result, err := s.device.SendCommand(ctx, command, policy)
	if err != nil {
		if log != nil {
			log.Logf("! %s failed: %v", commandName(command), err)
		}
		return nil, fmt.Errorf("failed to run %s: %w", commandName(command), err)
	}

	if log != nil {
		keys := make([]string, 0, len(result.Values))
		for k := range result.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			log.Logf("< %s=%s", k, result.Values[k].String())
		}
		for _, e := range result.Errors {
			log.Logf("! %s", e)
		}
	}

	return result, nil
}

func (s *Service) newNonce() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

func requireBytes(result *repl.Result, key string) ([]byte, error) {
	v, ok := result.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingValue, key)
	}
	b, ok := v.Bytes()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not hex: %q", ErrMissingValue, key, v.Raw())
	}
	return b, nil
}

// padModulus left-pads the RSA modulus to its fixed record width.
func padModulus(n []byte) ([]byte, error) {
	if len(n) > attestation.PubkeyModulusSize {
		return nil, fmt.Errorf("RSA modulus too long: %d bytes", len(n))
	}
	out := make([]byte, attestation.PubkeyModulusSize)
	copy(out[len(out)-len(n):], n)
	return out, nil
}

// compactAttestation converts a logged authority signature to the 64-byte
// compact hex the device stores. Older logs hold 65-byte r||s||v signatures.
func compactAttestation(logged string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(logged, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid attest in provisioning log: %w", err)
	}

	switch len(sig) {
	case crypto.CompactSignatureSize:
		return hex.EncodeToString(sig), nil
	case crypto.CompactSignatureSize + 1:
		v := sig[64]
		if v >= 27 {
			v -= 27
		}
		compact, err := crypto.EncodeCompactSignature(sig[:32], sig[32:64], v)
		if err != nil {
			return "", fmt.Errorf("invalid attest in provisioning log: %w", err)
		}
		return hex.EncodeToString(compact), nil
	default:
		return "", fmt.Errorf("invalid attest in provisioning log: %d bytes", len(sig))
	}
}

func commandName(command string) string {
	name, _, _ := strings.Cut(command, "=")
	return name
}

func redact(command string) string {
	name := commandName(command)
	if strings.HasPrefix(name, "STIR-") {
		return name + "=<redacted>"
	}
	return command
}
