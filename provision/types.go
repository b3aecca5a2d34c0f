// Package provision drives the multi-step device workflows built on a
// ready repl session.
//
// # Provisioning
//
// Provision assigns the next free serial for a model, has the device
// generate its RSA key, signs the device identity with the authority key and
// burns everything into the device. Every run is recorded in the device's
// provisioning log, whether it succeeds or not.
//
//	svc := provision.NewService(session, provision.Config{
//		StoreRoot: "/Volumes/FireflyProvision",
//		Signer:    signer,
//		Verifier:  verify.NewVerifier(verify.DefaultConfig()),
//	})
//	result, err := svc.Provision(ctx, 0x0105)
//
// # Restore
//
// Restore rewrites the key material of a burned device from its
// provisioning log, for example after its flash was erased.
//
// # Attest
//
// Attest asks a provisioned device for a fresh attestation and verifies it.
package provision

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/firefly/pixie-provisioner/attestation"
	"github.com/firefly/pixie-provisioner/keys"
	"github.com/firefly/pixie-provisioner/repl"
	"github.com/firefly/pixie-provisioner/verify"
)

// SupportedFirmwareVersion is the only REPL version these flows understand.
const SupportedFirmwareVersion = 1

var (
	// ErrUnsupportedFirmware is returned when VERSION reports anything but 1.
	ErrUnsupportedFirmware = errors.New("unsupported firmware version")

	// ErrNotProvisioned is returned when DUMP reports the device is not ready.
	ErrNotProvisioned = errors.New("device not provisioned")

	// ErrMissingValue is returned when a command does not report an expected key.
	ErrMissingValue = errors.New("missing response value")

	// ErrNoSigner is returned by Provision when no authority signer is configured.
	ErrNoSigner = errors.New("no authority signer configured")
)

// Device executes commands on a ready device. *repl.Session implements it.
type Device interface {
	SendCommand(ctx context.Context, command string, policy repl.ErrorPolicy) (*repl.Result, error)
}

// Config holds the collaborators of a Service
type Config struct {
	// StoreRoot is the directory holding the devices/ provisioning logs.
	StoreRoot string
	Signer    keys.Signer
	Verifier  *verify.Verifier
	Logger    *slog.Logger
	// Random defaults to crypto/rand.Reader.
	Random io.Reader
}

// ProvisionResult describes a provisioned device
type ProvisionResult struct {
	Model     uint32 `json:"model"`
	Serial    uint32 `json:"serial"`
	Authority string `json:"authority"`
	PubkeyN   string `json:"pubkeyN"`
	LogPath   string `json:"logPath"`
}

// AttestResult is a verified attestation fetched from a device
type AttestResult struct {
	Verification *verify.Result
	Record       *attestation.Record
	Raw          []byte
}

var _ Device = (*repl.Session)(nil)
