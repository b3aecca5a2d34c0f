package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/firefly/pixie-provisioner/provision"
	"github.com/firefly/pixie-provisioner/verify"
)

// AttestCommand creates the attest command
func AttestCommand() *cli.Command {
	return &cli.Command{
		Name:  "attest",
		Usage: "Request a fresh attestation from a provisioned device and verify it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "nonce",
				Usage: "8-byte nonce in hex (random when omitted)",
			},
			&cli.StringFlag{
				Name:  "save",
				Usage: "Save the attestation hex to the specified path",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		},
		Action: runAttestCommand,
	}
}

func runAttestCommand(ctx context.Context, cmd *cli.Command) error {
	nonce, err := parseNonce(cmd.String("nonce"))
	if err != nil {
		return err
	}

	env, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	result, err := env.service(nil).Attest(ctx, nonce)
	if err != nil {
		return fmt.Errorf("attestation failed: %w", err)
	}

	return reportAttestation(result, cmd.String("save"), cmd.Bool("json"))
}

// RestoreCommand creates the restore command
func RestoreCommand() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "Rewrite the key material of a provisioned device from its provisioning log",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		},
		Action: runRestoreCommand,
	}
}

func runRestoreCommand(ctx context.Context, cmd *cli.Command) error {
	env, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	result, err := env.service(nil).Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "✓ Device restored and reset\n")
	return reportAttestation(result, "", cmd.Bool("json"))
}

func reportAttestation(result *provision.AttestResult, savePath string, asJSON bool) error {
	formatter := verify.NewFormatter()

	fmt.Fprintf(os.Stderr, "\n=== Attestation ===\n")
	fmt.Fprint(os.Stderr, formatter.FormatRecord(result.Record))
	fmt.Fprintf(os.Stderr, "\n=== Verification ===\n")
	fmt.Fprint(os.Stderr, formatter.FormatResult(result.Verification))

	if savePath != "" {
		if err := os.WriteFile(savePath, []byte(hex.EncodeToString(result.Raw)+"\n"), 0o644); err != nil {
			return fmt.Errorf("failed to save attestation: %w", err)
		}
		fmt.Fprintf(os.Stderr, "✓ Attestation saved to %s\n", savePath)
	}

	if asJSON {
		output := formatter.FormatResultJSON(result.Verification)
		output["attestation"] = hex.EncodeToString(result.Raw)
		jsonOutput, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		fmt.Println(string(jsonOutput))
	}

	return nil
}

func parseNonce(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	nonce, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(nonce) != 8 {
		return nil, fmt.Errorf("invalid nonce: must be 8 bytes, got %d", len(nonce))
	}
	return nonce, nil
}
