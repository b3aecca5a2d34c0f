package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/firefly/pixie-provisioner/attestation"
	"github.com/firefly/pixie-provisioner/verify"
)

// VerifyCommand creates the verify command
func VerifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Verify a saved attestation offline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "file",
				Usage: "Path to an attestation file (raw bytes or hex text)",
			},
			&cli.StringFlag{
				Name:  "hex",
				Usage: "Hex-encoded attestation",
			},
			&cli.StringFlag{
				Name:  "nonce",
				Usage: "Expected nonce in hex",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		},
		Action: runVerifyCommand,
	}
}

func runVerifyCommand(ctx context.Context, cmd *cli.Command) error {
	filePath := cmd.String("file")
	hexInput := cmd.String("hex")
	asJSON := cmd.Bool("json")

	if filePath == "" && hexInput == "" {
		return fmt.Errorf("either --file or --hex must be provided")
	}
	if filePath != "" && hexInput != "" {
		return fmt.Errorf("only one of --file or --hex should be provided")
	}

	nonce, err := parseNonce(cmd.String("nonce"))
	if err != nil {
		return err
	}

	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	vc, err := cfg.VerifierConfig()
	if err != nil {
		return err
	}

	var record *attestation.Record
	if filePath != "" {
		record, err = attestation.DecodeFile(filePath)
	} else {
		record, err = attestation.DecodeHex(hexInput)
	}
	if err != nil {
		return fmt.Errorf("failed to decode attestation: %w", err)
	}

	result, err := verifyRecord(verify.NewVerifier(vc), record, nonce)
	formatter := verify.NewFormatter()

	if asJSON {
		var output map[string]interface{}
		if err != nil {
			output = formatter.FormatFailureJSON(err)
		} else {
			output = formatter.FormatResultJSON(result)
		}
		jsonOutput, mErr := json.MarshalIndent(output, "", "  ")
		if mErr != nil {
			return fmt.Errorf("failed to marshal output: %w", mErr)
		}
		fmt.Println(string(jsonOutput))
	} else {
		fmt.Print(formatter.FormatRecord(record))
	}

	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	if !asJSON {
		fmt.Printf("\n=== VERIFICATION COMPLETE ===\n")
		fmt.Print(formatter.FormatResult(result))
	}
	fmt.Fprintf(os.Stderr, "✓ Attestation is valid\n")

	return nil
}

func verifyRecord(verifier *verify.Verifier, record *attestation.Record, nonce []byte) (*verify.Result, error) {
	result, err := verifier.Verify(record)
	if err != nil {
		return nil, err
	}
	if nonce != nil {
		if err := verify.ExpectNonce(result, nonce); err != nil {
			return nil, err
		}
	}
	return result, nil
}
