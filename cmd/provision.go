package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/firefly/pixie-provisioner/crypto"
	"github.com/firefly/pixie-provisioner/keys"
	"github.com/firefly/pixie-provisioner/verify"
)

// ProvisionCommand creates the provision command
func ProvisionCommand() *cli.Command {
	return &cli.Command{
		Name:  "provision",
		Usage: "Assign the next serial, generate the device key and burn the attestation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "model",
				Usage:    "Model id to provision (decimal or 0x-prefixed hex, e.g. 0x0105)",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		},
		Action: runProvisionCommand,
	}
}

func runProvisionCommand(ctx context.Context, cmd *cli.Command) error {
	model, err := parseModel(cmd.String("model"))
	if err != nil {
		return err
	}
	asJSON := cmd.Bool("json")

	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}
	signer, err := loadSigner(ctx, cfg)
	if err != nil {
		return err
	}

	env, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	fmt.Fprintf(os.Stderr, "\n=== Provisioning %s ===\n", verify.ModelName(model))
	fmt.Fprintf(os.Stderr, "✓ Authority: %s\n", signer.Address().Hex())

	result, err := env.service(signer).Provision(ctx, model)
	if err != nil {
		return fmt.Errorf("provisioning failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "✓ Serial: %d\n", result.Serial)
	fmt.Fprintf(os.Stderr, "✓ Attestation burned\n")
	fmt.Fprintf(os.Stderr, "✓ Log: %s\n", result.LogPath)

	if asJSON {
		jsonOutput, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		fmt.Println(string(jsonOutput))
	}

	return nil
}

// loadSigner loads the authority key. A key that does not match the
// configured authority is rejected before anything is burned.
func loadSigner(ctx context.Context, cfg *Config) (keys.Signer, error) {
	provider := &keys.FileKeyProvider{Dir: cfg.KeyDir, KeyName: cfg.KeyName}
	if cfg.Authority != "" {
		expected, err := crypto.ParseAddress(cfg.Authority)
		if err != nil {
			return nil, fmt.Errorf("invalid authority: %w", err)
		}
		provider.Expected = expected
	}

	signer, err := provider.GetSigner(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load authority key: %w", err)
	}
	return signer, nil
}

func parseModel(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid model %q: %w", s, err)
	}
	return uint32(n), nil
}
