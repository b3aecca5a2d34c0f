package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/urfave/cli/v3"

	"github.com/firefly/pixie-provisioner/cmd"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "pixie-provision",
		Usage: "Firefly Pixie provisioning host",
		Flags: cmd.GlobalFlags(),
		Commands: []*cli.Command{
			cmd.ProvisionCommand(),
			cmd.RestoreCommand(),
			cmd.AttestCommand(),
			cmd.VerifyCommand(),
			cmd.ConsoleCommand(),
			cmd.PortsCommand(),
			cmd.TranscriptCommand(),
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
