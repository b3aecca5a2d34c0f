package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/firefly/pixie-provisioner/pkg/serialport"
)

// PortsCommand creates the ports command
func PortsCommand() *cli.Command {
	return &cli.Command{
		Name:  "ports",
		Usage: "List serial ports and mark the ones that look like a Pixie",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		},
		Action: runPortsCommand,
	}
}

func runPortsCommand(ctx context.Context, cmd *cli.Command) error {
	ports, err := serialport.List()
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		jsonOutput, err := json.MarshalIndent(ports, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		fmt.Println(string(jsonOutput))
		return nil
	}

	printPorts(os.Stdout, ports)
	return nil
}

func printPorts(w io.Writer, ports []serialport.PortInfo) {
	if len(ports) == 0 {
		fmt.Fprintln(w, "No serial ports found")
		return
	}

	for _, p := range ports {
		mark := " "
		if p.IsPixie() {
			mark = "✓"
		}
		fmt.Fprintf(w, "%s %s", mark, p.Name)
		if p.USB {
			fmt.Fprintf(w, " [%s:%s]", p.VID, p.PID)
		}
		if p.Product != "" {
			fmt.Fprintf(w, " %s", p.Product)
		}
		if p.SerialNumber != "" {
			fmt.Fprintf(w, " (serial %s)", p.SerialNumber)
		}
		fmt.Fprintln(w)
	}
}
