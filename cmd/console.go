package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v3"

	"github.com/firefly/pixie-provisioner/repl"
)

// ConsoleCommand creates the console command
func ConsoleCommand() *cli.Command {
	return &cli.Command{
		Name:   "console",
		Usage:  "Send commands to the device interactively",
		Action: runConsoleCommand,
	}
}

func runConsoleCommand(ctx context.Context, cmd *cli.Command) error {
	env, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pixie> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	c := &console{device: env.session, out: rl.Stdout()}
	c.printHelp()

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}

		if !c.handle(ctx, line) {
			return nil
		}
	}
}

// commandSender is the part of a session the console drives.
type commandSender interface {
	SendCommand(ctx context.Context, command string, policy repl.ErrorPolicy) (*repl.Result, error)
	WaitReady(ctx context.Context) error
	State() repl.State
}

type console struct {
	device commandSender
	out    io.Writer
}

// handle runs one input line and reports whether the console should keep
// going.
func (c *console) handle(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	switch strings.ToLower(input) {
	case "":
		return true
	case "help", "?":
		c.printHelp()
		return true
	case "quit", "exit", "q":
		return false
	}

	// device commands are upper case on the wire, values keep their case
	name, value, hasValue := strings.Cut(input, "=")
	command := strings.ToUpper(name)
	if hasValue {
		command = repl.Command(command, value)
	}

	result, err := c.device.SendCommand(ctx, command, repl.IgnoreDeviceError)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return c.resync(ctx)
	}
	c.printResult(result)
	return true
}

// resync waits for the device again after an abandoned command. The console
// ends once the session is closed.
func (c *console) resync(ctx context.Context) bool {
	switch c.device.State() {
	case repl.StateReady:
		return true
	case repl.StateClosed:
		return false
	}

	fmt.Fprintln(c.out, "resynchronizing with device...")
	if err := c.device.WaitReady(ctx); err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
	return true
}

func (c *console) printResult(result *repl.Result) {
	keys := make([]string, 0, len(result.Values))
	for k := range result.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := result.Values[k]
		fmt.Fprintf(c.out, "  %s = %s (%s)\n", k, v.String(), v.Kind())
	}
	for _, e := range result.Errors {
		fmt.Fprintf(c.out, "  ! %s\n", e)
	}
	if len(keys) == 0 && len(result.Errors) == 0 {
		fmt.Fprintln(c.out, "  ok")
	}
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, `
Pixie Console:
  VERSION, DUMP, PING, NOP       - Query the device
  LOAD-EFUSE, LOAD-NVS           - Load stored state
  ATTEST=<16 hex digits>         - Request an attestation
  <COMMAND>[=<value>]            - Send any other command
  help                           - Show this help
  quit                           - Exit`)
}
