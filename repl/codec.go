package repl

import (
	"fmt"
	"strconv"
	"strings"
)

// Wire commands understood by the device firmware.
const (
	CmdPing          = "PING"
	CmdNop           = "NOP"
	CmdVersion       = "VERSION"
	CmdDump          = "DUMP"
	CmdSetModel      = "SET-MODEL"
	CmdSetSerial     = "SET-SERIAL"
	CmdStirEntropy   = "STIR-ENTROPY"
	CmdStirIV        = "STIR-IV"
	CmdStirKey       = "STIR-KEY"
	CmdGenKey        = "GEN-KEY"
	CmdSetAttest     = "SET-ATTEST"
	CmdSetPubkeyN    = "SET-PUBKEYN"
	CmdSetCipherData = "SET-CIPHERDATA"
	CmdWrite         = "WRITE"
	CmdBurn          = "BURN"
	CmdReset         = "RESET"
	CmdAttest        = "ATTEST"
	CmdLoadEfuse     = "LOAD-EFUSE"
	CmdLoadNVS       = "LOAD-NVS"
)

var numericCommands = map[string]bool{
	CmdSetModel:  true,
	CmdSetSerial: true,
}

var dataCommands = map[string]bool{
	CmdSetAttest:     true,
	CmdSetCipherData: true,
	CmdSetPubkeyN:    true,
	CmdStirEntropy:   true,
	CmdStirIV:        true,
	CmdStirKey:       true,
}

// Command joins a command name and value as NAME=VALUE.
func Command(name, value string) string {
	return name + "=" + value
}

// EncodeCommand normalizes a NAME or NAME=VALUE command into its wire form.
//
// Values of SET-MODEL and SET-SERIAL are re-serialized as decimal integers.
// Values of the data commands lose a leading 0x. Anything else, including a
// command with more than one '=', passes through unchanged.
func EncodeCommand(command string) (string, error) {
	parts := strings.Split(command, "=")
	if len(parts) != 2 {
		return command, nil
	}

	name, value := parts[0], parts[1]
	switch {
	case numericCommands[name]:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: %s value %q is not an integer", ErrMalformedCommand, name, value)
		}
		return Command(name, strconv.FormatInt(n, 10)), nil
	case dataCommands[name]:
		return Command(name, strings.TrimPrefix(value, "0x")), nil
	default:
		return command, nil
	}
}

// commandName returns the NAME part of a command.
func commandName(command string) string {
	name, _, _ := strings.Cut(command, "=")
	return name
}
