package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/firefly/pixie-provisioner/crypto"
	"github.com/firefly/pixie-provisioner/pkg/serialport"
	"github.com/firefly/pixie-provisioner/repl"
	"github.com/firefly/pixie-provisioner/verify"
)

// Config holds the settings shared by every subcommand. Values come from the
// YAML file named by --config, then environment variables, then flags.
type Config struct {
	Port       string `yaml:"port"`
	Baud       int    `yaml:"baud"`
	StoreRoot  string `yaml:"storeRoot"`
	KeyDir     string `yaml:"keyDir"`
	KeyName    string `yaml:"keyName"`
	Authority  string `yaml:"authority"`
	LogLevel   string `yaml:"logLevel"`
	Transcript string `yaml:"transcript"`
	Timing     Timing `yaml:"timing"`
}

// Timing tunes the REPL session.
type Timing struct {
	PollInterval   time.Duration `yaml:"pollInterval"`
	PingThreshold  int           `yaml:"pingThreshold"`
	SettleDelay    time.Duration `yaml:"settleDelay"`
	PostNopDelay   time.Duration `yaml:"postNopDelay"`
	ReadyTimeout   time.Duration `yaml:"readyTimeout"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		Baud:      serialport.DefaultBaudRate,
		StoreRoot: ".",
		KeyName:   "provisioning",
		Authority: verify.DefaultAuthority,
		LogLevel:  "info",
		Timing: Timing{
			PollInterval:   repl.DefaultPollInterval,
			PingThreshold:  repl.DefaultPingThreshold,
			SettleDelay:    repl.DefaultSettleDelay,
			PostNopDelay:   repl.DefaultPostNopDelay,
			ReadyTimeout:   time.Minute,
			CommandTimeout: 5 * time.Minute,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// GlobalFlags are accepted by every subcommand.
func GlobalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path to a YAML config file",
			Sources: cli.EnvVars("PIXIE_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "port",
			Usage:   "Serial port of the device (discovered when empty)",
			Sources: cli.EnvVars("PIXIE_PORT"),
		},
		&cli.IntFlag{
			Name:    "baud",
			Usage:   "Serial baud rate",
			Value:   serialport.DefaultBaudRate,
			Sources: cli.EnvVars("PIXIE_BAUD"),
		},
		&cli.StringFlag{
			Name:    "store-root",
			Usage:   "Directory holding the devices/ provisioning logs",
			Sources: cli.EnvVars("PIXIE_STORE_ROOT"),
		},
		&cli.StringFlag{
			Name:    "key-dir",
			Usage:   "Directory holding the authority key (defaults to ~/.config/firefly/keys)",
			Sources: cli.EnvVars("PIXIE_KEY_DIR"),
		},
		&cli.StringFlag{
			Name:    "key-name",
			Usage:   "Authority key name",
			Sources: cli.EnvVars("PIXIE_KEY_NAME"),
		},
		&cli.StringFlag{
			Name:    "authority",
			Usage:   "Expected attestation authority address",
			Sources: cli.EnvVars("PIXIE_AUTHORITY"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Sources: cli.EnvVars("PIXIE_LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "transcript",
			Usage:   "Append a CBOR transcript of the serial traffic to this file",
			Sources: cli.EnvVars("PIXIE_TRANSCRIPT"),
		},
		&cli.DurationFlag{
			Name:    "ready-timeout",
			Usage:   "How long to wait for the device to become ready",
			Sources: cli.EnvVars("PIXIE_READY_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "command-timeout",
			Usage:   "How long to wait for a single command (0 waits forever)",
			Sources: cli.EnvVars("PIXIE_COMMAND_TIMEOUT"),
		},
	}
}

// resolveConfig merges the config file with any flag or environment value
// that was set.
func resolveConfig(cmd *cli.Command) (*Config, error) {
	cfg, err := LoadConfig(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	stringFlags := map[string]*string{
		"port":       &cfg.Port,
		"store-root": &cfg.StoreRoot,
		"key-dir":    &cfg.KeyDir,
		"key-name":   &cfg.KeyName,
		"authority":  &cfg.Authority,
		"log-level":  &cfg.LogLevel,
		"transcript": &cfg.Transcript,
	}
	for name, field := range stringFlags {
		if cmd.IsSet(name) {
			*field = cmd.String(name)
		}
	}
	if cmd.IsSet("baud") {
		cfg.Baud = int(cmd.Int("baud"))
	}
	if cmd.IsSet("ready-timeout") {
		cfg.Timing.ReadyTimeout = cmd.Duration("ready-timeout")
	}
	if cmd.IsSet("command-timeout") {
		cfg.Timing.CommandTimeout = cmd.Duration("command-timeout")
	}

	return cfg, nil
}

// VerifierConfig returns the verifier settings for the configured authority.
func (c *Config) VerifierConfig() (verify.Config, error) {
	vc := verify.DefaultConfig()
	if c.Authority == "" {
		return vc, nil
	}
	authority, err := crypto.ParseAddress(c.Authority)
	if err != nil {
		return vc, fmt.Errorf("invalid authority: %w", err)
	}
	vc.Authority = authority
	return vc, nil
}

// SessionOptions returns the repl options for the configured timing.
func (c *Config) SessionOptions(logger repl.Logger) []repl.Option {
	return []repl.Option{
		repl.WithLogger(logger),
		repl.WithPollInterval(c.Timing.PollInterval),
		repl.WithPingThreshold(c.Timing.PingThreshold),
		repl.WithSettleDelay(c.Timing.SettleDelay),
		repl.WithPostNopDelay(c.Timing.PostNopDelay),
		repl.WithReadyTimeout(c.Timing.ReadyTimeout),
		repl.WithCommandTimeout(c.Timing.CommandTimeout),
	}
}

// NewLogger returns a text logger writing to w at the named level.
func NewLogger(level string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
