package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/firefly/pixie-provisioner/keys"
	"github.com/firefly/pixie-provisioner/pkg/serialport"
	"github.com/firefly/pixie-provisioner/provision"
	"github.com/firefly/pixie-provisioner/repl"
	"github.com/firefly/pixie-provisioner/transcript"
	"github.com/firefly/pixie-provisioner/verify"
)

// deviceEnv is everything a device subcommand needs once the device is ready.
type deviceEnv struct {
	cfg      *Config
	logger   *slog.Logger
	session  *repl.Session
	verifier *verify.Verifier

	recorder *transcript.Recorder
	writer   *transcript.FileWriter
}

// setup resolves the configuration and logger without touching the device.
func setup(cmd *cli.Command) (*Config, *slog.Logger, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := NewLogger(cfg.LogLevel, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// connect opens the serial port and waits for the device to become ready.
func connect(ctx context.Context, cmd *cli.Command) (*deviceEnv, error) {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return nil, err
	}

	vc, err := cfg.VerifierConfig()
	if err != nil {
		return nil, err
	}

	port, err := serialport.Open(ctx, cfg.Port, cfg.Baud, serialport.DefaultRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}

	env := &deviceEnv{
		cfg:      cfg,
		verifier: verify.NewVerifier(vc),
	}
	env.session = repl.New(cfg.SessionOptions(logger)...)
	env.logger = logger.With("session", env.session.ID())

	var transport repl.LineTransport = port
	if cfg.Transcript != "" {
		env.writer, err = transcript.NewFileWriter(cfg.Transcript)
		if err != nil {
			_ = port.Close()
			return nil, err
		}
		env.recorder = transcript.NewRecorder(port, env.writer, env.session.ID())
		transport = env.recorder
	}

	if err := env.session.Attach(transport); err != nil {
		_ = port.Close()
		env.Close()
		return nil, err
	}

	fmt.Fprintf(os.Stderr, "Waiting for device on %s...\n", portName(cfg.Port))
	if err := env.session.WaitReady(ctx); err != nil {
		env.Close()
		return nil, fmt.Errorf("device did not become ready: %w", err)
	}
	fmt.Fprintf(os.Stderr, "✓ Device ready\n")

	return env, nil
}

// Close releases the session, the port and the transcript.
func (e *deviceEnv) Close() error {
	err := e.session.Close()
	if e.writer != nil {
		err = errors.Join(err, e.writer.Close())
	}
	if e.recorder != nil && e.recorder.Err() != nil {
		e.logger.Warn("transcript incomplete", "error", e.recorder.Err())
	}
	return err
}

func (e *deviceEnv) service(signer keys.Signer) *provision.Service {
	return provision.NewService(e.session, provision.Config{
		StoreRoot: e.cfg.StoreRoot,
		Signer:    signer,
		Verifier:  e.verifier,
		Logger:    e.logger,
	})
}

func portName(name string) string {
	if name == "" {
		return "first Pixie port"
	}
	return name
}
