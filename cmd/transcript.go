package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/firefly/pixie-provisioner/transcript"
)

// TranscriptCommand creates the transcript command
func TranscriptCommand() *cli.Command {
	return &cli.Command{
		Name:  "transcript",
		Usage: "Print a recorded serial transcript",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Usage:    "Path to the transcript file",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "Only print events of this session id",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		},
		Action: runTranscriptCommand,
	}
}

func runTranscriptCommand(ctx context.Context, cmd *cli.Command) error {
	events, err := transcript.ReadAll(cmd.String("file"))
	if err != nil {
		return fmt.Errorf("failed to read transcript: %w", err)
	}
	events = filterSession(events, cmd.String("session"))

	if cmd.Bool("json") {
		jsonOutput, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		fmt.Println(string(jsonOutput))
		return nil
	}

	printTranscript(os.Stdout, events)
	return nil
}

func filterSession(events []transcript.Event, session string) []transcript.Event {
	if session == "" {
		return events
	}
	var out []transcript.Event
	for _, e := range events {
		if e.SessionID == session {
			out = append(out, e)
		}
	}
	return out
}

func printTranscript(w io.Writer, events []transcript.Event) {
	for _, e := range events {
		arrow := "<-"
		if e.Direction == transcript.DirectionOut {
			arrow = "->"
		}
		fmt.Fprintf(w, "%s %s %s %s\n", e.Timestamp.Format(time.RFC3339Nano), e.SessionID, arrow, e.Line)
	}
}
