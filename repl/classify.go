package repl

import (
	"regexp"
	"strings"
)

// OutcomeKind tags a classified device line.
type OutcomeKind int

const (
	OutcomeUnknown OutcomeKind = iota
	OutcomeOK
	OutcomeError
	OutcomeKeyValue
	OutcomeInfo
	OutcomeDeviceError
	OutcomeEspLog
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeError:
		return "error"
	case OutcomeKeyValue:
		return "key-value"
	case OutcomeInfo:
		return "info"
	case OutcomeDeviceError:
		return "device-error"
	case OutcomeEspLog:
		return "esp-log"
	default:
		return "unknown"
	}
}

// Line markers.
const (
	LineReady = "<READY"
	LineOK    = "<OK"
	LineError = "<ERROR"
)

var (
	keyValuePattern = regexp.MustCompile(`^<([a-zA-Z0-9._-]*)=(.*)$`)
	espLogPattern   = regexp.MustCompile(`^ *I \(\d+\)`)
)

// Outcome is the classification of one device line. Key and Value are set
// for OutcomeKeyValue; Text holds the payload of every other kind.
type Outcome struct {
	Kind  OutcomeKind
	Key   string
	Value Value
	Text  string
}

// IsTerminator reports whether the outcome ends a command response.
func (o Outcome) IsTerminator() bool {
	return o.Kind == OutcomeOK || o.Kind == OutcomeError
}

// Classify maps a device line to its outcome. It returns false only for an
// empty line. <READY is not special here and classifies as unknown.
func Classify(line string) (Outcome, bool) {
	switch {
	case line == "":
		return Outcome{}, false
	case line == LineOK:
		return Outcome{Kind: OutcomeOK}, true
	case line == LineError:
		return Outcome{Kind: OutcomeError}, true
	}

	if m := keyValuePattern.FindStringSubmatch(line); m != nil {
		return Outcome{Kind: OutcomeKeyValue, Key: m[1], Value: ParseValue(m[2])}, true
	}

	switch {
	case strings.HasPrefix(line, "?"):
		return Outcome{Kind: OutcomeInfo, Text: strings.TrimSpace(line[1:])}, true
	case strings.HasPrefix(line, "!"):
		return Outcome{Kind: OutcomeDeviceError, Text: strings.TrimSpace(line[1:])}, true
	case espLogPattern.MatchString(line):
		return Outcome{Kind: OutcomeEspLog, Text: strings.TrimSpace(line)}, true
	default:
		return Outcome{Kind: OutcomeUnknown, Text: line}, true
	}
}
