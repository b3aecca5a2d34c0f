// Package store persists the provisioning log of each device.
//
// Every provisioned device has one JSON record under <root>/devices named
// after its model and serial, for example devices/rev-0105-000009.json. The
// record holds the values needed to restore the device later (model, serial,
// pubkeyN, cipherData, attest) and the ordered log lines of every run that
// touched it under the "_logs" key.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known record keys.
const (
	KeyModel      = "model"
	KeySerial     = "serial"
	KeyPubkeyN    = "pubkeyN"
	KeyCipherData = "cipherData"
	KeyAttest     = "attest"
	KeyRunID      = "runId"

	logsKey = "_logs"
)

// DevicesDir is the subdirectory of the store root holding device records.
const DevicesDir = "devices"

// ErrNotFound is returned by Open when no record exists for a device.
var ErrNotFound = errors.New("no provisioning log found")

var filenamePattern = regexp.MustCompile(`(?i)^rev-([0-9a-f]+)-([0-9a-f]+)\.json$`)

// Log is the provisioning record of one device.
type Log struct {
	mu     sync.Mutex
	path   string
	values map[string]any
	lines  []string
	now    func() time.Time
}

// Filename returns the record path for a device.
func Filename(root string, model, serial uint32) string {
	return filepath.Join(root, DevicesDir, fmt.Sprintf("rev-%04x-%06x.json", model, serial))
}

// New creates an empty, unsaved record for a device and tags it with a fresh
// run id.
func New(root string, model, serial uint32) *Log {
	l := &Log{
		path:   Filename(root, model, serial),
		values: make(map[string]any),
		now:    time.Now,
	}
	l.values[KeyModel] = model
	l.values[KeySerial] = serial
	l.values[KeyRunID] = uuid.NewString()
	return l
}

// Open loads the existing record of a device.
func Open(root string, model, serial uint32) (*Log, error) {
	l := New(root, model, serial)
	runID := l.values[KeyRunID]

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, l.path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}

	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse log %s: %w", l.path, err)
	}

	for key, value := range raw {
		if key == logsKey {
			continue
		}
		l.values[key] = value
	}
	if lines, ok := raw[logsKey].([]any); ok {
		for _, line := range lines {
			if s, ok := line.(string); ok {
				l.lines = append(l.lines, s)
			}
		}
	}

	// identity comes from the filename, the run id from this process
	l.values[KeyModel] = model
	l.values[KeySerial] = serial
	l.values[KeyRunID] = runID

	return l, nil
}

// Next returns a new record for the serial after the highest one already
// logged for model. Serials start at 1.
func Next(root string, model uint32) (*Log, error) {
	entries, err := os.ReadDir(filepath.Join(root, DevicesDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	var latest uint64
	for _, entry := range entries {
		m := filenamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		entryModel, err := strconv.ParseUint(m[1], 16, 32)
		if err != nil || uint32(entryModel) != model {
			continue
		}
		serial, err := strconv.ParseUint(m[2], 16, 32)
		if err != nil {
			continue
		}
		if serial > latest {
			latest = serial
		}
	}

	if latest >= 0xffffffff {
		return nil, fmt.Errorf("serial space exhausted for model 0x%04x", model)
	}

	return New(root, model, uint32(latest+1)), nil
}

// Path returns the file the record is saved to.
func (l *Log) Path() string {
	return l.path
}

// Model returns the device model.
func (l *Log) Model() uint32 {
	n, _ := l.GetUint32(KeyModel)
	return n
}

// Serial returns the device serial.
func (l *Log) Serial() uint32 {
	n, _ := l.GetUint32(KeySerial)
	return n
}

// RunID returns the id of the run that created or opened the record.
func (l *Log) RunID() string {
	return l.GetString(KeyRunID)
}

// Get returns the value stored under key.
func (l *Log) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.values[key]
	return v, ok
}

// GetString returns the value stored under key as a string, or "" when it
// is missing or not a string.
func (l *Log) GetString(key string) string {
	v, _ := l.Get(key)
	s, _ := v.(string)
	return s
}

// GetUint32 returns a numeric value stored under key.
func (l *Log) GetUint32(key string) (uint32, bool) {
	v, ok := l.Get(key)
	if !ok {
		return 0, false
	}

	switch n := v.(type) {
	case uint32:
		return n, true
	case json.Number:
		parsed, err := strconv.ParseUint(n.String(), 10, 32)
		return uint32(parsed), err == nil
	default:
		return 0, false
	}
}

// Set stores value under key.
func (l *Log) Set(key string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values[key] = value
}

// Logf appends a timestamped line.
func (l *Log) Logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf(format, args...)
	l.lines = append(l.lines, l.now().UTC().Format(time.RFC3339)+" "+line)
}

// Lines returns the log lines in order.
func (l *Log) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// Save writes the record, replacing any previous version atomically.
func (l *Log) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc := make(map[string]any, len(l.values)+1)
	for k, v := range l.values {
		doc[k] = v
	}
	lines := l.lines
	if lines == nil {
		lines = []string{}
	}
	doc[logsKey] = lines

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode log: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create devices directory: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace log: %w", err)
	}

	return nil
}
