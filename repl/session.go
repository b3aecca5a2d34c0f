// Package repl drives the line-oriented command interface of a Pixie device.
//
// The device prints <READY once its command loop is running. A host attaches
// a LineTransport, waits for the ready handshake and then issues commands one
// at a time. Each command is answered by any number of lines followed by a
// terminator:
//
//	<key=value     a result value
//	?text          informational message
//	!text          error message
//	<OK            success
//	<ERROR         failure
//
// Firmware log lines ("I (1234) ...") may be interleaved at any point.
//
// # Usage
//
//	session := repl.New(repl.WithLogger(slog.Default()))
//	if err := session.Attach(port); err != nil {
//		return err
//	}
//	if err := session.WaitReady(ctx); err != nil {
//		return err
//	}
//	result, err := session.SendCommand(ctx, "VERSION", repl.FailOnError)
package repl

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAwaitingReady
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAwaitingReady:
		return "awaiting-ready"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrorPolicy selects how a command reacts to an <ERROR terminator.
type ErrorPolicy int

const (
	// FailOnError returns a *DeviceError.
	FailOnError ErrorPolicy = iota
	// IgnoreDeviceError returns whatever was collected before the terminator.
	IgnoreDeviceError
)

// Default timing of the ready handshake and response polling.
const (
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultPingThreshold = 10
	DefaultSettleDelay   = 500 * time.Millisecond
	DefaultPostNopDelay  = 100 * time.Millisecond
)

// Result holds the values and error messages reported for one command.
type Result struct {
	Values map[string]Value
	Errors []string
}

// Get returns the value reported for key.
func (r *Result) Get(key string) (Value, bool) {
	v, ok := r.Values[key]
	return v, ok
}

// Text returns the raw text reported for key, or "" when absent.
func (r *Result) Text(key string) string {
	return r.Values[key].Raw()
}

// Session is one connection to a device. It is safe for concurrent use but
// executes a single command at a time.
type Session struct {
	mu        sync.Mutex
	id        string
	state     State
	transport LineTransport
	logger    Logger

	pollInterval   time.Duration
	pingThreshold  int
	settleDelay    time.Duration
	postNopDelay   time.Duration
	readyTimeout   time.Duration
	commandTimeout time.Duration

	// resync is set once an exchange fails after the device has seen input.
	// The device does not announce <READY again, so WaitReady skips it.
	resync bool
	// pending is set while the response of an abandoned command may still
	// be arriving.
	pending bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger receiving unconsumed device output.
func WithLogger(logger Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPollInterval sets the delay between reads.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) { s.pollInterval = d }
}

// WithPingThreshold sets how many stray lines the handshake tolerates before
// sending PING.
func WithPingThreshold(n int) Option {
	return func(s *Session) { s.pingThreshold = n }
}

// WithSettleDelay sets the pause between <READY and the NOP.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Session) { s.settleDelay = d }
}

// WithPostNopDelay sets the pause after the NOP.
func WithPostNopDelay(d time.Duration) Option {
	return func(s *Session) { s.postNopDelay = d }
}

// WithReadyTimeout bounds WaitReady. Zero means no bound beyond ctx.
func WithReadyTimeout(d time.Duration) Option {
	return func(s *Session) { s.readyTimeout = d }
}

// WithCommandTimeout bounds each SendCommand. Zero means no bound beyond ctx.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Session) { s.commandTimeout = d }
}

// New creates a disconnected session.
func New(opts ...Option) *Session {
	s := &Session{
		id:            uuid.NewString(),
		state:         StateDisconnected,
		logger:        NoopLogger{},
		pollInterval:  DefaultPollInterval,
		pingThreshold: DefaultPingThreshold,
		settleDelay:   DefaultSettleDelay,
		postNopDelay:  DefaultPostNopDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the unique id of the session, used to correlate log output.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attach binds the session to a transport it owns from now on. A closed
// session cannot be attached again.
func (s *Session) Attach(t LineTransport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateDisconnected:
	default:
		return ErrAlreadyConnected
	}
	s.transport = t
	s.state = StateConnected
	return nil
}

// WaitReady performs the ready handshake. Lines other than <READY are
// skipped; after more than the ping threshold of them a PING nudges the
// device. Once <READY arrives the session settles, sends a NOP and
// becomes Ready.
//
// After a command was abandoned the device is already running its command
// loop. WaitReady then discards the rest of the abandoned response up to its
// terminator instead of waiting for <READY, and continues with the NOP.
func (s *Session) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateDisconnected:
		return ErrNotConnected
	case StateClosed:
		return ErrClosed
	case StateReady:
		return nil
	}

	if s.readyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.readyTimeout)
		defer cancel()
	}

	s.state = StateAwaitingReady

	if s.resync {
		if err := s.drain(ctx); err != nil {
			return err
		}
	} else if err := s.awaitReadyLine(ctx); err != nil {
		return err
	}

	if err := sleep(ctx, s.settleDelay); err != nil {
		return fmt.Errorf("failed waiting for ready: %w", err)
	}
	if _, err := s.send(ctx, CmdNop, IgnoreDeviceError); err != nil {
		return fmt.Errorf("failed to send NOP: %w", err)
	}
	if err := sleep(ctx, s.postNopDelay); err != nil {
		return fmt.Errorf("failed waiting for ready: %w", err)
	}

	s.state = StateReady
	s.resync = false
	s.logger.Info("device ready", "session", s.id)
	return nil
}

func (s *Session) awaitReadyLine(ctx context.Context) error {
	count := 0
	for {
		line, err := s.transport.ReadLine(ctx)
		if err != nil {
			return fmt.Errorf("failed waiting for ready: %w", err)
		}
		if line == LineReady {
			return nil
		}

		if err := sleep(ctx, s.pollInterval); err != nil {
			return fmt.Errorf("failed waiting for ready: %w", err)
		}

		if count > s.pingThreshold {
			if _, err := s.send(ctx, CmdPing, IgnoreDeviceError); err != nil {
				return fmt.Errorf("failed to ping device: %w", err)
			}
			count = 0
		} else {
			count++
		}
	}
}

// drain discards device output up to the terminator of an abandoned command.
func (s *Session) drain(ctx context.Context) error {
	discarded := 0
	for s.pending {
		line, err := s.transport.ReadLine(ctx)
		if err != nil {
			return fmt.Errorf("failed to drain abandoned response: %w", err)
		}

		if outcome, ok := Classify(line); ok {
			if outcome.IsTerminator() {
				s.pending = false
				break
			}
			discarded++
		}

		if err := sleep(ctx, s.pollInterval); err != nil {
			return fmt.Errorf("failed to drain abandoned response: %w", err)
		}
	}

	if discarded > 0 {
		s.logger.Warn("discarded abandoned response", "session", s.id, "lines", discarded)
	}
	return nil
}

// SendCommand encodes and writes command, then collects the response until
// its terminator. A malformed command or a device error leaves the session
// Ready. A failed read or write abandons the command, including one cut
// short by ctx. The session then drops back to Connected and SendCommand
// returns ErrNotReady until WaitReady has resynchronized it, so a late
// response is never attributed to the next command.
func (s *Session) SendCommand(ctx context.Context, command string, policy ErrorPolicy) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return nil, ErrClosed
	case StateReady:
	default:
		return nil, ErrNotReady
	}

	if s.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.commandTimeout)
		defer cancel()
	}

	return s.send(ctx, command, policy)
}

func (s *Session) send(ctx context.Context, command string, policy ErrorPolicy) (*Result, error) {
	line, err := EncodeCommand(command)
	if err != nil {
		return nil, err
	}
	name := commandName(line)

	if err := s.transport.WriteLine(ctx, line); err != nil {
		s.abandon(false)
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}

	result := &Result{Values: make(map[string]Value)}
	for {
		raw, err := s.transport.ReadLine(ctx)
		if err != nil {
			s.abandon(true)
			return nil, fmt.Errorf("failed to read %s response: %w", name, err)
		}

		if outcome, ok := Classify(raw); ok {
			switch outcome.Kind {
			case OutcomeOK:
				return result, nil
			case OutcomeError:
				if policy == IgnoreDeviceError {
					return result, nil
				}
				return nil, &DeviceError{Command: name, Messages: result.Errors}
			case OutcomeKeyValue:
				result.Values[outcome.Key] = outcome.Value
			case OutcomeInfo, OutcomeEspLog:
				s.logger.Info(outcome.Text, "session", s.id, "command", name)
			case OutcomeDeviceError:
				s.logger.Error(outcome.Text, "session", s.id, "command", name)
				result.Errors = append(result.Errors, outcome.Text)
			default:
				s.logger.Warn("unknown device output", "session", s.id, "command", name, "line", outcome.Text)
			}
		}

		if err := sleep(ctx, s.pollInterval); err != nil {
			s.abandon(true)
			return nil, fmt.Errorf("failed to read %s response: %w", name, err)
		}
	}
}

// abandon marks the exchange in flight as lost. pending reports whether the
// command reached the device, in which case its response is still owed.
func (s *Session) abandon(pending bool) {
	s.state = StateConnected
	s.resync = true
	s.pending = pending
}

// Close releases the transport when it implements io.Closer. The session
// is unusable afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.transport
	s.transport = nil
	s.state = StateClosed

	if c, ok := t.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
