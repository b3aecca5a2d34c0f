package repl

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeDevice replays scripted lines and answers written commands immediately.
type fakeDevice struct {
	mu      sync.Mutex
	inbound []string
	writes  []string
	replies map[string][]string
	closed  bool
}

func newFakeDevice(lines ...string) *fakeDevice {
	return &fakeDevice{
		inbound: lines,
		replies: map[string][]string{
			CmdPing: {"! unknown command", LineError},
			CmdNop:  {LineOK},
		},
	}
}

func (d *fakeDevice) WriteLine(_ context.Context, line string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.writes = append(d.writes, line)
	if reply, ok := d.replies[commandName(line)]; ok {
		d.inbound = append(append([]string(nil), reply...), d.inbound...)
	}
	return nil
}

func (d *fakeDevice) ReadLine(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.inbound) == 0 {
		return "", io.EOF
	}
	line := d.inbound[0]
	d.inbound = d.inbound[1:]
	return line, nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

func (d *fakeDevice) Writes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.writes...)
}

// blockingTransport never produces a line.
type blockingTransport struct{}

func (blockingTransport) WriteLine(context.Context, string) error { return nil }

func (blockingTransport) ReadLine(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type mockLogger struct {
	mock.Mock
}

func (m *mockLogger) Info(msg string, _ ...any)  { m.Called(msg) }
func (m *mockLogger) Warn(msg string, _ ...any)  { m.Called(msg) }
func (m *mockLogger) Error(msg string, _ ...any) { m.Called(msg) }

func fastSession(opts ...Option) *Session {
	base := []Option{
		WithPollInterval(0),
		WithSettleDelay(0),
		WithPostNopDelay(0),
	}
	return New(append(base, opts...)...)
}

func readySession(t *testing.T, device *fakeDevice, opts ...Option) *Session {
	t.Helper()

	device.inbound = append([]string{LineReady}, device.inbound...)
	s := fastSession(opts...)
	require.NoError(t, s.Attach(device))
	require.NoError(t, s.WaitReady(context.Background()))
	require.Equal(t, StateReady, s.State())
	return s
}

func TestSessionStates(t *testing.T) {
	s := New()
	assert.Equal(t, StateDisconnected, s.State())
	assert.NotEmpty(t, s.ID())

	assert.ErrorIs(t, s.WaitReady(context.Background()), ErrNotConnected)

	_, err := s.SendCommand(context.Background(), CmdDump, FailOnError)
	assert.ErrorIs(t, err, ErrNotReady)

	device := newFakeDevice()
	require.NoError(t, s.Attach(device))
	assert.Equal(t, StateConnected, s.State())
	assert.ErrorIs(t, s.Attach(device), ErrAlreadyConnected)

	_, err = s.SendCommand(context.Background(), CmdDump, FailOnError)
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, s.Close())
	assert.True(t, device.closed)
	assert.Equal(t, StateClosed, s.State())

	// one session is one connection
	assert.ErrorIs(t, s.Attach(newFakeDevice()), ErrClosed)
	assert.ErrorIs(t, s.WaitReady(context.Background()), ErrClosed)
	_, err = s.SendCommand(context.Background(), CmdDump, FailOnError)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StateClosed, s.State())
	require.NoError(t, s.Close())
}

func TestCloseReadySession(t *testing.T) {
	device := newFakeDevice()
	s := readySession(t, device)

	require.NoError(t, s.Close())
	assert.True(t, device.closed)

	_, err := s.SendCommand(context.Background(), CmdVersion, FailOnError)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Attach(device), ErrClosed)
}

func TestWaitReady(t *testing.T) {
	t.Run("ready immediately", func(t *testing.T) {
		device := newFakeDevice(LineReady)
		s := fastSession()
		require.NoError(t, s.Attach(device))

		require.NoError(t, s.WaitReady(context.Background()))
		assert.Equal(t, StateReady, s.State())
		assert.Equal(t, []string{CmdNop}, device.Writes())

		// already ready
		require.NoError(t, s.WaitReady(context.Background()))
		assert.Len(t, device.Writes(), 1)
	})

	t.Run("twelve stray lines send one ping", func(t *testing.T) {
		lines := make([]string, 0, 13)
		for i := 0; i < 12; i++ {
			lines = append(lines, "I (100) boot: still booting")
		}
		lines = append(lines, LineReady)

		device := newFakeDevice(lines...)
		s := fastSession()
		require.NoError(t, s.Attach(device))

		require.NoError(t, s.WaitReady(context.Background()))
		assert.Equal(t, []string{CmdPing, CmdNop}, device.Writes())
	})

	t.Run("eleven stray lines send no ping", func(t *testing.T) {
		lines := make([]string, 0, 12)
		for i := 0; i < 11; i++ {
			lines = append(lines, "noise")
		}
		lines = append(lines, LineReady)

		device := newFakeDevice(lines...)
		s := fastSession()
		require.NoError(t, s.Attach(device))

		require.NoError(t, s.WaitReady(context.Background()))
		assert.Equal(t, []string{CmdNop}, device.Writes())
	})

	t.Run("custom ping threshold", func(t *testing.T) {
		device := newFakeDevice("a", "b", "c", "d", "e", "f", "g", "h", LineReady)
		s := fastSession(WithPingThreshold(2))
		require.NoError(t, s.Attach(device))

		require.NoError(t, s.WaitReady(context.Background()))
		assert.Equal(t, []string{CmdPing, CmdPing, CmdNop}, device.Writes())
	})

	t.Run("nop error ignored", func(t *testing.T) {
		device := newFakeDevice(LineReady)
		device.replies[CmdNop] = []string{"! busy", LineError}
		s := fastSession()
		require.NoError(t, s.Attach(device))

		require.NoError(t, s.WaitReady(context.Background()))
		assert.Equal(t, StateReady, s.State())
	})

	t.Run("transport closed", func(t *testing.T) {
		s := fastSession()
		require.NoError(t, s.Attach(newFakeDevice("noise")))

		err := s.WaitReady(context.Background())
		assert.ErrorIs(t, err, io.EOF)
		assert.Equal(t, StateAwaitingReady, s.State())
	})

	t.Run("ready timeout", func(t *testing.T) {
		s := fastSession(WithReadyTimeout(20 * time.Millisecond))
		require.NoError(t, s.Attach(blockingTransport{}))

		err := s.WaitReady(context.Background())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("context cancelled", func(t *testing.T) {
		s := fastSession()
		require.NoError(t, s.Attach(blockingTransport{}))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, s.WaitReady(ctx), context.Canceled)
	})
}

func TestSendCommand(t *testing.T) {
	t.Run("collects values", func(t *testing.T) {
		device := newFakeDevice()
		device.replies[CmdGenKey] = []string{
			"<pubkey.N=c0ffee (length=3072 bits)",
			"<cipherData=0102  (2 bytes)",
			"<version=1",
			"<version=2",
			LineOK,
		}
		s := readySession(t, device)

		result, err := s.SendCommand(context.Background(), CmdGenKey, FailOnError)
		require.NoError(t, err)

		assert.Empty(t, result.Errors)
		assert.Len(t, result.Values, 3)

		version, ok := result.Get("version")
		require.True(t, ok)
		assert.True(t, version.Equal(IntegerValue(2)), "last write wins")

		cipher, _ := result.Get("cipherData")
		assert.Equal(t, "0x0102", cipher.String())

		pubkey, ok := result.Values["pubkey.N"].Bytes()
		require.True(t, ok)
		assert.Equal(t, []byte{0xc0, 0xff, 0xee}, pubkey)
		assert.Equal(t, "", result.Text("missing"))
	})

	t.Run("writes encoded command", func(t *testing.T) {
		device := newFakeDevice()
		device.replies[CmdSetModel] = []string{LineOK}
		s := readySession(t, device)

		_, err := s.SendCommand(context.Background(), "SET-MODEL=0261", FailOnError)
		require.NoError(t, err)
		assert.Equal(t, "SET-MODEL=261", device.Writes()[len(device.Writes())-1])
	})

	t.Run("malformed command keeps session ready", func(t *testing.T) {
		s := readySession(t, newFakeDevice())

		_, err := s.SendCommand(context.Background(), "SET-SERIAL=x", FailOnError)
		assert.ErrorIs(t, err, ErrMalformedCommand)
		assert.Equal(t, StateReady, s.State())
	})

	t.Run("error with messages", func(t *testing.T) {
		device := newFakeDevice()
		device.replies[CmdBurn] = []string{"! efuse already burned", "? detail", "! write failed", LineError}
		s := readySession(t, device)

		_, err := s.SendCommand(context.Background(), CmdBurn, FailOnError)
		require.Error(t, err)

		var deviceErr *DeviceError
		require.True(t, errors.As(err, &deviceErr))
		assert.Equal(t, []string{"efuse already burned", "write failed"}, deviceErr.Messages)
		assert.Equal(t, CmdBurn, deviceErr.Command)
		assert.Equal(t, "efuse already burned; write failed", err.Error())
		assert.Equal(t, StateReady, s.State())
	})

	t.Run("error without messages", func(t *testing.T) {
		device := newFakeDevice()
		device.replies[CmdWrite] = []string{LineError}
		s := readySession(t, device)

		_, err := s.SendCommand(context.Background(), CmdWrite, FailOnError)

		var deviceErr *DeviceError
		require.True(t, errors.As(err, &deviceErr))
		assert.Empty(t, deviceErr.Messages)
		assert.Equal(t, "error encountered", err.Error())
		assert.True(t, IsDeviceError(err))
	})

	t.Run("ignore device error", func(t *testing.T) {
		device := newFakeDevice()
		device.replies[CmdDump] = []string{"<ready=0", "! not provisioned", LineError}
		s := readySession(t, device)

		result, err := s.SendCommand(context.Background(), CmdDump, IgnoreDeviceError)
		require.NoError(t, err)
		assert.Equal(t, []string{"not provisioned"}, result.Errors)
		assert.Equal(t, "0", result.Text("ready"))
	})

	t.Run("ok with collected errors", func(t *testing.T) {
		device := newFakeDevice()
		device.replies[CmdDump] = []string{"! warning", LineOK}
		s := readySession(t, device)

		result, err := s.SendCommand(context.Background(), CmdDump, FailOnError)
		require.NoError(t, err)
		assert.Equal(t, []string{"warning"}, result.Errors)
	})

	t.Run("subsequent command after failure", func(t *testing.T) {
		device := newFakeDevice()
		device.replies[CmdWrite] = []string{LineError}
		device.replies[CmdVersion] = []string{"<version=1", LineOK}
		s := readySession(t, device)

		_, err := s.SendCommand(context.Background(), CmdWrite, FailOnError)
		require.Error(t, err)

		result, err := s.SendCommand(context.Background(), CmdVersion, FailOnError)
		require.NoError(t, err)
		assert.Equal(t, "1", result.Text("version"))
	})

	t.Run("transport failure", func(t *testing.T) {
		device := newFakeDevice()
		device.replies[CmdDump] = []string{"<partial=1"}
		s := readySession(t, device)

		_, err := s.SendCommand(context.Background(), CmdDump, FailOnError)
		assert.ErrorIs(t, err, io.EOF)
		assert.Contains(t, err.Error(), "failed to read DUMP response")
		assert.Equal(t, StateConnected, s.State())

		_, err = s.SendCommand(context.Background(), CmdDump, FailOnError)
		assert.ErrorIs(t, err, ErrNotReady)
	})

	t.Run("command timeout", func(t *testing.T) {
		device := newFakeDevice()
		s := readySession(t, device, WithCommandTimeout(20*time.Millisecond))
		// swap in a transport that never answers
		s.transport = blockingTransport{}

		_, err := s.SendCommand(context.Background(), CmdDump, FailOnError)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, StateConnected, s.State())
	})
}

// slowDevice answers each command after a per-command delay. Lines are
// delivered on a channel so reads honour the context.
type slowDevice struct {
	mu      sync.Mutex
	lines   chan string
	replies map[string][]string
	delays  map[string]time.Duration
	writes  []string
	failing int
}

func newSlowDevice() *slowDevice {
	d := &slowDevice{
		lines: make(chan string, 64),
		replies: map[string][]string{
			CmdNop: {LineOK},
		},
		delays: make(map[string]time.Duration),
	}
	d.lines <- LineReady
	return d
}

func (d *slowDevice) WriteLine(_ context.Context, line string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failing > 0 {
		d.failing--
		return errors.New("write timeout")
	}
	d.writes = append(d.writes, line)

	reply := d.replies[commandName(line)]
	delay := d.delays[commandName(line)]
	if delay == 0 {
		for _, l := range reply {
			d.lines <- l
		}
		return nil
	}
	time.AfterFunc(delay, func() {
		for _, l := range reply {
			d.lines <- l
		}
	})
	return nil
}

func (d *slowDevice) ReadLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line := <-d.lines:
		return line, nil
	}
}

func (d *slowDevice) Writes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.writes...)
}

func TestAbandonedCommand(t *testing.T) {
	t.Run("late response is not attributed to the next command", func(t *testing.T) {
		device := newSlowDevice()
		device.replies["SLOW"] = []string{"<slow=1", LineOK}
		device.delays["SLOW"] = 80 * time.Millisecond
		device.replies[CmdDump] = []string{"<dump=1", LineOK}

		s := fastSession(WithCommandTimeout(40 * time.Millisecond))
		require.NoError(t, s.Attach(device))
		require.NoError(t, s.WaitReady(context.Background()))

		_, err := s.SendCommand(context.Background(), "SLOW", FailOnError)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, StateConnected, s.State())

		_, err = s.SendCommand(context.Background(), CmdDump, FailOnError)
		require.ErrorIs(t, err, ErrNotReady)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, s.WaitReady(ctx))
		assert.Equal(t, StateReady, s.State())

		result, err := s.SendCommand(context.Background(), CmdDump, FailOnError)
		require.NoError(t, err)
		assert.Len(t, result.Values, 1)
		assert.Equal(t, "1", result.Text("dump"))
		assert.Equal(t, []string{CmdNop, "SLOW", CmdNop, CmdDump}, device.Writes())
	})

	t.Run("partial response is drained", func(t *testing.T) {
		logger := &mockLogger{}
		logger.On("Info", "device ready").Twice()
		logger.On("Warn", "discarded abandoned response").Once()

		device := newSlowDevice()
		device.replies[CmdVersion] = []string{"<version=1", LineOK}
		s := fastSession(WithLogger(logger))
		require.NoError(t, s.Attach(device))
		require.NoError(t, s.WaitReady(context.Background()))

		// the first half arrives before the caller gives up
		device.lines <- "<slow=1"
		ctx, cancel := context.WithCancel(context.Background())
		s.transport = cancelAfterRead{LineTransport: device, cancel: cancel}
		_, err := s.SendCommand(ctx, "SLOW", FailOnError)
		require.ErrorIs(t, err, context.Canceled)
		s.transport = device

		device.lines <- "? still working"
		device.lines <- LineOK
		require.NoError(t, s.WaitReady(context.Background()))

		result, err := s.SendCommand(context.Background(), CmdVersion, FailOnError)
		require.NoError(t, err)
		assert.Equal(t, "1", result.Text("version"))
		assert.NotContains(t, result.Values, "slow")

		logger.AssertExpectations(t)
	})

	t.Run("failed write skips the drain", func(t *testing.T) {
		device := newSlowDevice()
		device.replies[CmdVersion] = []string{"<version=2", LineOK}
		s := fastSession()
		require.NoError(t, s.Attach(device))
		require.NoError(t, s.WaitReady(context.Background()))

		device.failing = 1
		_, err := s.SendCommand(context.Background(), CmdVersion, FailOnError)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to write VERSION")
		assert.Equal(t, StateConnected, s.State())

		require.NoError(t, s.WaitReady(context.Background()))
		result, err := s.SendCommand(context.Background(), CmdVersion, FailOnError)
		require.NoError(t, err)
		assert.Equal(t, "2", result.Text("version"))
	})

	t.Run("drain bounded by ready timeout", func(t *testing.T) {
		device := newSlowDevice()
		s := fastSession(
			WithCommandTimeout(10*time.Millisecond),
			WithReadyTimeout(20*time.Millisecond),
		)
		require.NoError(t, s.Attach(device))
		require.NoError(t, s.WaitReady(context.Background()))

		_, err := s.SendCommand(context.Background(), "HANG", FailOnError)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		err = s.WaitReady(context.Background())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Contains(t, err.Error(), "failed to drain abandoned response")
		assert.NotEqual(t, StateReady, s.State())
	})
}

// cancelAfterRead cancels the caller's context once a line has been read.
type cancelAfterRead struct {
	LineTransport
	cancel context.CancelFunc
}

func (c cancelAfterRead) ReadLine(ctx context.Context) (string, error) {
	line, err := c.LineTransport.ReadLine(ctx)
	c.cancel()
	return line, err
}

func TestSendCommandLogging(t *testing.T) {
	logger := &mockLogger{}
	logger.On("Info", "device ready").Once()
	logger.On("Info", "starting").Once()
	logger.On("Info", "I (42) nvs: loaded").Once()
	logger.On("Error", "bad thing").Once()
	logger.On("Warn", "unknown device output").Once()

	device := newFakeDevice()
	device.replies[CmdLoadNVS] = []string{
		"?starting",
		"",
		"I (42) nvs: loaded",
		"!bad thing",
		"junk",
		LineOK,
	}
	s := readySession(t, device, WithLogger(logger))

	result, err := s.SendCommand(context.Background(), CmdLoadNVS, FailOnError)
	require.NoError(t, err)
	assert.Equal(t, []string{"bad thing"}, result.Errors)

	logger.AssertExpectations(t)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting-ready", StateAwaitingReady.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
