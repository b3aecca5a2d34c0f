package repl

import (
	"errors"
	"strings"
)

var (
	// ErrNotConnected is returned by WaitReady before a transport is attached.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Attach on a session that has a transport.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrNotReady is returned by SendCommand before the ready handshake
	// completed, or after an abandoned command until WaitReady ran again.
	ErrNotReady = errors.New("not ready")

	// ErrClosed is returned by every session operation after Close.
	ErrClosed = errors.New("session closed")

	// ErrMalformedCommand is returned when a command value cannot be encoded.
	ErrMalformedCommand = errors.New("malformed command")
)

// DeviceError is returned when the device terminates a response with <ERROR.
// Messages holds the ! lines seen before the terminator, in order.
type DeviceError struct {
	Command  string
	Messages []string
}

func (e *DeviceError) Error() string {
	if len(e.Messages) == 0 {
		return "error encountered"
	}
	return strings.Join(e.Messages, "; ")
}

// IsDeviceError reports whether err wraps a *DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
