// Package serialport connects to a Pixie over its USB serial interface.
//
// The Pixie's ESP32-C3 exposes a USB-JTAG serial bridge. Discover finds it
// among the host's ports; Open opens it with retries, since the port
// disappears briefly whenever the device resets. The returned Port speaks
// newline-delimited text and implements repl.LineTransport.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cenkalti/backoff/v4"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// DefaultBaudRate of the device console.
	DefaultBaudRate = 115200

	// DefaultRetries bounds how often Open retries a failed open.
	DefaultRetries = 5

	// EspressifVID is the USB vendor id of Espressif Systems.
	EspressifVID = "303A"

	// USBJTAGSerialPID is the product id of the ESP32-C3 USB-JTAG serial bridge.
	USBJTAGSerialPID = "1001"
)

// ErrNoDevice is returned by Discover when no Pixie is attached.
var ErrNoDevice = errors.New("no device found")

var (
	listPorts = func() ([]*enumerator.PortDetails, error) {
		return enumerator.GetDetailedPortsList()
	}
	openPort = func(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
		return serial.Open(name, mode)
	}
	newBackOff = func() backoff.BackOff {
		return backoff.NewExponentialBackOff()
	}
)

// List returns every serial port on the host.
func List() ([]PortInfo, error) {
	details, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			USB:          d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}

// Discover returns the name of the first attached Pixie.
func Discover() (string, error) {
	ports, err := List()
	if err != nil {
		return "", err
	}

	for _, p := range ports {
		if p.IsPixie() {
			return p.Name, nil
		}
	}
	return "", ErrNoDevice
}

// Open opens the named port, or the discovered Pixie when name is empty.
// Transient failures are retried up to retries times with exponential
// backoff.
func Open(ctx context.Context, name string, baudRate int, retries uint64) (*Port, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	mode := &serial.Mode{BaudRate: baudRate}

	var rwc io.ReadWriteCloser
	operation := func() error {
		target := name
		if target == "" {
			discovered, err := Discover()
			if err != nil {
				return err
			}
			target = discovered
		}

		port, err := openPort(target, mode)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		rwc = port
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), retries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}

	return NewPort(rwc), nil
}

func isPermanent(err error) bool {
	var portErr *serial.PortError
	if !errors.As(err, &portErr) {
		return false
	}

	switch portErr.Code() {
	case serial.PermissionDenied, serial.InvalidSpeed, serial.InvalidDataBits,
		serial.InvalidParity, serial.InvalidStopBits:
		return true
	default:
		return false
	}
}
