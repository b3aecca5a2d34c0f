package serialport

import "strings"

// PortInfo describes a serial port found on the host
type PortInfo struct {
	Name         string `json:"name"`
	USB          bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// IsPixie reports whether the port is the USB-JTAG serial interface of an
// ESP32-C3, which is how a Pixie enumerates.
func (p PortInfo) IsPixie() bool {
	return p.USB && strings.EqualFold(p.VID, EspressifVID) && strings.EqualFold(p.PID, USBJTAGSerialPID)
}
