// Package serial provides the serial-port access used by the FT1.2
// and TP-UART links: 8 data bits, even parity, one stop bit, no flow
// control.
package serial

import (
	"fmt"
	"io"
	"time"

	bugst "go.bug.st/serial"

	"github.com/nerrad567/gray-logic-knx/knx"
)

// DefaultBaudRate is the standard KNX serial speed.
const DefaultBaudRate = 19200

// Port is the minimal serial-port contract the links need. The
// go.bug.st/serial backend satisfies it; tests substitute an
// in-memory pipe.
type Port interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds a single Read. Zero or negative means
	// block forever.
	SetReadTimeout(d time.Duration) error
}

// Open opens a serial port in 8-E-1 mode at the given baud rate.
//
// portID is the platform device name, e.g. "/dev/ttyAMA0" or "COM3".
func Open(portID string, baudRate int) (Port, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}

	mode := &bugst.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   bugst.EvenParity,
		StopBits: bugst.OneStopBit,
	}

	p, err := bugst.Open(portID, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %w", knx.ErrPortClosed, portID, err)
	}
	return p, nil
}
