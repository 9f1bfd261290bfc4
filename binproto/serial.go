package binproto

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialTransport adapts a go.bug.st/serial port to the Transport
// interface. The serial package exposes per-read timeouts rather than
// deadlines, so SetReadDeadline is translated to the remaining duration.
type SerialTransport struct {
	port serial.Port
}

// OpenSerial opens a serial port at the given baud rate with 8N1 framing,
// the framing the firmware side expects.
func OpenSerial(device string, baud int) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	return &SerialTransport{port: port}, nil
}

func (s *SerialTransport) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialTransport) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

// SetReadDeadline maps an absolute deadline onto the port's read timeout.
// A zero deadline disables the timeout; a deadline in the past makes the
// next read return immediately.
func (s *SerialTransport) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		return s.port.SetReadTimeout(serial.NoTimeout)
	}
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	return s.port.SetReadTimeout(d)
}

// Drain discards any pending input on the port.
func (s *SerialTransport) Drain() error {
	return s.port.ResetInputBuffer()
}

// Close closes the underlying port.
func (s *SerialTransport) Close() error {
	return s.port.Close()
}
