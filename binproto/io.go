package binproto

import (
	"io"
	"os"
	"time"
)

// Transport is the raw byte pipe a session runs over: a serial port, an SSH
// console, or an in-memory pipe in tests.
//
// The protocol assumes in-order, duplicate-free delivery of whatever bytes
// do arrive; bit errors and truncation are expected and are what checksums
// and timeouts guard against. A transport is a single-owner resource for
// the session's lifetime.
//
// Transports that cannot honor read deadlines (e.g. plain pipes) may
// implement SetReadDeadline as a no-op; reads then block until bytes
// arrive, and timeout detection degrades to the pacing of the peer.
type Transport interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
}

// transportIO wraps a Transport with a read buffer and bounded-wait reads
// for the session's control loop.
type transportIO struct {
	t    Transport
	rbuf []byte
}

func newTransportIO(t Transport, bufSize int) *transportIO {
	if bufSize < 64 {
		bufSize = 64
	}
	return &transportIO{t: t, rbuf: make([]byte, bufSize)}
}

// ReadAvailable blocks for at most wait and returns the bytes that arrived,
// which may be none. A timeout is not an error; it returns (nil, nil) so
// the control loop can move on to timeout polling.
func (z *transportIO) ReadAvailable(wait time.Duration) ([]byte, error) {
	if err := z.t.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return nil, NewError(ErrIO, "set read deadline: "+err.Error())
	}
	n, err := z.t.Read(z.rbuf)
	if err != nil {
		if os.IsTimeout(err) || err == io.EOF {
			return nil, nil
		}
		return nil, NewError(ErrIO, "read: "+err.Error())
	}
	// Serial ports report an expired deadline as a zero-length read.
	if n == 0 {
		return nil, nil
	}
	return z.rbuf[:n], nil
}

// Write sends an entire frame to the transport.
func (z *transportIO) Write(frame []byte) error {
	if _, err := z.t.Write(frame); err != nil {
		return NewError(ErrIO, "write: "+err.Error())
	}
	return nil
}

// Purge drains any bytes already queued on the transport, discarding them.
// Used before a handshake to shed stale console output.
func (z *transportIO) Purge() {
	for {
		b, err := z.ReadAvailable(time.Millisecond)
		if err != nil || len(b) == 0 {
			return
		}
	}
}
