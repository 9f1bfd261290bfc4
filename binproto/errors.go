package binproto

import "fmt"

// Error represents a protocol error.
type Error struct {
	// Type categorizes the error.
	Type ErrorType

	// Message is a human-readable description.
	Message string

	// Seq is the sequence id the error relates to, or -1 if not applicable.
	Seq int
}

// ErrorType categorizes protocol errors.
type ErrorType int

const (
	// ErrFraming indicates the byte stream is desynchronized; the decoder
	// recovers by scanning for the next start marker.
	ErrFraming ErrorType = iota

	// ErrChecksum indicates a checksum mismatch on a received frame.
	ErrChecksum

	// ErrTruncated indicates fewer bytes are available than the frame
	// declares; more input may still arrive.
	ErrTruncated

	// ErrEncoding indicates a packet could not be encoded, e.g. the payload
	// exceeds the negotiated maximum.
	ErrEncoding

	// ErrTimeout indicates no response arrived within the response timeout.
	ErrTimeout

	// ErrHandshakeFailed indicates the device never produced a valid
	// capability response.
	ErrHandshakeFailed

	// ErrHeaderRejected indicates the file header was never acknowledged.
	ErrHeaderRejected

	// ErrMaxRetries indicates a data packet exhausted its retry budget.
	ErrMaxRetries

	// ErrFinalizeFailed indicates the end-of-file packet was never
	// acknowledged.
	ErrFinalizeFailed

	// ErrCancelled indicates the caller cancelled the transfer.
	ErrCancelled

	// ErrIO indicates a transport read or write failure.
	ErrIO

	// ErrProtocol indicates a protocol violation, e.g. reusing a session
	// across files.
	ErrProtocol
)

func (t ErrorType) String() string {
	switch t {
	case ErrFraming:
		return "framing error"
	case ErrChecksum:
		return "checksum error"
	case ErrTruncated:
		return "truncated frame"
	case ErrEncoding:
		return "encoding error"
	case ErrTimeout:
		return "timeout"
	case ErrHandshakeFailed:
		return "handshake failed"
	case ErrHeaderRejected:
		return "header rejected"
	case ErrMaxRetries:
		return "max retries exceeded"
	case ErrFinalizeFailed:
		return "finalize failed"
	case ErrCancelled:
		return "cancelled"
	case ErrIO:
		return "I/O error"
	case ErrProtocol:
		return "protocol error"
	default:
		return "unknown error"
	}
}

func (e *Error) Error() string {
	if e.Seq >= 0 {
		return fmt.Sprintf("binproto %s: %s (seq %d)", e.Type, e.Message, e.Seq)
	}
	return fmt.Sprintf("binproto %s: %s", e.Type, e.Message)
}

// NewError creates a protocol error without sequence information.
func NewError(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message, Seq: -1}
}

// NewSeqError creates a protocol error tied to a sequence id.
func NewSeqError(errType ErrorType, message string, seq SequenceID) *Error {
	return &Error{Type: errType, Message: message, Seq: int(seq)}
}

// errType extracts the ErrorType, or -1 for foreign errors.
func errType(err error) ErrorType {
	if e, ok := err.(*Error); ok {
		return e.Type
	}
	return ErrorType(-1)
}

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool { return errType(err) == ErrTimeout }

// IsChecksum checks if an error is a checksum error.
func IsChecksum(err error) bool { return errType(err) == ErrChecksum }

// IsFraming checks if an error is a framing (desync) error.
func IsFraming(err error) bool { return errType(err) == ErrFraming }

// IsTruncated checks if an error indicates an incomplete frame.
func IsTruncated(err error) bool { return errType(err) == ErrTruncated }

// IsCancelled checks if an error indicates caller cancellation.
func IsCancelled(err error) bool { return errType(err) == ErrCancelled }

// IsFatal reports whether the error terminates a session.
func IsFatal(err error) bool {
	switch errType(err) {
	case ErrHandshakeFailed, ErrHeaderRejected, ErrMaxRetries,
		ErrFinalizeFailed, ErrCancelled, ErrIO:
		return true
	}
	return false
}
