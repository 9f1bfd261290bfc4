package binproto

import (
	"context"
	"io"
	"time"
)

// State identifies where a transfer session is in its lifecycle.
type State int

const (
	// StateIdle is the initial state; no transfer has started.
	StateIdle State = iota
	// StateHandshaking means SYNC has been sent and the capability
	// response is awaited.
	StateHandshaking
	// StateAwaitingHeaderAck means the file header is in flight.
	StateAwaitingHeaderAck
	// StateSending means data chunks are being transmitted.
	StateSending
	// StateAwaitingFinalAck means all data is acknowledged and FILE_END is
	// in flight.
	StateAwaitingFinalAck
	// StateCompleted is terminal success.
	StateCompleted
	// StateAborted is terminal failure.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateHandshaking:
		return "Handshaking"
	case StateAwaitingHeaderAck:
		return "AwaitingHeaderAck"
	case StateSending:
		return "Sending"
	case StateAwaitingFinalAck:
		return "AwaitingFinalAck"
	case StateCompleted:
		return "Completed"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Config holds session configuration. The retry ceiling, timeouts, and
// window preferences are deliberately parameters rather than constants;
// devices vary and callers know their link.
type Config struct {
	// BlockSize is the preferred data chunk size in bytes. It is clamped
	// to the device's advertised maximum payload.
	BlockSize int

	// WindowSize is the preferred number of in-flight packets. It is
	// clamped to the device's advertised window.
	WindowSize int

	// ResponseTimeout is the fixed retransmission timeout per packet.
	ResponseTimeout time.Duration

	// PollInterval bounds how long a single control-loop read blocks.
	PollInterval time.Duration

	// MaxRetries is the per-packet retransmission ceiling for data chunks.
	MaxRetries int

	// HandshakeRetries bounds SYNC attempts before the session aborts.
	HandshakeRetries int

	// HeaderRetries bounds FILE_HEADER retransmissions.
	HeaderRetries int

	// FinalizeRetries bounds FILE_END retransmissions.
	FinalizeRetries int

	// MaxFramingErrors bounds consecutive framing errors before the link
	// is considered desynchronized beyond recovery.
	MaxFramingErrors int

	// Codec optionally compresses the source bytes before chunking. It is
	// used only when the device advertises the codec's capability flag.
	Codec Codec

	// ProgressInterval throttles OnProgress callbacks.
	ProgressInterval time.Duration
}

// DefaultConfig returns a default configuration suitable for a 115200 baud
// direct serial link.
func DefaultConfig() *Config {
	return &Config{
		BlockSize:        512,
		WindowSize:       8,
		ResponseTimeout:  500 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		MaxRetries:       5,
		HandshakeRetries: 4,
		HeaderRetries:    5,
		FinalizeRetries:  5,
		MaxFramingErrors: 16,
		ProgressInterval: 100 * time.Millisecond,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithConfig sets the session configuration.
func WithConfig(config *Config) Option {
	return func(s *Session) {
		s.config = config
	}
}

// WithCallbacks sets the session callbacks.
func WithCallbacks(callbacks *Callbacks) Option {
	return func(s *Session) {
		s.callbacks = mergeCallbacks(callbacks)
	}
}

// WithLogger sets a logger for protocol debugging.
func WithLogger(logger Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithContext sets the session's base context, used when Send is called
// with a nil context.
func WithContext(ctx context.Context) Option {
	return func(s *Session) {
		s.ctx = ctx
	}
}

// Transfer describes one file transfer request.
type Transfer struct {
	// Name is the destination file name on the device.
	Name string

	// Source supplies the file bytes.
	Source io.Reader

	// Size is the total byte count of Source. When a codec is negotiated
	// the wire size differs; the session handles that internally.
	Size int64

	// Dummy requests a dry-run: the full protocol runs, the device
	// discards the data.
	Dummy bool
}

// Stats are cumulative session counters.
type Stats struct {
	// Retransmits counts data, header, and finalize retransmissions.
	Retransmits int

	// ChecksumErrors counts corrupt frames received from the device.
	ChecksumErrors int

	// FramingErrors counts desynchronization events on the inbound stream.
	FramingErrors int
}

// Session drives one file transfer over a Transport. A session is created
// per transfer attempt and is never reused across files; terminal success
// or failure releases it.
//
// The session is a single cooperative control loop: packet sends, ack
// processing, and timeout polling all happen from the goroutine that calls
// Send. Cancellation is honored at loop iteration boundaries, never in the
// middle of a frame write.
type Session struct {
	io  *transportIO
	dec Decoder

	config    *Config
	callbacks *Callbacks
	logger    Logger
	ctx       context.Context

	state         State
	caps          DeviceCapabilities
	flow          *FlowController
	nextSeq       SequenceID
	stats         Stats
	framingStreak int

	progress *ProgressTracker
}

// NewSession creates a session over the given transport.
func NewSession(t Transport, opts ...Option) *Session {
	s := &Session{
		config:    DefaultConfig(),
		callbacks: defaultCallbacks(),
		logger:    NoopLogger{},
		ctx:       context.Background(),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	bufSize := s.config.BlockSize
	if bufSize < 256 {
		bufSize = 256
	}
	s.io = newTransportIO(t, bufSize)
	s.progress = NewProgressTracker(func(name string, sent, total int64, rate float64) {
		s.callbacks.OnProgress(name, sent, total, rate)
	}, s.config.ProgressInterval)
	return s
}

// State returns the session state.
func (s *Session) State() State {
	return s.state
}

// Capabilities returns the device capabilities learned at handshake. The
// zero value is returned before the handshake completes.
func (s *Session) Capabilities() DeviceCapabilities {
	return s.caps
}

// Stats returns cumulative error counters.
func (s *Session) Stats() Stats {
	return s.stats
}

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.logger.Debug("state %s -> %s", s.state, next)
	s.state = next
}

// fail moves the session to Aborted and reports the terminal reason.
// Failing an already-terminal session keeps the first reason's callbacks
// from firing twice.
func (s *Session) fail(reason *Error, context string) error {
	if s.state == StateAborted {
		return reason
	}
	s.setState(StateAborted)
	s.flowDrain()
	s.callbacks.OnError(reason, context)
	s.logger.Error("aborted during %s: %v", context, reason)
	return reason
}

func (s *Session) flowDrain() {
	if s.flow != nil {
		s.flow.Drain()
	}
}
