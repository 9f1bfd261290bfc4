package binproto

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
)

// ReceiverCallbacks provides hooks for device-side transfer events.
type ReceiverCallbacks struct {
	// OnTransferStart is called when a valid file header arrives.
	OnTransferStart func(header FileHeader)

	// OnTransferComplete is called when FILE_END is acknowledged.
	OnTransferComplete func(name string, bytes int64)

	// OnTransferAborted is called when the host sends FILE_ABORT.
	OnTransferAborted func(name string)

	// CreateFile opens the sink for an incoming transfer. When nil, the
	// receiver discards data (dummy transfers always discard, regardless).
	CreateFile func(name string) (io.WriteCloser, error)
}

// ReceiverConfig holds configuration for a device-side responder.
type ReceiverConfig struct {
	// Capabilities is advertised in the QUERY response. Zero-value fields
	// are filled with defaults.
	Capabilities DeviceCapabilities

	// PollInterval bounds how long a single loop read blocks.
	PollInterval time.Duration

	// Codec decompresses streams marked compressed. Its flag must be set
	// in Capabilities.CompressFlags for hosts to use it.
	Codec Codec

	Callbacks *ReceiverCallbacks
	Logger    Logger
}

// DefaultReceiverConfig returns capabilities resembling a small embedded
// device: an 8-packet window and 512-byte payload buffers.
func DefaultReceiverConfig() *ReceiverConfig {
	return &ReceiverConfig{
		Capabilities: DeviceCapabilities{
			ProtocolVersion:   ProtocolVersion,
			WindowSize:        8,
			MaxPayload:        512,
			ChecksumAlgorithm: ChecksumFletcher16,
		},
		PollInterval: 10 * time.Millisecond,
	}
}

// Receiver implements the device side of the protocol: it answers SYNC
// with a capability snapshot, acknowledges the file header and each data
// chunk by sequence id, NACKs corrupt data, and re-acknowledges duplicates
// so a host that lost an ack can make progress.
//
// Receiver exists so host tooling can be exercised without hardware: tests
// and the device-simulator command run it over a loopback transport.
type Receiver struct {
	io     *transportIO
	dec    Decoder
	config *ReceiverConfig
	logger Logger

	// per-transfer state
	header    *FileHeader
	expected  SequenceID
	sink      io.WriteCloser
	buf       bytes.Buffer // staging for compressed streams
	received  int64
	transfers int
}

// NewReceiver creates a device-side responder over the given transport.
func NewReceiver(t Transport, config *ReceiverConfig) *Receiver {
	if config == nil {
		config = DefaultReceiverConfig()
	}
	if config.Capabilities.ProtocolVersion == 0 {
		config.Capabilities.ProtocolVersion = ProtocolVersion
	}
	if config.Capabilities.WindowSize == 0 {
		config.Capabilities.WindowSize = 8
	}
	if config.Capabilities.MaxPayload == 0 {
		config.Capabilities.MaxPayload = 512
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = NoopLogger{}
	}
	if config.Callbacks == nil {
		config.Callbacks = &ReceiverCallbacks{}
	}
	bufSize := config.Capabilities.MaxPayload + headerSize + trailerSize
	return &Receiver{
		io:     newTransportIO(t, bufSize),
		config: config,
		logger: logger,
	}
}

// Transfers returns the number of completed transfers.
func (r *Receiver) Transfers() int {
	return r.transfers
}

// Run serves the protocol until ctx is cancelled or the transport fails.
func (r *Receiver) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			r.discard()
			return err
		}

		data, err := r.io.ReadAvailable(r.config.PollInterval)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			r.dec.Feed(data)
		}

		for {
			pkt, derr := r.dec.Next()
			if derr != nil {
				if e, ok := derr.(*Error); ok {
					if e.Type == ErrTruncated {
						break
					}
					// A corrupt frame with an intact header gets a NACK so
					// the host retransmits immediately instead of waiting
					// out its timeout. Header corruption leaves nothing to
					// name; the host's timeout covers it.
					if e.Type == ErrChecksum && e.Seq >= 0 {
						r.sendControl(PacketNack, SequenceID(e.Seq))
					}
					r.logger.Debug("inbound frame dropped: %v", derr)
					continue
				}
				return derr
			}
			if pkt == nil {
				break
			}
			if err := r.handle(pkt); err != nil {
				return err
			}
		}
	}
}

func (r *Receiver) handle(pkt *Packet) error {
	r.logger.Debug("%s", FormatPacketLog("recv", pkt))
	switch pkt.Type {
	case PacketSync:
		// A new handshake discards any broken transfer in progress.
		r.discard()
		r.expected = pkt.Seq.Next()
		return r.sendQuery(pkt.Seq)

	case PacketFileHeader:
		return r.handleHeader(pkt)

	case PacketFileData:
		return r.handleData(pkt)

	case PacketFileEnd:
		return r.handleEnd(pkt)

	case PacketFileAbort:
		if r.header != nil {
			r.logger.Info("transfer aborted by host: %s", r.header.Name)
			if cb := r.config.Callbacks.OnTransferAborted; cb != nil {
				cb(r.header.Name)
			}
		}
		r.discard()
		return nil

	default:
		r.logger.Debug("ignoring %s", pkt.Type)
		return nil
	}
}

func (r *Receiver) handleHeader(pkt *Packet) error {
	if r.isDuplicate(pkt.Seq) {
		return r.sendControl(PacketAck, pkt.Seq)
	}
	if pkt.Seq != r.expected {
		r.logger.Debug("header seq=%d, expected %d", pkt.Seq, r.expected)
		return nil
	}
	header, err := parseFileHeader(pkt.Payload)
	if err != nil {
		r.logger.Debug("bad file header: %v", err)
		return r.sendControl(PacketNack, pkt.Seq)
	}
	if header.Compressed && (r.config.Codec == nil ||
		r.config.Capabilities.CompressFlags&r.config.Codec.Flag() == 0) {
		r.logger.Info("rejecting compressed transfer, no codec")
		return r.sendControl(PacketNack, pkt.Seq)
	}

	r.header = &header
	r.received = 0
	r.buf.Reset()
	if !header.Dummy && r.config.Callbacks.CreateFile != nil {
		sink, err := r.config.Callbacks.CreateFile(header.Name)
		if err != nil {
			r.logger.Error("create %s: %v", header.Name, err)
			r.header = nil
			return r.sendControl(PacketNack, pkt.Seq)
		}
		r.sink = sink
	}
	r.expected = pkt.Seq.Next()
	r.logger.Info("transfer start: %s, %d bytes, compressed=%v dummy=%v",
		header.Name, header.Size, header.Compressed, header.Dummy)
	if cb := r.config.Callbacks.OnTransferStart; cb != nil {
		cb(header)
	}
	return r.sendControl(PacketAck, pkt.Seq)
}

func (r *Receiver) handleData(pkt *Packet) error {
	if r.header == nil {
		r.logger.Debug("data without transfer, ignoring seq=%d", pkt.Seq)
		return nil
	}
	if r.isDuplicate(pkt.Seq) {
		// The chunk was already applied; the host just lost our ack.
		return r.sendControl(PacketAck, pkt.Seq)
	}
	if pkt.Seq != r.expected {
		// A gap cannot happen on an in-order link unless the missing
		// packet was corrupted in transit; the host's timeout or our NACK
		// already covers it.
		r.logger.Debug("data seq=%d, expected %d", pkt.Seq, r.expected)
		return nil
	}

	if err := r.store(pkt.Payload); err != nil {
		r.logger.Error("store chunk: %v", err)
		return r.sendControl(PacketNack, pkt.Seq)
	}
	r.received += int64(len(pkt.Payload))
	r.expected = pkt.Seq.Next()
	return r.sendControl(PacketAck, pkt.Seq)
}

func (r *Receiver) store(payload []byte) error {
	if r.header.Dummy {
		return nil
	}
	if r.header.Compressed {
		_, err := r.buf.Write(payload)
		return err
	}
	if r.sink != nil {
		_, err := r.sink.Write(payload)
		return err
	}
	return nil
}

func (r *Receiver) handleEnd(pkt *Packet) error {
	if r.header == nil {
		// The transfer already finalized and the host lost the ack.
		return r.sendControl(PacketAck, pkt.Seq)
	}
	if pkt.Seq != r.expected && !r.isDuplicate(pkt.Seq) {
		r.logger.Debug("end seq=%d, expected %d", pkt.Seq, r.expected)
		return nil
	}
	if r.received != int64(r.header.Size) {
		r.logger.Error("size mismatch: header %d, received %d", r.header.Size, r.received)
		return r.sendControl(PacketNack, pkt.Seq)
	}

	if r.header.Compressed && !r.header.Dummy && r.sink != nil {
		decoded, err := r.config.Codec.Decode(r.buf.Bytes())
		if err != nil {
			r.logger.Error("decompress: %v", err)
			return r.sendControl(PacketNack, pkt.Seq)
		}
		if _, err := r.sink.Write(decoded); err != nil {
			r.logger.Error("write sink: %v", err)
			return r.sendControl(PacketNack, pkt.Seq)
		}
	}

	name, received := r.header.Name, r.received
	r.discard()
	r.transfers++
	r.expected = pkt.Seq.Next()
	r.logger.Info("transfer complete: %s, %d bytes", name, received)
	if cb := r.config.Callbacks.OnTransferComplete; cb != nil {
		cb(name, received)
	}
	return r.sendControl(PacketAck, pkt.Seq)
}

// isDuplicate reports whether seq was already processed, i.e. lies shortly
// behind the expected sequence id, accounting for wraparound.
func (r *Receiver) isDuplicate(seq SequenceID) bool {
	behind := byte(r.expected - seq)
	window := byte(r.config.Capabilities.WindowSize)
	return behind > 0 && behind <= 2*window
}

// sendControl emits an ACK or NACK carrying the target sequence id.
func (r *Receiver) sendControl(t PacketType, seq SequenceID) error {
	frame, err := Encode(&Packet{Type: t, Seq: seq}, 0)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	r.logger.Debug("send %s seq=%d", t, seq)
	return r.io.Write(frame)
}

func (r *Receiver) sendQuery(seq SequenceID) error {
	frame, err := Encode(&Packet{
		Type:    PacketQuery,
		Seq:     seq,
		Payload: encodeCapabilities(r.config.Capabilities),
	}, 0)
	if err != nil {
		return fmt.Errorf("encode QUERY: %w", err)
	}
	return r.io.Write(frame)
}

// discard drops all per-transfer state, closing the sink if open.
func (r *Receiver) discard() {
	if r.sink != nil {
		r.sink.Close()
		r.sink = nil
	}
	r.header = nil
	r.buf.Reset()
	r.received = 0
}
