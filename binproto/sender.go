package binproto

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
)

// chunkSource hands out fixed-size slices of the wire bytes, lazily. Each
// chunk maps to exactly one FILE_DATA packet.
type chunkSource struct {
	r     io.Reader
	block int
	index int
	total int
	eof   bool
}

func newChunkSource(r io.Reader, size int64, block int) *chunkSource {
	total := int((size + int64(block) - 1) / int64(block))
	return &chunkSource{r: r, block: block, total: total}
}

// next returns the next chunk and its index, or ok=false when the source
// is exhausted.
func (c *chunkSource) next() (payload []byte, index int, ok bool, err error) {
	if c.eof {
		return nil, 0, false, nil
	}
	buf := make([]byte, c.block)
	n, err := io.ReadFull(c.r, buf)
	if err == io.EOF {
		c.eof = true
		return nil, 0, false, nil
	}
	if err == io.ErrUnexpectedEOF {
		c.eof = true
		err = nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	index = c.index
	c.index++
	if c.index >= c.total {
		c.eof = true
	}
	return buf[:n], index, true, nil
}

// exhausted reports whether all chunks have been handed out.
func (c *chunkSource) exhausted() bool {
	return c.eof
}

// Send runs one complete transfer: handshake, file header, windowed data
// send with selective repeat, finalize. It blocks until the session reaches
// a terminal state and returns nil only on Completed.
//
// Only terminal conditions are surfaced; single-packet corruption or loss
// is retried transparently. Cancellation via ctx is honored at the next
// control-loop iteration, after which FILE_ABORT is sent exactly once.
func (s *Session) Send(ctx context.Context, xfer Transfer) error {
	if ctx == nil {
		ctx = s.ctx
	}
	if s.state != StateIdle {
		return NewError(ErrProtocol,
			fmt.Sprintf("session in state %s, sessions are not reused across files", s.state))
	}

	if err := s.handshake(ctx); err != nil {
		return err
	}

	blockSize := s.config.BlockSize
	if s.caps.MaxPayload > 0 && blockSize > s.caps.MaxPayload {
		blockSize = s.caps.MaxPayload
	}
	window := s.config.WindowSize
	if window > s.caps.WindowSize {
		window = s.caps.WindowSize
	}
	s.flow = NewFlowController(window)

	src, header, err := s.prepareSource(xfer, blockSize)
	if err != nil {
		return err
	}
	wireSize := int64(header.Size)

	s.setState(StateAwaitingHeaderAck)
	s.progress.Start(xfer.Name, wireSize)
	headerPkt := &Packet{Type: PacketFileHeader, Seq: s.allocSeq(), Payload: encodeFileHeader(header)}
	if err := s.sendAcknowledged(ctx, headerPkt, s.config.HeaderRetries,
		ErrHeaderRejected, "file header"); err != nil {
		return err
	}
	s.callbacks.OnTransferStart(xfer.Name, wireSize)

	s.setState(StateSending)
	if err := s.pump(ctx, src); err != nil {
		return err
	}

	s.setState(StateAwaitingFinalAck)
	endPkt := &Packet{Type: PacketFileEnd, Seq: s.allocSeq()}
	if err := s.sendAcknowledged(ctx, endPkt, s.config.FinalizeRetries,
		ErrFinalizeFailed, "finalize"); err != nil {
		return err
	}

	s.setState(StateCompleted)
	duration := s.progress.Complete()
	s.callbacks.OnTransferComplete(xfer.Name, wireSize, duration)
	s.logger.Info("transfer complete: %s, %d bytes in %v (%d retransmits)",
		xfer.Name, wireSize, duration, s.stats.Retransmits)
	return nil
}

// prepareSource applies the negotiated codec and wraps the source in a
// chunker. The file header always declares the wire size, i.e. the byte
// count after compression.
func (s *Session) prepareSource(xfer Transfer, blockSize int) (*chunkSource, FileHeader, error) {
	header := FileHeader{Name: xfer.Name, Dummy: xfer.Dummy}

	codec := s.config.Codec
	if codec != nil && s.caps.CompressFlags&codec.Flag() == 0 {
		s.logger.Info("compression not supported by device, sending raw")
		codec = nil
	}
	if codec == nil {
		header.Size = uint32(xfer.Size)
		return newChunkSource(xfer.Source, xfer.Size, blockSize), header, nil
	}

	raw, err := io.ReadAll(xfer.Source)
	if err != nil {
		return nil, header, s.fail(NewError(ErrIO, "read source: "+err.Error()), "prepare source")
	}
	encoded, err := codec.Encode(raw)
	if err != nil {
		return nil, header, s.fail(NewError(ErrIO, "compress source: "+err.Error()), "prepare source")
	}
	s.logger.Info("compressed %d -> %d bytes", len(raw), len(encoded))
	header.Compressed = true
	header.Size = uint32(len(encoded))
	return newChunkSource(bytes.NewReader(encoded), int64(len(encoded)), blockSize), header, nil
}

func (s *Session) allocSeq() SequenceID {
	seq := s.nextSeq
	s.nextSeq = s.nextSeq.Next()
	return seq
}

// handshake sends SYNC until the device answers with its capability
// snapshot, or the retry budget runs out.
func (s *Session) handshake(ctx context.Context) error {
	s.setState(StateHandshaking)
	s.io.Purge()
	s.dec.Reset()

	syncPkt := &Packet{Type: PacketSync, Seq: s.allocSeq()}
	frame, err := Encode(syncPkt, 0)
	if err != nil {
		return s.fail(err.(*Error), "handshake")
	}

	for attempt := 0; attempt < s.config.HandshakeRetries; attempt++ {
		if ctx.Err() != nil {
			return s.cancel("handshake")
		}
		if attempt > 0 {
			s.stats.Retransmits++
			s.logger.Debug("handshake attempt %d", attempt+1)
		}
		if err := s.io.Write(frame); err != nil {
			return s.fail(err.(*Error), "handshake")
		}

		var caps *DeviceCapabilities
		deadline := time.Now().Add(s.config.ResponseTimeout)
		for caps == nil && time.Now().Before(deadline) {
			if ctx.Err() != nil {
				return s.cancel("handshake")
			}
			err := s.readStep(func(pkt *Packet) {
				if pkt.Type != PacketQuery {
					s.logger.Debug("ignoring %s during handshake", pkt.Type)
					return
				}
				parsed, perr := parseCapabilities(pkt.Payload)
				if perr != nil {
					s.logger.Debug("bad capability payload: %v", perr)
					return
				}
				caps = &parsed
			})
			if err != nil {
				return err
			}
		}
		if caps != nil {
			s.caps = *caps
			s.callbacks.OnHandshake(s.caps)
			s.logger.Info("device: window=%d maxPayload=%d compress=0x%02x checksum=%d",
				s.caps.WindowSize, s.caps.MaxPayload, s.caps.CompressFlags, s.caps.ChecksumAlgorithm)
			return nil
		}
	}
	return s.fail(NewError(ErrHandshakeFailed,
		fmt.Sprintf("no capability response after %d attempts", s.config.HandshakeRetries)),
		"handshake")
}

// sendAcknowledged transmits a control packet and blocks until it is
// acknowledged, retransmitting up to the attempt budget. Exhausting the
// budget aborts the session with failType.
func (s *Session) sendAcknowledged(ctx context.Context, pkt *Packet, attempts int, failType ErrorType, what string) error {
	frame, err := Encode(pkt, s.caps.MaxPayload)
	if err != nil {
		return s.fail(err.(*Error), what)
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return s.cancel(what)
		}
		if attempt > 0 {
			s.stats.Retransmits++
			s.logger.Debug("%s retransmit %d", what, attempt)
		}
		if err := s.io.Write(frame); err != nil {
			return s.fail(err.(*Error), what)
		}

		switch res := s.awaitResponse(ctx, pkt.Seq); {
		case res == nil:
			return nil
		case IsCancelled(res):
			return s.cancel(what)
		case IsTimeout(res) || IsChecksum(res):
			continue // retransmit
		default:
			if e, ok := res.(*Error); ok {
				return s.fail(e, what)
			}
			return s.fail(NewError(ErrIO, res.Error()), what)
		}
	}
	return s.fail(NewSeqError(failType,
		fmt.Sprintf("%s not acknowledged after %d attempts", what, attempts), pkt.Seq), what)
}

// awaitResponse waits one response timeout for an ACK or NACK matching seq.
// Returns nil on ACK, an ErrChecksum error on NACK, ErrTimeout otherwise.
func (s *Session) awaitResponse(ctx context.Context, seq SequenceID) error {
	deadline := time.Now().Add(s.config.ResponseTimeout)
	var acked, nacked bool
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return NewError(ErrCancelled, "transfer cancelled")
		}
		err := s.readStep(func(pkt *Packet) {
			switch pkt.Type {
			case PacketAck:
				if pkt.Seq == seq {
					acked = true
				} else {
					s.logger.Debug("stale ack seq=%d, want %d", pkt.Seq, seq)
				}
			case PacketNack:
				if pkt.Seq == seq {
					nacked = true
				}
			default:
				s.logger.Debug("ignoring %s while awaiting seq=%d", pkt.Type, seq)
			}
		})
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
		if nacked {
			return NewSeqError(ErrChecksum, "device rejected packet", seq)
		}
	}
	return NewSeqError(ErrTimeout, "no response", seq)
}

// pump is the Sending-state control loop: fill the window, drain inbound
// acknowledgments, retransmit expirations. Returns once every chunk has
// been sent and acknowledged.
func (s *Session) pump(ctx context.Context, src *chunkSource) error {
	var sentBytes int64

	for {
		// Cancellation is honored here, between packets, so a frame write
		// is never torn.
		if ctx.Err() != nil {
			return s.cancel("data transfer")
		}

		for s.flow.CanSend() {
			payload, index, ok, err := src.next()
			if err != nil {
				return s.fail(NewError(ErrIO, "read source: "+err.Error()), "data transfer")
			}
			if !ok {
				break
			}
			pkt := &Packet{Type: PacketFileData, Seq: s.allocSeq(), Payload: payload}
			frame, err := Encode(pkt, s.caps.MaxPayload)
			if err != nil {
				return s.fail(err.(*Error), "data transfer")
			}
			if err := s.io.Write(frame); err != nil {
				return s.fail(err.(*Error), "data transfer")
			}
			s.flow.OnSent(pkt.Seq, index, frame, time.Now())
			s.logger.Debug("sent chunk %d/%d seq=%d len=%d inflight=%d",
				index+1, src.total, pkt.Seq, len(payload), s.flow.InFlight())
		}

		var loopErr error
		err := s.readStep(func(pkt *Packet) {
			switch pkt.Type {
			case PacketAck:
				p := s.flow.OnAcknowledged(pkt.Seq)
				if p == nil {
					s.logger.Debug("stale or duplicate ack seq=%d", pkt.Seq)
					return
				}
				sentBytes += int64(framePayloadLen(p.Frame))
				s.progress.Update(sentBytes)
				s.callbacks.OnChunkAcked(p.Chunk, src.total)
			case PacketNack:
				if p := s.flow.Lookup(pkt.Seq); p != nil && loopErr == nil {
					loopErr = s.retransmit(p, NewSeqError(ErrChecksum, "device rejected chunk", pkt.Seq))
				}
			default:
				s.logger.Debug("ignoring %s during data transfer", pkt.Type)
			}
		})
		if err != nil {
			return err
		}
		if loopErr != nil {
			return loopErr
		}

		now := time.Now()
		for _, p := range s.flow.PollTimeouts(now, s.config.ResponseTimeout) {
			if err := s.retransmit(p, NewSeqError(ErrTimeout, "no acknowledgment", p.Seq)); err != nil {
				return err
			}
		}

		if src.exhausted() && s.flow.InFlight() == 0 {
			return nil
		}
	}
}

// retransmit resends one specific in-flight packet (selective repeat) and
// aborts the session once the packet's retry ceiling is exceeded.
func (s *Session) retransmit(p *pending, cause error) error {
	retries := s.flow.MarkRetransmitted(p, time.Now())
	if retries > s.config.MaxRetries {
		return s.fail(NewSeqError(ErrMaxRetries,
			fmt.Sprintf("chunk %d exceeded %d retries", p.Chunk, s.config.MaxRetries), p.Seq),
			"data transfer")
	}
	s.stats.Retransmits++
	s.callbacks.OnChunkRetry(p.Chunk, retries, cause)
	s.logger.Debug("retransmit chunk %d seq=%d attempt=%d: %v", p.Chunk, p.Seq, retries, cause)
	if err := s.io.Write(p.Frame); err != nil {
		return s.fail(err.(*Error), "data transfer")
	}
	return nil
}

// readStep performs one bounded read from the transport and dispatches
// every complete packet that decodes from it. Decode errors are absorbed
// here: checksum failures are counted (the device will retransmit or we
// will time out), framing errors count toward the desynchronization
// ceiling.
func (s *Session) readStep(handle func(*Packet)) error {
	data, err := s.io.ReadAvailable(s.config.PollInterval)
	if err != nil {
		return s.fail(err.(*Error), "transport read")
	}
	if len(data) > 0 {
		s.dec.Feed(data)
	}
	for {
		pkt, err := s.dec.Next()
		if err != nil {
			switch {
			case IsTruncated(err):
				return nil
			case IsChecksum(err):
				s.stats.ChecksumErrors++
				s.logger.Debug("inbound frame corrupt: %v", err)
				continue
			case IsFraming(err):
				s.stats.FramingErrors++
				s.framingStreak++
				s.logger.Debug("inbound framing error (%d consecutive): %v", s.framingStreak, err)
				if s.framingStreak >= s.config.MaxFramingErrors {
					return s.fail(NewError(ErrFraming, "link desynchronized beyond recovery"),
						"transport read")
				}
				continue
			default:
				return s.fail(NewError(ErrIO, err.Error()), "transport read")
			}
		}
		if pkt == nil {
			return nil
		}
		s.framingStreak = 0
		s.logger.Debug("%s", FormatPacketLog("recv", pkt))
		handle(pkt)
	}
}

// cancel sends FILE_ABORT exactly once without waiting for a reply and
// moves the session to Aborted.
func (s *Session) cancel(what string) error {
	if !s.state.Terminal() {
		pkt := &Packet{Type: PacketFileAbort, Seq: s.allocSeq()}
		if frame, err := Encode(pkt, 0); err == nil {
			_ = s.io.Write(frame)
		}
	}
	return s.fail(NewError(ErrCancelled, "transfer cancelled"), what)
}

// framePayloadLen recovers the payload length of an encoded frame.
func framePayloadLen(frame []byte) int {
	if len(frame) <= headerSize {
		return 0
	}
	return len(frame) - headerSize - trailerSize
}
