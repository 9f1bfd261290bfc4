package binproto

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a packet into a wire frame.
//
// Frame layout: marker(2) + version(1) + type(1) + seq(1) + length(2) +
// header checksum(2) + payload + payload checksum(2 when payload present).
// The checksums cover everything after the marker.
//
// Encoding fails with ErrEncoding if the payload exceeds maxPayload.
func Encode(p *Packet, maxPayload int) ([]byte, error) {
	if maxPayload <= 0 || maxPayload > MaxPayloadLimit {
		maxPayload = MaxPayloadLimit
	}
	if len(p.Payload) > maxPayload {
		return nil, NewSeqError(ErrEncoding,
			fmt.Sprintf("payload %d exceeds maximum %d", len(p.Payload), maxPayload), p.Seq)
	}

	version := p.Version
	if version == 0 {
		version = ProtocolVersion
	}

	size := headerSize + len(p.Payload)
	if len(p.Payload) > 0 {
		size += trailerSize
	}
	frame := make([]byte, size)
	binary.LittleEndian.PutUint16(frame[0:2], StartMarker)
	frame[2] = version
	frame[3] = byte(p.Type)
	frame[4] = byte(p.Seq)
	binary.LittleEndian.PutUint16(frame[5:7], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint16(frame[7:9], Fletcher16(frame[2:7]))
	if len(p.Payload) > 0 {
		copy(frame[headerSize:], p.Payload)
		binary.LittleEndian.PutUint16(frame[headerSize+len(p.Payload):],
			Fletcher16(frame[2:headerSize+len(p.Payload)]))
	}
	return frame, nil
}

// Decoder incrementally parses wire frames out of a raw byte stream.
//
// Feed appends received bytes; Next extracts at most one packet per call.
// The decoder never acts on a malformed frame: either a fully verified
// Packet is returned, or an error describing why bytes were discarded.
type Decoder struct {
	buf []byte
}

// Feed appends raw bytes received from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of undecoded bytes held.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards all buffered bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// Next extracts the next packet from the buffered stream.
//
// Returns (nil, nil) when the buffer holds no bytes to decode. Error cases:
//
//   - ErrFraming: leading bytes were not a valid frame start; the garbage
//     has been discarded up to the next plausible marker. The stream may be
//     desynchronized.
//   - ErrTruncated: a frame has started but fewer bytes are buffered than
//     it declares. Feed more bytes and call Next again.
//   - ErrChecksum: a complete frame failed verification and was discarded.
//     Seq is set when the header itself was intact.
func (d *Decoder) Next() (*Packet, error) {
	if len(d.buf) == 0 {
		return nil, nil
	}

	// Resynchronize on the start marker.
	if d.buf[0] != byte(StartMarker&0xFF) {
		d.skipToMarker(1)
		return nil, NewError(ErrFraming, "stream desynchronized, no start marker")
	}
	if len(d.buf) < 2 {
		return nil, NewError(ErrTruncated, "awaiting start marker")
	}
	if d.buf[1] != byte(StartMarker>>8) {
		d.skipToMarker(1)
		return nil, NewError(ErrFraming, "stream desynchronized, bad start marker")
	}
	if len(d.buf) < headerSize {
		return nil, NewError(ErrTruncated, "awaiting frame header")
	}

	if !VerifyFletcher16(d.buf[2:7], binary.LittleEndian.Uint16(d.buf[7:9])) {
		// Nothing in the header can be trusted, length included. Drop the
		// marker and rescan.
		d.skipToMarker(2)
		return nil, NewError(ErrChecksum, "header checksum mismatch")
	}

	version := d.buf[2]
	ptype := PacketType(d.buf[3])
	seq := SequenceID(d.buf[4])
	length := int(binary.LittleEndian.Uint16(d.buf[5:7]))

	if version != ProtocolVersion {
		d.consume(headerSize)
		return nil, NewError(ErrFraming,
			fmt.Sprintf("unsupported protocol version %d", version))
	}
	if !ptype.IsValid() {
		d.consume(headerSize)
		return nil, NewSeqError(ErrFraming,
			fmt.Sprintf("unknown packet type 0x%02x", byte(ptype)), seq)
	}

	total := headerSize + length
	if length > 0 {
		total += trailerSize
	}
	if len(d.buf) < total {
		return nil, NewSeqError(ErrTruncated,
			fmt.Sprintf("frame declares %d bytes, %d buffered", total, len(d.buf)), seq)
	}

	if length > 0 {
		sum := binary.LittleEndian.Uint16(d.buf[headerSize+length:])
		if !VerifyFletcher16(d.buf[2:headerSize+length], sum) {
			d.consume(total)
			return nil, NewSeqError(ErrChecksum, "payload checksum mismatch", seq)
		}
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		copy(payload, d.buf[headerSize:headerSize+length])
	}
	d.consume(total)
	return &Packet{Version: version, Type: ptype, Seq: seq, Payload: payload}, nil
}

func (d *Decoder) consume(n int) {
	d.buf = d.buf[:copy(d.buf, d.buf[n:])]
}

// skipToMarker discards bytes from offset onward until the next possible
// start-marker byte, keeping it for the following Next call.
func (d *Decoder) skipToMarker(from int) {
	lo := byte(StartMarker & 0xFF)
	for i := from; i < len(d.buf); i++ {
		if d.buf[i] == lo {
			d.consume(i)
			return
		}
	}
	d.Reset()
}
