package binproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SequenceID numbers packets per direction, wrapping at 256.
type SequenceID byte

// Next returns the sequence id that follows s.
func (s SequenceID) Next() SequenceID {
	return SequenceID(byte(s) + 1)
}

// Packet is one atomic protocol unit.
//
// A Packet produced by the Decoder has always passed checksum verification;
// no packet with an unverified checksum escapes the codec.
type Packet struct {
	Version byte
	Type    PacketType
	Seq     SequenceID
	Payload []byte
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s seq=%d len=%d", p.Type, p.Seq, len(p.Payload))
}

// DeviceCapabilities is the immutable snapshot learned from the device's
// QUERY response during the handshake. It is fixed for the session's
// lifetime; a new session re-queries.
type DeviceCapabilities struct {
	// ProtocolVersion the device speaks.
	ProtocolVersion byte

	// WindowSize is the maximum number of unacknowledged packets the
	// device's buffers can hold.
	WindowSize int

	// MaxPayload is the largest FILE_DATA payload the device accepts.
	MaxPayload int

	// CompressFlags advertises supported payload codecs (CompressZlib...).
	CompressFlags byte

	// ChecksumAlgorithm identifies the integrity code in use.
	ChecksumAlgorithm byte
}

const capabilitiesLen = 6

// encodeCapabilities builds a QUERY payload.
func encodeCapabilities(caps DeviceCapabilities) []byte {
	buf := make([]byte, capabilitiesLen)
	buf[0] = caps.ProtocolVersion
	buf[1] = byte(caps.WindowSize)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(caps.MaxPayload))
	buf[4] = caps.CompressFlags
	buf[5] = caps.ChecksumAlgorithm
	return buf
}

// parseCapabilities parses a QUERY payload.
func parseCapabilities(payload []byte) (DeviceCapabilities, error) {
	if len(payload) < capabilitiesLen {
		return DeviceCapabilities{}, NewError(ErrHandshakeFailed,
			fmt.Sprintf("capability payload too short: %d bytes", len(payload)))
	}
	caps := DeviceCapabilities{
		ProtocolVersion:   payload[0],
		WindowSize:        int(payload[1]),
		MaxPayload:        int(binary.LittleEndian.Uint16(payload[2:4])),
		CompressFlags:     payload[4],
		ChecksumAlgorithm: payload[5],
	}
	if caps.WindowSize == 0 {
		caps.WindowSize = 1
	}
	return caps, nil
}

// FileHeader declares an upcoming transfer.
type FileHeader struct {
	// Size is the number of payload bytes that will be sent, after
	// compression if any.
	Size uint32

	// Compressed marks the stream as encoded with the negotiated codec.
	Compressed bool

	// Dummy requests a dry-run; the device acknowledges and discards data.
	Dummy bool

	// Name is the destination file name on the device.
	Name string
}

// encodeFileHeader builds a FILE_HEADER payload:
// size(4) + flags(1) + name + NUL.
func encodeFileHeader(h FileHeader) []byte {
	buf := make([]byte, 5, 5+len(h.Name)+1)
	binary.LittleEndian.PutUint32(buf[0:4], h.Size)
	if h.Compressed {
		buf[4] |= HeaderFlagCompressed
	}
	if h.Dummy {
		buf[4] |= HeaderFlagDummy
	}
	buf = append(buf, h.Name...)
	buf = append(buf, 0)
	return buf
}

// parseFileHeader parses a FILE_HEADER payload.
func parseFileHeader(payload []byte) (FileHeader, error) {
	if len(payload) < 6 {
		return FileHeader{}, NewError(ErrFraming,
			fmt.Sprintf("file header too short: %d bytes", len(payload)))
	}
	name := payload[5:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	} else {
		return FileHeader{}, NewError(ErrFraming, "file header name not terminated")
	}
	flags := payload[4]
	return FileHeader{
		Size:       binary.LittleEndian.Uint32(payload[0:4]),
		Compressed: flags&HeaderFlagCompressed != 0,
		Dummy:      flags&HeaderFlagDummy != 0,
		Name:       string(name),
	}, nil
}
