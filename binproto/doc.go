// Package binproto implements a reliable binary transfer protocol for
// moving files from a host to an embedded device over a low-bandwidth,
// error-prone serial link.
//
// The protocol moves a file as a sequence of checksummed, individually
// acknowledged packets. A handshake negotiates the device's buffer limits
// before any data is sent, and the host paces itself against the device's
// advertised window. Corrupt or lost packets are retransmitted selectively;
// only the affected packet is resent, never the whole window.
//
// The package is designed as a library: callers supply a Transport (a raw
// byte pipe such as a serial port or an SSH console) and receive callback
// hooks for progress tracking and error reporting.
package binproto

// Wire framing constants. All multi-byte fields are little-endian.
const (
	// StartMarker begins every frame. It is excluded from checksums.
	StartMarker = 0xB5AD

	// ProtocolVersion is the wire version spoken by this package.
	ProtocolVersion = 1

	// headerSize is the fixed frame header length: marker(2) + version(1) +
	// type(1) + seq(1) + length(2) + header checksum(2).
	headerSize = 9

	// trailerSize is the payload checksum length, present only when the
	// payload is non-empty.
	trailerSize = 2

	// MaxPayloadLimit bounds the payload length field regardless of what a
	// device advertises.
	MaxPayloadLimit = 0xFFFF
)

// PacketType identifies the purpose of a packet.
type PacketType byte

const (
	// PacketSync opens a session; the device answers with PacketQuery.
	PacketSync PacketType = iota
	// PacketQuery carries the device's capability snapshot.
	PacketQuery
	// PacketFileHeader declares the transfer: size, flags, destination name.
	PacketFileHeader
	// PacketFileData carries one chunk of the source bytes.
	PacketFileData
	// PacketFileEnd closes the transfer after all data is acknowledged.
	PacketFileEnd
	// PacketFileAbort cancels the transfer; no reply is expected.
	PacketFileAbort
	// PacketAck acknowledges the packet whose sequence id it carries.
	PacketAck
	// PacketNack reports the packet whose sequence id it carries as corrupt.
	PacketNack

	packetTypeCount
)

var packetTypeNames = []string{
	"SYNC",
	"QUERY",
	"FILE_HEADER",
	"FILE_DATA",
	"FILE_END",
	"FILE_ABORT",
	"ACK",
	"NACK",
}

// String returns the packet type name, or "UNKNOWN" for invalid types.
func (t PacketType) String() string {
	if int(t) >= len(packetTypeNames) {
		return "UNKNOWN"
	}
	return packetTypeNames[t]
}

// IsValid reports whether t is a defined packet type.
func (t PacketType) IsValid() bool {
	return t < packetTypeCount
}

// FILE_HEADER flag bits.
const (
	// HeaderFlagCompressed marks the payload stream as compressed with the
	// negotiated codec.
	HeaderFlagCompressed = 1 << 0
	// HeaderFlagDummy requests a dry-run: the device acknowledges data
	// packets but discards their contents.
	HeaderFlagDummy = 1 << 1
)

// Capability compression flag bits (QUERY payload byte 4).
const (
	// CompressZlib indicates the device can inflate zlib streams.
	CompressZlib = 1 << 0
)

// Checksum algorithm identifiers (QUERY payload byte 5).
const (
	// ChecksumFletcher16 is the only algorithm currently defined.
	ChecksumFletcher16 = 0
)
