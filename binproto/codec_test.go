package binproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustEncode(t *testing.T, p *Packet) []byte {
	t.Helper()
	frame, err := Encode(p, 0)
	require.NoError(t, err)
	return frame
}

// drain pulls everything out of the decoder, collecting packets and errors.
func drain(d *Decoder) (pkts []*Packet, errs []error) {
	for {
		pkt, err := d.Next()
		if err != nil {
			errs = append(errs, err)
			if IsTruncated(err) {
				return
			}
			continue
		}
		if pkt == nil {
			return
		}
		pkts = append(pkts, pkt)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		pkt  Packet
	}{
		{name: "no payload", pkt: Packet{Type: PacketAck, Seq: 7}},
		{name: "sync", pkt: Packet{Type: PacketSync, Seq: 0}},
		{name: "small payload", pkt: Packet{Type: PacketFileData, Seq: 200, Payload: []byte{1, 2, 3}}},
		{name: "seq wraparound", pkt: Packet{Type: PacketFileData, Seq: 255, Payload: []byte{0xFF}}},
		{name: "binary payload", pkt: Packet{Type: PacketFileHeader, Seq: 1,
			Payload: encodeFileHeader(FileHeader{Size: 1 << 20, Name: "firmware.bin"})}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			frame := mustEncode(t, &tc.pkt)

			var d Decoder
			d.Feed(frame)
			got, err := d.Next()
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, byte(ProtocolVersion), got.Version)
			require.Equal(t, tc.pkt.Type, got.Type)
			require.Equal(t, tc.pkt.Seq, got.Seq)
			require.Equal(t, tc.pkt.Payload, got.Payload)
			require.Zero(t, d.Buffered())
		})
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	_, err := Encode(&Packet{Type: PacketFileData, Seq: 1, Payload: make([]byte, 600)}, 512)
	require.Error(t, err)
	require.Equal(t, ErrEncoding, err.(*Error).Type)
}

func TestEncodeControlFrameHasNoTrailer(t *testing.T) {
	frame := mustEncode(t, &Packet{Type: PacketAck, Seq: 3})
	require.Len(t, frame, headerSize)
}

func TestDecoderEmptyBuffer(t *testing.T) {
	var d Decoder
	pkt, err := d.Next()
	require.NoError(t, err)
	require.Nil(t, pkt)
}

func TestDecoderTruncatedThenComplete(t *testing.T) {
	frame := mustEncode(t, &Packet{Type: PacketFileData, Seq: 9, Payload: []byte{0x11, 0x22, 0x33}})

	var d Decoder
	for i := 1; i < len(frame); i++ {
		d.Reset()
		d.Feed(frame[:i])
		pkt, err := d.Next()
		require.Nil(t, pkt, "partial frame of %d bytes yielded a packet", i)
		require.Error(t, err)
		require.True(t, IsTruncated(err), "partial frame of %d bytes: %v", i, err)

		d.Feed(frame[i:])
		pkt, err = d.Next()
		require.NoError(t, err)
		require.NotNil(t, pkt)
		require.Equal(t, SequenceID(9), pkt.Seq)
	}
}

func TestDecoderResyncAfterGarbage(t *testing.T) {
	frame := mustEncode(t, &Packet{Type: PacketAck, Seq: 42})

	var d Decoder
	d.Feed([]byte("console noise\r\n"))
	d.Feed(frame)

	pkts, errs := drain(&d)
	require.Len(t, pkts, 1)
	require.Equal(t, SequenceID(42), pkts[0].Seq)
	require.NotEmpty(t, errs)
	for _, err := range errs {
		require.True(t, IsFraming(err), "expected framing error, got %v", err)
	}
}

func TestDecoderBackToBackFrames(t *testing.T) {
	var d Decoder
	for seq := 0; seq < 3; seq++ {
		d.Feed(mustEncode(t, &Packet{Type: PacketFileData, Seq: SequenceID(seq), Payload: []byte{byte(seq)}}))
	}
	pkts, errs := drain(&d)
	require.Empty(t, errs)
	require.Len(t, pkts, 3)
	for seq, pkt := range pkts {
		require.Equal(t, SequenceID(seq), pkt.Seq)
	}
}

// A single flipped bit anywhere in a frame must never decode into a packet.
// This is the property the whole protocol leans on: corruption surfaces as
// a decode error, never as wrong data.
func TestDecoderRejectsEveryBitFlip(t *testing.T) {
	frame := mustEncode(t, &Packet{Type: PacketFileData, Seq: 7, Payload: []byte{0x11, 0x11, 0x11, 0x11}})

	for i := range frame {
		for bit := 0; bit < 8; bit++ {
			corrupted := make([]byte, len(frame))
			copy(corrupted, frame)
			corrupted[i] ^= 1 << bit

			var d Decoder
			d.Feed(corrupted)
			pkts, errs := drain(&d)
			require.Empty(t, pkts, "flip byte %d bit %d decoded a packet", i, bit)
			require.NotEmpty(t, errs, "flip byte %d bit %d produced no error", i, bit)
		}
	}
}

func TestDecoderPayloadCorruptionCarriesSeq(t *testing.T) {
	frame := mustEncode(t, &Packet{Type: PacketFileData, Seq: 5, Payload: []byte{0xAA, 0xBB}})
	frame[headerSize] ^= 0x01 // payload byte; header stays intact

	var d Decoder
	d.Feed(frame)
	pkt, err := d.Next()
	require.Nil(t, pkt)
	require.True(t, IsChecksum(err))
	require.Equal(t, 5, err.(*Error).Seq)
	require.Zero(t, d.Buffered(), "corrupt frame with intact header must be fully consumed")
}

func TestDecoderHeaderCorruptionHasNoSeq(t *testing.T) {
	frame := mustEncode(t, &Packet{Type: PacketFileData, Seq: 5, Payload: []byte{0xAA, 0xBB}})
	frame[5] ^= 0x01 // length field; header checksum must catch it

	var d Decoder
	d.Feed(frame)
	pkt, err := d.Next()
	require.Nil(t, pkt)
	require.True(t, IsChecksum(err))
	require.Equal(t, -1, err.(*Error).Seq)
}

func TestDecoderRejectsUnknownType(t *testing.T) {
	pkt := &Packet{Type: PacketAck, Seq: 1}
	frame := mustEncode(t, pkt)
	frame[3] = 0x7F
	// Re-seal the header so only the type is wrong.
	frame[7] = byte(Fletcher16(frame[2:7]) & 0xFF)
	frame[8] = byte(Fletcher16(frame[2:7]) >> 8)

	var d Decoder
	d.Feed(frame)
	got, err := d.Next()
	require.Nil(t, got)
	require.True(t, IsFraming(err))
}

func TestDecoderRejectsWrongVersion(t *testing.T) {
	frame := mustEncode(t, &Packet{Type: PacketAck, Seq: 1})
	frame[2] = ProtocolVersion + 1
	frame[7] = byte(Fletcher16(frame[2:7]) & 0xFF)
	frame[8] = byte(Fletcher16(frame[2:7]) >> 8)

	var d Decoder
	d.Feed(frame)
	got, err := d.Next()
	require.Nil(t, got)
	require.True(t, IsFraming(err))
}
