package binproto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// awaitPacket reads frames off the transport until one of the wanted type
// decodes, failing the test after two seconds.
func awaitPacket(t *testing.T, tr *memTransport, want PacketType) *Packet {
	t.Helper()
	var d Decoder
	buf := make([]byte, 256)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, tr.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
		n, err := tr.Read(buf)
		if err == nil && n > 0 {
			d.Feed(buf[:n])
		}
		for {
			pkt, derr := d.Next()
			if derr != nil {
				if IsTruncated(derr) {
					break
				}
				continue
			}
			if pkt == nil {
				break
			}
			if pkt.Type == want {
				return pkt
			}
			t.Logf("skipping %s while awaiting %s", pkt.Type, want)
		}
	}
	t.Fatalf("no %s packet within deadline", want)
	return nil
}

func sendFrame(t *testing.T, tr *memTransport, pkt *Packet) {
	t.Helper()
	frame, err := Encode(pkt, 0)
	require.NoError(t, err)
	_, err = tr.Write(frame)
	require.NoError(t, err)
}

func TestReceiverAnswersSyncWithCapabilities(t *testing.T) {
	hostT, devT := newTransportPair()
	startDevice(t, devT, fastReceiverConfig())

	sendFrame(t, hostT, &Packet{Type: PacketSync, Seq: 17})
	query := awaitPacket(t, hostT, PacketQuery)
	require.Equal(t, SequenceID(17), query.Seq, "QUERY must mirror the SYNC sequence id")

	caps, err := parseCapabilities(query.Payload)
	require.NoError(t, err)
	require.Equal(t, byte(ProtocolVersion), caps.ProtocolVersion)
	require.Equal(t, 4, caps.WindowSize)
	require.Equal(t, 64, caps.MaxPayload)
}

func TestReceiverNacksCorruptDataThenAcceptsResend(t *testing.T) {
	hostT, devT := newTransportPair()
	device := startDevice(t, devT, fastReceiverConfig())

	sendFrame(t, hostT, &Packet{Type: PacketSync, Seq: 0})
	awaitPacket(t, hostT, PacketQuery)

	payload := []byte("four score and seven bytes ago")
	header := FileHeader{Size: uint32(len(payload)), Name: "nacked.bin"}
	sendFrame(t, hostT, &Packet{Type: PacketFileHeader, Seq: 1, Payload: encodeFileHeader(header)})
	ack := awaitPacket(t, hostT, PacketAck)
	require.Equal(t, SequenceID(1), ack.Seq)

	frame, err := Encode(&Packet{Type: PacketFileData, Seq: 2, Payload: payload}, 0)
	require.NoError(t, err)
	corrupt := make([]byte, len(frame))
	copy(corrupt, frame)
	corrupt[headerSize+3] ^= 0x20
	_, err = hostT.Write(corrupt)
	require.NoError(t, err)

	nack := awaitPacket(t, hostT, PacketNack)
	require.Equal(t, SequenceID(2), nack.Seq, "NACK must name the corrupt packet")

	_, err = hostT.Write(frame)
	require.NoError(t, err)
	ack = awaitPacket(t, hostT, PacketAck)
	require.Equal(t, SequenceID(2), ack.Seq)

	sendFrame(t, hostT, &Packet{Type: PacketFileEnd, Seq: 3})
	ack = awaitPacket(t, hostT, PacketAck)
	require.Equal(t, SequenceID(3), ack.Seq)

	device.shutdown()
	require.Equal(t, payload, device.file("nacked.bin"))
}

func TestReceiverReAcksDuplicateData(t *testing.T) {
	hostT, devT := newTransportPair()
	device := startDevice(t, devT, fastReceiverConfig())

	sendFrame(t, hostT, &Packet{Type: PacketSync, Seq: 0})
	awaitPacket(t, hostT, PacketQuery)

	payload := []byte("write once")
	header := FileHeader{Size: uint32(len(payload)), Name: "dup.bin"}
	sendFrame(t, hostT, &Packet{Type: PacketFileHeader, Seq: 1, Payload: encodeFileHeader(header)})
	awaitPacket(t, hostT, PacketAck)

	data := &Packet{Type: PacketFileData, Seq: 2, Payload: payload}
	sendFrame(t, hostT, data)
	ack := awaitPacket(t, hostT, PacketAck)
	require.Equal(t, SequenceID(2), ack.Seq)

	// The host lost the ack and resends; the chunk must not be applied
	// twice, but the ack must be repeated.
	sendFrame(t, hostT, data)
	ack = awaitPacket(t, hostT, PacketAck)
	require.Equal(t, SequenceID(2), ack.Seq)

	sendFrame(t, hostT, &Packet{Type: PacketFileEnd, Seq: 3})
	awaitPacket(t, hostT, PacketAck)

	device.shutdown()
	require.Equal(t, payload, device.file("dup.bin"))
}

func TestReceiverIgnoresOutOfOrderData(t *testing.T) {
	hostT, devT := newTransportPair()
	device := startDevice(t, devT, fastReceiverConfig())

	sendFrame(t, hostT, &Packet{Type: PacketSync, Seq: 0})
	awaitPacket(t, hostT, PacketQuery)

	header := FileHeader{Size: 8, Name: "gap.bin"}
	sendFrame(t, hostT, &Packet{Type: PacketFileHeader, Seq: 1, Payload: encodeFileHeader(header)})
	awaitPacket(t, hostT, PacketAck)

	// Chunk seq=3 arrives before seq=2 (seq=2 was lost on the wire). The
	// receiver must neither ack nor apply it.
	sendFrame(t, hostT, &Packet{Type: PacketFileData, Seq: 3, Payload: []byte("late")})

	sendFrame(t, hostT, &Packet{Type: PacketFileData, Seq: 2, Payload: []byte("good")})
	ack := awaitPacket(t, hostT, PacketAck)
	require.Equal(t, SequenceID(2), ack.Seq)

	sendFrame(t, hostT, &Packet{Type: PacketFileData, Seq: 3, Payload: []byte("late")})
	ack = awaitPacket(t, hostT, PacketAck)
	require.Equal(t, SequenceID(3), ack.Seq)

	sendFrame(t, hostT, &Packet{Type: PacketFileEnd, Seq: 4})
	awaitPacket(t, hostT, PacketAck)

	device.shutdown()
	require.Equal(t, []byte("goodlate"), device.file("gap.bin"))
}

func TestReceiverAbortDiscardsPartialFile(t *testing.T) {
	hostT, devT := newTransportPair()
	aborted := make(chan string, 1)
	cfg := fastReceiverConfig()
	cfg.Callbacks = &ReceiverCallbacks{
		OnTransferAborted: func(name string) { aborted <- name },
	}
	device := startDevice(t, devT, cfg)

	sendFrame(t, hostT, &Packet{Type: PacketSync, Seq: 0})
	awaitPacket(t, hostT, PacketQuery)

	header := FileHeader{Size: 100, Name: "partial.bin"}
	sendFrame(t, hostT, &Packet{Type: PacketFileHeader, Seq: 1, Payload: encodeFileHeader(header)})
	awaitPacket(t, hostT, PacketAck)

	sendFrame(t, hostT, &Packet{Type: PacketFileData, Seq: 2, Payload: []byte("doomed")})
	awaitPacket(t, hostT, PacketAck)

	sendFrame(t, hostT, &Packet{Type: PacketFileAbort, Seq: 3})

	select {
	case name := <-aborted:
		require.Equal(t, "partial.bin", name)
	case <-time.After(2 * time.Second):
		t.Fatal("abort never observed")
	}
	device.shutdown()
	require.Zero(t, device.receiver.Transfers())
}

func TestReceiverRejectsSizeMismatchOnEnd(t *testing.T) {
	hostT, devT := newTransportPair()
	startDevice(t, devT, fastReceiverConfig())

	sendFrame(t, hostT, &Packet{Type: PacketSync, Seq: 0})
	awaitPacket(t, hostT, PacketQuery)

	// Header promises 50 bytes; only 5 arrive before FILE_END.
	header := FileHeader{Size: 50, Name: "short.bin"}
	sendFrame(t, hostT, &Packet{Type: PacketFileHeader, Seq: 1, Payload: encodeFileHeader(header)})
	awaitPacket(t, hostT, PacketAck)

	sendFrame(t, hostT, &Packet{Type: PacketFileData, Seq: 2, Payload: []byte("scant")})
	awaitPacket(t, hostT, PacketAck)

	sendFrame(t, hostT, &Packet{Type: PacketFileEnd, Seq: 3})
	nack := awaitPacket(t, hostT, PacketNack)
	require.Equal(t, SequenceID(3), nack.Seq)
}
