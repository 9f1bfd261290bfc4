package binproto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlowControllerWindowLimit(t *testing.T) {
	now := time.Now()
	f := NewFlowController(4)

	for i := 0; i < 4; i++ {
		require.True(t, f.CanSend(), "send %d should fit the window", i)
		f.OnSent(SequenceID(i), i, []byte{byte(i)}, now)
	}
	require.False(t, f.CanSend(), "window must refuse a fifth in-flight packet")
	require.Equal(t, 4, f.InFlight())

	require.NotNil(t, f.OnAcknowledged(SequenceID(0)))
	require.True(t, f.CanSend())
	require.Equal(t, 3, f.InFlight())
}

func TestFlowControllerMinimumWindow(t *testing.T) {
	f := NewFlowController(0)
	require.Equal(t, 1, f.Limit())
}

func TestFlowControllerDuplicateAckIsNoop(t *testing.T) {
	now := time.Now()
	f := NewFlowController(2)
	f.OnSent(5, 0, []byte{1}, now)

	p := f.OnAcknowledged(5)
	require.NotNil(t, p)
	require.Equal(t, 0, p.Chunk)

	require.Nil(t, f.OnAcknowledged(5), "duplicate ack must be absorbed")
	require.Nil(t, f.OnAcknowledged(200), "unknown seq must be absorbed")
	require.Zero(t, f.InFlight())
}

func TestFlowControllerSelectiveAck(t *testing.T) {
	now := time.Now()
	f := NewFlowController(3)
	f.OnSent(10, 0, []byte{0}, now)
	f.OnSent(11, 1, []byte{1}, now)
	f.OnSent(12, 2, []byte{2}, now)

	// Ack the middle packet; its neighbors stay pending.
	require.NotNil(t, f.OnAcknowledged(11))
	require.NotNil(t, f.Lookup(10))
	require.Nil(t, f.Lookup(11))
	require.NotNil(t, f.Lookup(12))
}

func TestFlowControllerPollTimeouts(t *testing.T) {
	start := time.Now()
	rto := 100 * time.Millisecond
	f := NewFlowController(4)
	f.OnSent(1, 0, []byte{1}, start)
	f.OnSent(2, 1, []byte{2}, start.Add(60*time.Millisecond))

	require.Empty(t, f.PollTimeouts(start.Add(50*time.Millisecond), rto))

	expired := f.PollTimeouts(start.Add(110*time.Millisecond), rto)
	require.Len(t, expired, 1)
	require.Equal(t, SequenceID(1), expired[0].Seq)

	expired = f.PollTimeouts(start.Add(200*time.Millisecond), rto)
	require.Len(t, expired, 2)
}

func TestFlowControllerMarkRetransmitted(t *testing.T) {
	start := time.Now()
	rto := 100 * time.Millisecond
	f := NewFlowController(1)
	f.OnSent(1, 0, []byte{1}, start)

	p := f.Lookup(1)
	resent := start.Add(150 * time.Millisecond)
	require.Equal(t, 1, f.MarkRetransmitted(p, resent))
	require.Equal(t, 2, f.MarkRetransmitted(p, resent))

	// Restamping resets the timeout clock.
	require.Empty(t, f.PollTimeouts(resent.Add(50*time.Millisecond), rto))
}

func TestFlowControllerDrain(t *testing.T) {
	f := NewFlowController(4)
	f.OnSent(1, 0, []byte{1}, time.Now())
	f.OnSent(2, 1, []byte{2}, time.Now())
	f.Drain()
	require.Zero(t, f.InFlight())
	require.True(t, f.CanSend())
}
