package binproto

import "time"

// pending tracks one sent-but-unacknowledged packet.
type pending struct {
	Seq     SequenceID
	Frame   []byte // encoded frame, kept for retransmission
	Chunk   int    // zero-based chunk index, -1 for control packets
	SentAt  time.Time
	Retries int
}

// FlowController paces the sender against the device's advertised window.
//
// It tracks in-flight packets in send order and decides when the next
// packet may be emitted and which packets have timed out. It is exclusively
// owned and mutated by the session's control loop; it is not safe for
// concurrent use.
type FlowController struct {
	limit    int
	inflight []*pending
}

// NewFlowController creates a controller with the given window limit.
// A limit below one is treated as one.
func NewFlowController(limit int) *FlowController {
	if limit < 1 {
		limit = 1
	}
	return &FlowController{limit: limit}
}

// Limit returns the window limit.
func (f *FlowController) Limit() int {
	return f.limit
}

// InFlight returns the number of unacknowledged packets.
func (f *FlowController) InFlight() int {
	return len(f.inflight)
}

// CanSend reports whether another packet may be emitted without exceeding
// the window.
func (f *FlowController) CanSend() bool {
	return len(f.inflight) < f.limit
}

// OnSent registers a transmitted frame. The frame bytes are retained until
// the packet is acknowledged so it can be retransmitted verbatim.
func (f *FlowController) OnSent(seq SequenceID, chunk int, frame []byte, now time.Time) {
	f.inflight = append(f.inflight, &pending{
		Seq:    seq,
		Frame:  frame,
		Chunk:  chunk,
		SentAt: now,
	})
}

// OnAcknowledged removes the entry for seq and returns it. Acknowledging an
// unknown or already-acknowledged sequence id is a no-op returning nil;
// this absorbs duplicate and stale acks.
func (f *FlowController) OnAcknowledged(seq SequenceID) *pending {
	for i, p := range f.inflight {
		if p.Seq == seq {
			f.inflight = append(f.inflight[:i], f.inflight[i+1:]...)
			return p
		}
	}
	return nil
}

// Lookup returns the in-flight entry for seq, or nil.
func (f *FlowController) Lookup(seq SequenceID) *pending {
	for _, p := range f.inflight {
		if p.Seq == seq {
			return p
		}
	}
	return nil
}

// PollTimeouts returns the in-flight entries whose age exceeds the
// retransmission timeout. The timeout is fixed rather than adaptive; the
// link's latency is bounded and symmetric enough that estimation buys
// nothing.
func (f *FlowController) PollTimeouts(now time.Time, rto time.Duration) []*pending {
	var expired []*pending
	for _, p := range f.inflight {
		if now.Sub(p.SentAt) >= rto {
			expired = append(expired, p)
		}
	}
	return expired
}

// MarkRetransmitted restamps an entry after a resend and bumps its retry
// counter, returning the new count.
func (f *FlowController) MarkRetransmitted(p *pending, now time.Time) int {
	p.SentAt = now
	p.Retries++
	return p.Retries
}

// Drain discards all in-flight state.
func (f *FlowController) Drain() {
	f.inflight = nil
}
