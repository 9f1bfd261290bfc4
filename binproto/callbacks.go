package binproto

import "time"

// Callbacks provides hooks for transfer events.
// All callbacks are optional - nil callbacks use default behavior.
// Callbacks are invoked from the session's control loop and must not block.
type Callbacks struct {
	// OnHandshake is called when the device's capabilities are learned.
	OnHandshake func(caps DeviceCapabilities)

	// OnTransferStart is called once the file header is acknowledged.
	OnTransferStart func(name string, size int64)

	// OnChunkAcked is called when the device acknowledges a data chunk.
	// chunk is zero-based; total is the overall chunk count.
	OnChunkAcked func(chunk, total int)

	// OnChunkRetry is called when a data chunk is retransmitted after a
	// NACK or a timeout. attempt counts retransmissions of that chunk.
	OnChunkRetry func(chunk, attempt int, reason error)

	// OnProgress is called periodically during the transfer.
	// sent and total are byte counts; rate is bytes per second.
	OnProgress func(name string, sent, total int64, rate float64)

	// OnTransferComplete is called on terminal success.
	OnTransferComplete func(name string, bytes int64, duration time.Duration)

	// OnError is called for every terminal failure before it is returned.
	OnError func(err error, context string)
}

// defaultCallbacks returns a set of callbacks with default implementations.
func defaultCallbacks() *Callbacks {
	return &Callbacks{
		OnHandshake:        func(DeviceCapabilities) {},
		OnTransferStart:    func(string, int64) {},
		OnChunkAcked:       func(int, int) {},
		OnChunkRetry:       func(int, int, error) {},
		OnProgress:         func(string, int64, int64, float64) {},
		OnTransferComplete: func(string, int64, time.Duration) {},
		OnError:            func(error, string) {},
	}
}

// mergeCallbacks merges user callbacks with defaults.
// User callbacks override defaults, nil callbacks use defaults.
func mergeCallbacks(user *Callbacks) *Callbacks {
	if user == nil {
		return defaultCallbacks()
	}

	result := defaultCallbacks()
	if user.OnHandshake != nil {
		result.OnHandshake = user.OnHandshake
	}
	if user.OnTransferStart != nil {
		result.OnTransferStart = user.OnTransferStart
	}
	if user.OnChunkAcked != nil {
		result.OnChunkAcked = user.OnChunkAcked
	}
	if user.OnChunkRetry != nil {
		result.OnChunkRetry = user.OnChunkRetry
	}
	if user.OnProgress != nil {
		result.OnProgress = user.OnProgress
	}
	if user.OnTransferComplete != nil {
		result.OnTransferComplete = user.OnTransferComplete
	}
	if user.OnError != nil {
		result.OnError = user.OnError
	}
	return result
}
