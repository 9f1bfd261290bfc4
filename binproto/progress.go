package binproto

import (
	"sync"
	"time"
)

// ProgressTracker throttles progress callbacks and computes transfer rates.
type ProgressTracker struct {
	mu sync.Mutex

	name       string
	sent       int64
	total      int64
	startTime  time.Time
	lastUpdate time.Time
	lastBytes  int64

	callback       func(string, int64, int64, float64)
	updateInterval time.Duration
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker(callback func(string, int64, int64, float64), interval time.Duration) *ProgressTracker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &ProgressTracker{
		callback:       callback,
		updateInterval: interval,
	}
}

// Start begins tracking a new transfer.
func (pt *ProgressTracker) Start(name string, total int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.name = name
	pt.total = total
	pt.sent = 0
	pt.startTime = time.Now()
	pt.lastUpdate = pt.startTime
	pt.lastBytes = 0
}

// Update records the byte count and invokes the callback if enough time has
// passed since the previous invocation.
func (pt *ProgressTracker) Update(sent int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.sent = sent

	now := time.Now()
	if now.Sub(pt.lastUpdate) < pt.updateInterval {
		return
	}

	elapsed := now.Sub(pt.lastUpdate).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(sent-pt.lastBytes) / elapsed
	}

	if pt.callback != nil {
		pt.callback(pt.name, sent, pt.total, rate)
	}

	pt.lastUpdate = now
	pt.lastBytes = sent
}

// Complete emits a final update and returns the transfer duration.
// No one likes transfers that finish at 99.8%.
func (pt *ProgressTracker) Complete() time.Duration {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	duration := time.Since(pt.startTime)
	if pt.callback != nil {
		pt.callback(pt.name, pt.total, pt.total, 0)
	}
	return duration
}

// Stats returns current progress statistics.
func (pt *ProgressTracker) Stats() (name string, sent, total int64, rate float64, duration time.Duration) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	name = pt.name
	sent = pt.sent
	total = pt.total
	duration = time.Since(pt.startTime)
	if duration.Seconds() > 0 {
		rate = float64(sent) / duration.Seconds()
	}
	return
}
