package board

import (
	"log/slog"
	"sync"
	"time"
)

// SystemClock keeps a server-supplied offset over the host monotonic
// clock, so device time survives hosts with a wrong wall clock.
type SystemClock struct {
	mu       sync.Mutex
	offset   time.Duration
	tzOffset int // minutes east of UTC
	synced   bool
}

// NewSystemClock returns an unsynced clock; Now falls back to host time
// until a server sync arrives.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// SetServerTime applies an absolute server timestamp and timezone offset.
func (c *SystemClock) SetServerTime(epochMs int64, tzOffsetMin int) {
	serverTime := time.UnixMilli(epochMs)
	c.mu.Lock()
	c.offset = time.Until(serverTime)
	c.tzOffset = tzOffsetMin
	c.synced = true
	c.mu.Unlock()
	slog.Info("clock synced to server time",
		"server_time", serverTime.UTC().Format(time.RFC3339), "tz_offset_min", tzOffsetMin)
}

// Now returns the current device time in the device timezone.
func (c *SystemClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().Add(c.offset)
	if c.synced {
		return now.In(time.FixedZone("device", c.tzOffset*60))
	}
	return now
}

// Synced reports whether a server time sync has been applied.
func (c *SystemClock) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}
