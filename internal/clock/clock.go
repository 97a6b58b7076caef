// Package clock converts client timestamps to backend server time.
package clock

import (
	"sync"
	"time"
)

// ServerClock tracks the offset between the local clock and the backend clock.
type ServerClock struct {
	mu       sync.RWMutex
	now      func() time.Time
	offsetMs int64
}

// New returns a ServerClock reading local time from now. A nil now uses time.Now.
func New(now func() time.Time) *ServerClock {
	if now == nil {
		now = time.Now
	}
	return &ServerClock{now: now}
}

// NowMs returns the local time in epoch milliseconds.
func (c *ServerClock) NowMs() int64 {
	return c.now().UnixMilli()
}

// Offset returns the difference between client and server time in milliseconds.
func (c *ServerClock) Offset() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offsetMs
}

// SetOffset restores a previously measured offset.
func (c *ServerClock) SetOffset(offsetMs int64) {
	c.mu.Lock()
	c.offsetMs = offsetMs
	c.mu.Unlock()
}

// SetServerTime measures the offset against a server time given in epoch seconds and
// returns the new offset.
func (c *ServerClock) SetServerTime(serverSeconds int64) int64 {
	offset := c.NowMs() - serverSeconds*1000
	c.SetOffset(offset)
	return offset
}

// ServerTime converts a client time in epoch milliseconds to server epoch seconds.
// A zero client time stays zero.
func (c *ServerClock) ServerTime(clientMs int64) int64 {
	if clientMs == 0 {
		return 0
	}
	return floorDiv(clientMs-c.Offset(), 1000)
}

// ServerNow returns the current server time in epoch seconds.
func (c *ServerClock) ServerNow() int64 {
	return c.ServerTime(c.NowMs())
}

func floorDiv(value, divisor int64) int64 {
	quotient := value / divisor
	if value%divisor != 0 && (value < 0) != (divisor < 0) {
		quotient--
	}
	return quotient
}
