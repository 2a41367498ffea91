package realtime

import "time"

// Default reconnect delays.
const (
	DefaultBackoffMin = 500 * time.Millisecond
	DefaultBackoffMax = 30 * time.Second
)

// Backoff is the reconnect policy: the delay doubles from Min up to Max. MaxAttempts bounds the
// consecutive failed attempts before the channel gives up (0 retries forever, negative never
// reconnects).
type Backoff struct {
	Min         time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Allow reports whether reconnect attempt n (1-based) may run.
func (b Backoff) Allow(n int) bool {
	if b.MaxAttempts < 0 {
		return false
	}
	return b.MaxAttempts == 0 || n <= b.MaxAttempts
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = DefaultBackoffMin
	}
	if hi <= 0 {
		hi = DefaultBackoffMax
	}
	if hi < lo {
		hi = lo
	}
	d := lo
	for i := 1; i < n; i++ {
		d *= 2
		if d >= hi || d <= 0 {
			return hi
		}
	}
	return d
}
