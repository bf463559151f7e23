// Package ratelimit paces frame generation and retries sends that hit
// ring backpressure.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// clock is swapped out in tests.
type clock struct {
	now   func() time.Time
	sleep func(time.Duration)
}

var realClock = clock{now: time.Now, sleep: time.Sleep}

// Throttle limits to pps packets per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerPacket int64
	packetsSent uint64
	startTime   time.Time
	checkEvery  uint64
	clock       clock
}

// New creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled.
func New(pps uint64) *Throttle {
	return newThrottle(pps, realClock)
}

func newThrottle(pps uint64, c clock) *Throttle {
	if pps == 0 {
		return nil
	}
	return &Throttle{
		nsPerPacket: int64(time.Second) / int64(pps),
		startTime:   c.now(),
		clock:       c,

		// Check time every ~10ms of packets to balance accuracy vs overhead
		// At least every 32 packets. At most every 1024 packets.
		checkEvery: min(max(pps/100, 32), 1024),
	}
}

// ThrottleN blocks until n packets are allowed.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Throttle) ThrottleN(n uint64) {
	if l == nil || n == 0 {
		return
	}

	prev := l.packetsSent
	l.packetsSent += n
	if prev/l.checkEvery == l.packetsSent/l.checkEvery {
		return // Fast path: only check time periodically.
	}

	expectedTime := l.startTime.Add(time.Duration(int64(l.packetsSent) * l.nsPerPacket))
	if now := l.clock.now(); now.Before(expectedTime) {
		l.clock.sleep(expectedTime.Sub(now))
	}
}

var ErrRetriesExhausted = errors.New("retry budget exhausted")

const (
	DefaultBackoffMin     = time.Microsecond
	DefaultBackoffMax     = time.Millisecond
	DefaultBackoffRetries = 64
)

// Backoff retries an operation while it fails with a temporary error,
// sleeping between attempts with exponentially growing delays from Min up
// to Max. Zero fields take the defaults.
type Backoff struct {
	Min     time.Duration
	Max     time.Duration
	Retries int

	clock clock
}

// Do calls op until it returns an error that is not temporary, or nil.
// A temporary error is one matching any of temporary via errors.Is.
// When Retries attempts after the first have failed temporarily Do returns
// the last error joined with ErrRetriesExhausted.
func (b Backoff) Do(ctx context.Context, op func() error, temporary ...error) error {
	lo, hi, retries := b.Min, b.Max, b.Retries
	if lo <= 0 {
		lo = DefaultBackoffMin
	}
	if hi < lo {
		hi = max(DefaultBackoffMax, lo)
	}
	if retries <= 0 {
		retries = DefaultBackoffRetries
	}
	c := b.clock
	if c.sleep == nil {
		c = realClock
	}

	delay := lo
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || !isAny(err, temporary) {
			return err
		}
		if attempt == retries {
			return errors.Join(ErrRetriesExhausted, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.sleep(delay)
		delay = min(delay*2, hi)
	}
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
