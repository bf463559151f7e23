package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when something sleeps.
type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func (f *fakeClock) clock() clock {
	return clock{
		now: func() time.Time { return f.t },
		sleep: func(d time.Duration) {
			f.sleeps = append(f.sleeps, d)
			f.t = f.t.Add(d)
		},
	}
}

func TestThrottleDisabled(t *testing.T) {
	l := New(0)
	assert.Nil(t, l)
	l.ThrottleN(1000) // nil receiver is a no-op
}

func TestThrottlePaces(t *testing.T) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	l := newThrottle(1000, fc.clock())
	assert.EqualValues(t, 32, l.checkEvery)

	for range 1000 {
		l.ThrottleN(1)
	}
	// 1000 packets at 1000 pps take a second; the clock only moved by
	// sleeping, so the total sleep is about one second.
	var total time.Duration
	for _, d := range fc.sleeps {
		total += d
	}
	assert.InDelta(t, float64(time.Second), float64(total), float64(32*time.Millisecond))
}

func TestThrottleBatchCrossesCheckpoint(t *testing.T) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	l := newThrottle(1000, fc.clock())

	l.ThrottleN(50)
	require.Len(t, fc.sleeps, 1)
	assert.Equal(t, 50*time.Millisecond, fc.sleeps[0])
}

func TestThrottleNoCatchUpSleep(t *testing.T) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	l := newThrottle(1000, fc.clock())

	fc.t = fc.t.Add(time.Hour) // far behind schedule
	l.ThrottleN(64)
	assert.Empty(t, fc.sleeps)
}

var errBusy = errors.New("busy")

func TestBackoffRetriesTemporary(t *testing.T) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	b := Backoff{Min: time.Microsecond, Max: 8 * time.Microsecond, Retries: 10, clock: fc.clock()}

	calls := 0
	err := b.Do(context.Background(), func() error {
		calls++
		if calls < 6 {
			return errBusy
		}
		return nil
	}, errBusy)
	require.NoError(t, err)
	assert.Equal(t, 6, calls)
	assert.Equal(t, []time.Duration{
		time.Microsecond, 2 * time.Microsecond, 4 * time.Microsecond,
		8 * time.Microsecond, 8 * time.Microsecond,
	}, fc.sleeps)
}

func TestBackoffExhausted(t *testing.T) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	b := Backoff{Retries: 3, clock: fc.clock()}

	calls := 0
	err := b.Do(context.Background(), func() error { calls++; return errBusy }, errBusy)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 4, calls)
	assert.Len(t, fc.sleeps, 3)
}

func TestBackoffPermanentError(t *testing.T) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	b := Backoff{clock: fc.clock()}

	permanent := errors.New("invalid frame")
	calls := 0
	err := b.Do(context.Background(), func() error { calls++; return permanent }, errBusy)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
	assert.Empty(t, fc.sleeps)
}

func TestBackoffContextCanceled(t *testing.T) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	b := Backoff{clock: fc.clock()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Do(ctx, func() error { return errBusy }, errBusy)
	assert.ErrorIs(t, err, context.Canceled)
}
