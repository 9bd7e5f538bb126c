// Package clock paces frame emission to wall-clock time: a monotonic
// 20ms tick source with drift correction. It tracks an explicit origin
// and frame counter rather than a plain ticker so it can detect gross
// drift and resync instead of delivering a runaway catch-up burst after
// a stall.
package clock

import (
	"time"

	"github.com/resonix-audio/resonix-node/internal/audio"
)

// maxDriftFrames is the number of frames of lateness that triggers a
// resync of the clock origin instead of a bounded catch-up wait.
const maxDriftFrames = 5

// FrameClock paces frame emission to wall-clock time, one frame every
// audio.FrameDuration.
type FrameClock struct {
	start         time.Time
	framesEmitted uint64
	now           func() time.Time
	sleep         func(time.Duration)
}

// New creates a FrameClock whose origin is the current time.
func New() *FrameClock {
	c := &FrameClock{now: time.Now, sleep: time.Sleep}
	c.start = c.now()
	return c
}

// Reset resyncs the clock origin to now, discarding any accumulated
// lateness. Used on resume-from-pause so the subscriber does not receive a
// burst of frames that accrued while paused.
func (c *FrameClock) Reset() {
	c.start = c.now()
	c.framesEmitted = 0
}

// NextTick blocks until the next 20ms boundary elapses, relative to the
// clock's origin, then returns. On overrun (the caller is already past the
// boundary) it returns immediately; the frame counter still advances by
// one to preserve the long-term rate. On gross drift — maxDriftFrames or
// more behind — it resyncs the origin to now rather than sleeping through
// a multi-frame catch-up burst.
func (c *FrameClock) NextTick() {
	target := c.start.Add(time.Duration(c.framesEmitted+1) * audio.FrameDuration)
	now := c.now()

	if behind := now.Sub(target); behind >= maxDriftFrames*audio.FrameDuration {
		c.start = now
		c.framesEmitted = 1
		return
	}

	if now.Before(target) {
		c.sleep(target.Sub(now))
	}
	c.framesEmitted++
}

// FramesEmitted returns the number of ticks released since the last Reset
// or gross-drift resync (a resync counts its own tick as the first).
func (c *FrameClock) FramesEmitted() uint64 {
	return c.framesEmitted
}
