package clock

import (
	"testing"
	"time"

	"github.com/resonix-audio/resonix-node/internal/audio"
)

func TestNextTickAdvancesFramesEmitted(t *testing.T) {
	c := New()
	c.now = func() time.Time { return c.start }
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	c.NextTick()

	if c.FramesEmitted() != 1 {
		t.Errorf("FramesEmitted = %d, want 1", c.FramesEmitted())
	}
	if len(slept) != 1 || slept[0] != audio.FrameDuration {
		t.Errorf("slept = %v, want one sleep of %v", slept, audio.FrameDuration)
	}
}

func TestNextTickOverrunReturnsImmediately(t *testing.T) {
	c := New()
	base := c.start
	// We're already two frames late.
	c.now = func() time.Time { return base.Add(2 * audio.FrameDuration) }
	slept := 0
	c.sleep = func(time.Duration) { slept++ }

	c.NextTick()

	if slept != 0 {
		t.Errorf("sleep called %d times, want 0 on overrun", slept)
	}
	if c.FramesEmitted() != 1 {
		t.Errorf("FramesEmitted = %d, want 1", c.FramesEmitted())
	}
}

func TestNextTickGrossDriftResyncs(t *testing.T) {
	c := New()
	base := c.start
	farFuture := base.Add(50 * audio.FrameDuration)
	c.now = func() time.Time { return farFuture }
	c.sleep = func(time.Duration) { t.Error("sleep should not be called on gross drift") }

	c.NextTick()

	if c.start != farFuture {
		t.Errorf("start = %v, want resync to %v", c.start, farFuture)
	}
	if c.FramesEmitted() != 1 {
		t.Errorf("FramesEmitted = %d, want 1 after resync", c.FramesEmitted())
	}
}

func TestResetDiscardsAccumulatedLateness(t *testing.T) {
	c := New()
	c.framesEmitted = 42
	c.Reset()
	if c.FramesEmitted() != 0 {
		t.Errorf("FramesEmitted = %d, want 0 after Reset", c.FramesEmitted())
	}
}
