package player

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/resonix-audio/resonix-node/internal/audio"
	"github.com/resonix-audio/resonix-node/internal/decoder"
	"github.com/resonix-audio/resonix-node/internal/dsp"
	"github.com/resonix-audio/resonix-node/internal/fanout"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// shConfig builds a Config whose ArgsBuilder ignores its input and always
// runs script under sh, so tests don't depend on ffmpeg being installed.
func shConfig(script string) Config {
	return Config{
		FFMPEGPath:  "sh",
		ArgsBuilder: func(string) []string { return []string{"-c", script} },
	}
}

func drainPriming(t *testing.T, sub *fanout.Subscriber, ctx context.Context) {
	t.Helper()
	frame, _, ok := sub.Next(ctx)
	if !ok {
		t.Fatal("Next() ok=false reading priming frame")
	}
	var zero audio.Frame
	if frame != zero {
		t.Error("first frame was not the all-zero priming frame")
	}
}

func TestPlayerReachesEndedAfterDecoderEOF(t *testing.T) {
	// Exactly 5 frames (19200 bytes) of non-zero content, then EOF.
	cfg := shConfig("yes | head -c 19200")
	p := New("p1", "file:///tmp/fixture", cfg, decoder.NewSupervisor(nil), nil, discardLogger())
	sub := p.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go p.Run(ctx)

	drainPriming(t, sub, ctx)

	var frames int
	var reason fanout.CloseReason
	for {
		_, r, ok := sub.Next(ctx)
		if !ok {
			reason = r
			break
		}
		frames++
		if frames > 20 {
			t.Fatal("received more frames than expected, framer/EOF handling likely broken")
		}
	}

	if frames != 5 {
		t.Errorf("received %d content frames, want 5", frames)
	}
	if reason != fanout.ReasonNormal {
		t.Errorf("close reason = %q, want %q", reason, fanout.ReasonNormal)
	}

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() did not close after EOF")
	}
	if got := p.Status().State; got != Ended {
		t.Errorf("final state = %q, want %q", got, Ended)
	}
}

func TestPlayerDeleteClosesSubscriberAndReachesEnded(t *testing.T) {
	cfg := shConfig("sleep 10") // long-running, produces no stdout
	p := New("p2", "file:///tmp/fixture", cfg, decoder.NewSupervisor(nil), nil, discardLogger())
	sub := p.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go p.Run(ctx)

	drainPriming(t, sub, ctx)

	p.Shutdown(ctx, fanout.ReasonDeleted, DeleteBudget)

	_, reason, ok := sub.Next(ctx)
	if ok {
		t.Fatal("Next() ok=true after Shutdown, want closed")
	}
	if reason != fanout.ReasonDeleted {
		t.Errorf("close reason = %q, want %q", reason, fanout.ReasonDeleted)
	}

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() did not close after Shutdown")
	}
	if got := p.Status().State; got != Ended {
		t.Errorf("final state = %q, want %q", got, Ended)
	}
}

func TestPlayerPauseSuppressesFramesUntilResumed(t *testing.T) {
	// Emits one small chunk every 50ms, well inside the test's window.
	cfg := shConfig("i=0; while [ $i -lt 20 ]; do head -c 192 /dev/zero | tr '\\0' '\\101'; i=$((i+1)); sleep 0.05; done")
	p := New("p3", "file:///tmp/fixture", cfg, decoder.NewSupervisor(nil), nil, discardLogger())
	sub := p.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	go p.Run(ctx)

	drainPriming(t, sub, ctx)

	// Pause immediately so the eventual content frame must wait for Play.
	p.Pause()
	time.Sleep(100 * time.Millisecond)
	if got := p.Status().State; got != Paused {
		t.Fatalf("state = %q, want %q", got, Paused)
	}

	noFrameCtx, noFrameCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	_, _, ok := sub.Next(noFrameCtx)
	noFrameCancel()
	if ok {
		t.Error("received a frame while Paused, want none")
	}

	p.Play()

	resumeCtx, resumeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer resumeCancel()
	frame, _, ok := sub.Next(resumeCtx)
	if !ok {
		t.Fatal("no frame delivered after resume")
	}
	var zero audio.Frame
	if frame == zero {
		t.Error("resumed frame was all-zero, want decoded content")
	}
}

func TestPlayerUpdateFiltersTakesEffect(t *testing.T) {
	cfg := shConfig("sleep 10")
	p := New("p4", "file:///tmp/fixture", cfg, decoder.NewSupervisor(nil), nil, discardLogger())

	p.UpdateFilters(dsp.DefaultSnapshot().WithVolume(0))
	if got := p.Filters().Volume; got != 0 {
		t.Errorf("Filters().Volume = %v, want 0 after UpdateFilters", got)
	}
}

func TestPlayerSetMetadataMergeAndReplace(t *testing.T) {
	cfg := shConfig("sleep 10")
	p := New("p5", "file:///tmp/fixture", cfg, decoder.NewSupervisor(nil), nil, discardLogger())

	p.SetMetadata(map[string]any{"a": 1}, false)
	p.SetMetadata(map[string]any{"b": 2}, true)

	got := p.Status().Metadata.(map[string]any)
	if got["a"] != 1 || got["b"] != 2 {
		t.Errorf("Metadata = %v, want merge of a=1 and b=2", got)
	}

	p.SetMetadata("replaced", false)
	if p.Status().Metadata != "replaced" {
		t.Errorf("Metadata = %v, want 'replaced'", p.Status().Metadata)
	}
}

func newTestPlayer(id, uri string) *Player {
	return New(id, uri, shConfig("sleep 10"), decoder.NewSupervisor(nil), nil, discardLogger())
}

func TestAdvanceQueueLoopTrackIgnoresSkipWhenQueueNonEmpty(t *testing.T) {
	p := newTestPlayer("p6", "a")
	p.loopMode = LoopTrack
	p.queue = []QueueItem{{URI: "b"}}

	if !p.advanceQueue(true) {
		t.Fatal("advanceQueue(skipped=true) = false, want true (LoopTrack replays)")
	}
	if p.currentURI != "a" {
		t.Errorf("currentURI = %q, want %q (skip has no effect under LoopTrack)", p.currentURI, "a")
	}
	if len(p.queue) != 1 || p.queue[0].URI != "b" {
		t.Errorf("queue = %v, want untouched [b]", p.queue)
	}
}

func TestAdvanceQueueLoopTrackEndsOnSkipWithEmptyQueue(t *testing.T) {
	p := newTestPlayer("p7", "a")
	p.loopMode = LoopTrack

	if p.advanceQueue(true) {
		t.Fatal("advanceQueue(skipped=true) = true, want false (LoopTrack + skip + empty queue ends)")
	}
}

func TestAdvanceQueueLoopTrackReplaysOnNaturalEOFRegardlessOfQueue(t *testing.T) {
	p := newTestPlayer("p8", "a")
	p.loopMode = LoopTrack

	if !p.advanceQueue(false) {
		t.Fatal("advanceQueue(skipped=false) = false, want true (LoopTrack replays on EOF)")
	}
	if p.currentURI != "a" {
		t.Errorf("currentURI = %q, want %q", p.currentURI, "a")
	}
}

func TestAdvanceQueueLoopQueueRotatesWithoutReaddingCurrentTrack(t *testing.T) {
	p := newTestPlayer("p9", "a")
	p.loopMode = LoopQueue
	p.queue = []QueueItem{{URI: "b"}, {URI: "c"}}

	if !p.advanceQueue(false) {
		t.Fatal("advanceQueue() = false, want true")
	}
	if p.currentURI != "b" {
		t.Errorf("currentURI = %q, want %q", p.currentURI, "b")
	}
	want := []QueueItem{{URI: "c"}, {URI: "b"}}
	if len(p.queue) != len(want) || p.queue[0].URI != want[0].URI || p.queue[1].URI != want[1].URI {
		t.Errorf("queue = %v, want %v ('a' dropped, 'b' rotated to the back)", p.queue, want)
	}
}

func TestAdvanceQueueLoopNoneEndsWhenQueueEmpty(t *testing.T) {
	p := newTestPlayer("p10", "a")

	if p.advanceQueue(false) {
		t.Fatal("advanceQueue() = true, want false (LoopNone + empty queue ends)")
	}
}

func TestNeedsResolveOnlyForResolverHosts(t *testing.T) {
	cases := []struct {
		uri  string
		want bool
	}{
		{"https://www.youtube.com/watch?v=1", true},
		{"https://youtu.be/abc", true},
		{"https://open.spotify.com/track/1", true},
		{"file:///tmp/a.wav", false},
		{"https://cdn.example.com/a.mp3", false},
	}
	for _, c := range cases {
		if got := needsResolve(c.uri); got != c.want {
			t.Errorf("needsResolve(%q) = %v, want %v", c.uri, got, c.want)
		}
	}
}
