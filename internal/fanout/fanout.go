// Package fanout implements the per-player Subscriber Fanout: exactly
// one subscriber at a time, a priming frame on attach, and a bounded
// queue that drops the oldest frame on overflow rather than blocking the
// streaming loop.
package fanout

import (
	"context"
	"sync"

	"github.com/resonix-audio/resonix-node/internal/audio"
)

// QueueDepth is the bounded outbound queue depth: 10 frames, 200 ms.
const QueueDepth = 10

// CloseReason explains why a subscriber's queue was closed.
type CloseReason string

const (
	ReasonNormal   CloseReason = "normal"
	ReasonReplaced CloseReason = "replaced"
	ReasonError    CloseReason = "error"
	ReasonDeleted  CloseReason = "deleted"
)

// Fanout holds at most one live Subscriber for a player.
type Fanout struct {
	mu      sync.Mutex
	current *Subscriber
}

// New creates an empty Fanout.
func New() *Fanout {
	return &Fanout{}
}

// Subscribe attaches a new subscriber, closing any existing one with
// ReasonReplaced. The new subscriber's queue starts with one priming
// (silent) frame already enqueued.
func (f *Fanout) Subscribe() *Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current != nil {
		f.current.closeWith(ReasonReplaced)
	}
	sub := newSubscriber()
	sub.push(audio.Silence())
	f.current = sub
	return sub
}

// Unsubscribe detaches sub if it is still the current subscriber. Safe to
// call after the subscriber has already been replaced or closed.
func (f *Fanout) Unsubscribe(sub *Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == sub {
		f.current = nil
	}
}

// Publish hands frame to the current subscriber, if any. With no
// subscriber attached the frame is silently discarded — the streaming
// loop keeps running regardless.
func (f *Fanout) Publish(frame audio.Frame) {
	f.mu.Lock()
	sub := f.current
	f.mu.Unlock()
	if sub != nil {
		sub.push(frame)
	}
}

// Close closes the current subscriber (if any) with the given reason and
// detaches it.
func (f *Fanout) Close(reason CloseReason) {
	f.mu.Lock()
	sub := f.current
	f.current = nil
	f.mu.Unlock()
	if sub != nil {
		sub.closeWith(reason)
	}
}

// Subscriber is a single subscriber's outbound frame queue.
type Subscriber struct {
	mu      sync.Mutex
	buf     []audio.Frame
	dropped uint64
	notify  chan struct{}
	closed  bool
	reason  CloseReason
}

func newSubscriber() *Subscriber {
	return &Subscriber{
		buf:    make([]audio.Frame, 0, QueueDepth),
		notify: make(chan struct{}, 1),
	}
}

func (s *Subscriber) push(f audio.Frame) {
	s.mu.Lock()
	if len(s.buf) >= QueueDepth {
		s.buf = s.buf[1:]
		s.dropped++
	}
	s.buf = append(s.buf, f)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscriber) closeWith(reason CloseReason) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.reason = reason
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a frame is available, the subscriber is closed, or
// ctx is cancelled. ok is false once the queue is drained and closed (or
// ctx was cancelled); in the closed case reason explains why.
func (s *Subscriber) Next(ctx context.Context) (frame audio.Frame, reason CloseReason, ok bool) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			frame = s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return frame, "", true
		}
		if s.closed {
			reason = s.reason
			s.mu.Unlock()
			return audio.Frame{}, reason, false
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return audio.Frame{}, "", false
		}
	}
}

// Dropped returns the number of frames dropped due to queue overflow.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
