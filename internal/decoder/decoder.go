// Package decoder spawns and supervises the external media decoder: a
// child process that writes raw interleaved PCM to its standard output.
package decoder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/resonix-audio/resonix-node/internal/errkind"
)

const (
	// StderrCaptureLimit bounds how much stderr output is retained for
	// diagnostics on decoder failure.
	StderrCaptureLimit = 4 * 1024

	// StallTimeout is how long the stream can go without producing bytes
	// while the player is in the Playing state before it is considered
	// stalled.
	StallTimeout = 10 * time.Second

	// KillGrace is how long Kill waits after SIGTERM before escalating to
	// SIGKILL.
	KillGrace = 2 * time.Second
)

// Supervisor spawns decoder processes, rate-limited so a burst of player
// creates cannot fork-bomb the host.
type Supervisor struct {
	limiter *rate.Limiter
}

// NewSupervisor creates a Supervisor whose Spawn calls are bounded by
// limiter. Pass nil for no limiting.
func NewSupervisor(limiter *rate.Limiter) *Supervisor {
	return &Supervisor{limiter: limiter}
}

// Process is a running decoder child process and its stdout stream.
type Process struct {
	SpawnID uuid.UUID

	cmd    *exec.Cmd
	stdout *stallReader
	stderr *boundedBuffer

	mu       sync.Mutex
	exited   bool
	exitErr  error
	exitedCh chan struct{}
}

// Spawn starts binary with args, wiring its stdout to a stall-aware
// reader and capturing a bounded tail of its stderr. It blocks on the
// limiter (if any) and on ctx before starting the child.
func (s *Supervisor) Spawn(ctx context.Context, binary string, args []string, log *logrus.Entry) (*Process, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, errkind.New(errkind.DecoderSpawnFailed, err)
		}
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errkind.New(errkind.DecoderSpawnFailed, err)
	}
	stderrCap := newBoundedBuffer(StderrCaptureLimit)
	cmd.Stderr = stderrCap
	// A grandchild that outlives the decoder can hold the stderr pipe
	// open; bound how long Wait (and so Kill) waits for it to close.
	cmd.WaitDelay = KillGrace

	p := &Process{
		SpawnID:  uuid.New(),
		cmd:      cmd,
		stderr:   stderrCap,
		exitedCh: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, errkind.New(errkind.DecoderSpawnFailed, fmt.Errorf("%s: %w", binary, err))
	}
	p.stdout = newStallReader(stdout, StallTimeout)

	log.WithFields(logrus.Fields{
		"spawn_id": p.SpawnID,
		"pid":      cmd.Process.Pid,
		"binary":   binary,
	}).Info("decoder spawned")

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.exitErr = err
		p.mu.Unlock()
		close(p.exitedCh)
	}()

	return p, nil
}

// Read reads decoded PCM bytes. It returns a *errkind.Error with Kind
// DecoderStalled if no bytes arrive within StallTimeout.
func (p *Process) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

// Exited reports whether the child process has exited, and its exit
// error (nil on a clean zero-status exit).
func (p *Process) Exited() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.exitErr
}

// Wait blocks until the child process exits.
func (p *Process) Wait() error {
	<-p.exitedCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// StderrTail returns the captured tail of the child's stderr output,
// bounded to StderrCaptureLimit.
func (p *Process) StderrTail() string {
	return p.stderr.String()
}

// Kill sends SIGTERM, waits up to KillGrace for the process to exit, then
// escalates to SIGKILL.
func (p *Process) Kill() {
	p.mu.Lock()
	already := p.exited
	p.mu.Unlock()
	if already {
		return
	}
	if p.cmd.Process == nil {
		return
	}

	p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-p.exitedCh:
		return
	case <-time.After(KillGrace):
	}

	p.cmd.Process.Kill()
	<-p.exitedCh
}

// boundedBuffer is an io.Writer that retains only the last limit bytes
// written to it, used to cap stderr capture per decoder spawn.
type boundedBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// stallReader wraps an io.Reader with a read deadline: if no chunk
// arrives within timeout, Read returns a DecoderStalled error instead of
// blocking indefinitely. The underlying reader is pumped by a single
// background goroutine since io.Reader offers no native cancellation.
type stallReader struct {
	ch      chan chunk
	timeout time.Duration
	pending []byte
}

type chunk struct {
	data []byte
	err  error
}

func newStallReader(r io.Reader, timeout time.Duration) *stallReader {
	sr := &stallReader{ch: make(chan chunk, 4), timeout: timeout}
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				sr.ch <- chunk{data: data}
			}
			if err != nil {
				sr.ch <- chunk{err: err}
				return
			}
		}
	}()
	return sr
}

func (sr *stallReader) Read(p []byte) (int, error) {
	if len(sr.pending) > 0 {
		n := copy(p, sr.pending)
		sr.pending = sr.pending[n:]
		return n, nil
	}
	select {
	case c := <-sr.ch:
		if c.err != nil {
			return 0, c.err
		}
		n := copy(p, c.data)
		if n < len(c.data) {
			sr.pending = c.data[n:]
		}
		return n, nil
	case <-time.After(sr.timeout):
		return 0, errkind.New(errkind.DecoderStalled, fmt.Errorf("no data for %s", sr.timeout))
	}
}
