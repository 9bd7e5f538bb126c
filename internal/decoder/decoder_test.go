package decoder

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/resonix-audio/resonix-node/internal/errkind"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestSpawnReadsStdout(t *testing.T) {
	s := NewSupervisor(nil)
	p, err := s.Spawn(context.Background(), "sh", []string{"-c", "printf hello"}, discardLogger())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	var out strings.Builder
	buf := make([]byte, 16)
	for {
		n, err := p.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			if err != io.EOF {
				t.Fatalf("Read() error = %v", err)
			}
			break
		}
	}
	if out.String() != "hello" {
		t.Errorf("stdout = %q, want %q", out.String(), "hello")
	}

	if err := p.Wait(); err != nil {
		t.Errorf("Wait() error = %v, want nil on clean exit", err)
	}
}

func TestSpawnFailureSurfacesDecoderSpawnFailed(t *testing.T) {
	s := NewSupervisor(nil)
	_, err := s.Spawn(context.Background(), "/nonexistent/binary/resonix-test", nil, discardLogger())
	if err == nil {
		t.Fatal("Spawn() error = nil, want DecoderSpawnFailed")
	}
	if got := errkind.As(err); got != errkind.DecoderSpawnFailed {
		t.Errorf("errkind.As(err) = %v, want %v", got, errkind.DecoderSpawnFailed)
	}
}

func TestKillTerminatesLongRunningProcess(t *testing.T) {
	s := NewSupervisor(nil)
	p, err := s.Spawn(context.Background(), "sh", []string{"-c", "sleep 30"}, discardLogger())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Kill()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Kill() did not return within 5s")
	}

	exited, _ := p.Exited()
	if !exited {
		t.Error("Exited() = false after Kill()")
	}
}

func TestStderrCaptureIsBounded(t *testing.T) {
	s := NewSupervisor(nil)
	// Write well over the capture limit to stderr.
	script := "i=0; while [ $i -lt 6000 ]; do printf x >&2; i=$((i+1)); done"
	p, err := s.Spawn(context.Background(), "sh", []string{"-c", script}, discardLogger())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	io.Copy(io.Discard, p.stdout)
	p.Wait()

	if len(p.StderrTail()) > StderrCaptureLimit {
		t.Errorf("StderrTail() len = %d, want <= %d", len(p.StderrTail()), StderrCaptureLimit)
	}
}

func TestStallReaderReturnsDecoderStalledOnTimeout(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	sr := newStallReader(r, 20*time.Millisecond)

	buf := make([]byte, 16)
	_, err := sr.Read(buf)
	if err == nil {
		t.Fatal("Read() error = nil, want DecoderStalled")
	}
	if got := errkind.As(err); got != errkind.DecoderStalled {
		t.Errorf("errkind.As(err) = %v, want %v", got, errkind.DecoderStalled)
	}
}

func TestStallReaderDeliversDataBeforeTimeout(t *testing.T) {
	r, w := io.Pipe()
	sr := newStallReader(r, time.Second)
	go func() {
		w.Write([]byte("abc"))
		w.Close()
	}()

	buf := make([]byte, 16)
	n, err := sr.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "abc" {
		t.Errorf("Read() = %q, want %q", buf[:n], "abc")
	}
}
