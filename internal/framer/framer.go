// Package framer re-chunks an arbitrary-sized PCM byte stream into exact
// audio.FrameBytes frames.
package framer

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/resonix-audio/resonix-node/internal/audio"
)

// Framer accumulates bytes read from src and emits exactly
// audio.FrameBytes-sized frames via Next.
type Framer struct {
	src    io.Reader
	log    *logrus.Entry
	acc    []byte
	eof    bool
	srcErr error
}

// New wraps src, pulling frames out of it on demand.
func New(src io.Reader, log *logrus.Entry) *Framer {
	return &Framer{src: src, log: log, acc: make([]byte, 0, audio.FrameBytes)}
}

// Next returns the next full frame. It emits a frame the moment
// audio.FrameBytes bytes are available; no coalescing beyond that. On
// clean EOF with a partial accumulator (k in (0, FrameBytes) bytes,
// dropping any 1-3 trailing bytes that don't form a whole sample), it
// returns one final zero-padded frame and io.EOF together. A subsequent
// call returns io.EOF with a zero-value frame.
//
// A non-EOF read error (e.g. errkind.DecoderStalled) is surfaced as-is,
// without padding: an abnormal stream break is not a track ending, and
// any partial bytes already buffered are discarded along with it.
func (f *Framer) Next() (audio.Frame, error) {
	var frame audio.Frame

	for !f.eof && len(f.acc) < audio.FrameBytes {
		buf := make([]byte, 32*1024)
		n, err := f.src.Read(buf)
		if n > 0 {
			f.acc = append(f.acc, buf[:n]...)
		}
		if err != nil {
			f.eof = true
			if err != io.EOF {
				f.srcErr = err
			}
			break
		}
	}

	if f.srcErr != nil {
		err := f.srcErr
		f.srcErr = nil
		f.acc = nil
		return audio.Frame{}, err
	}

	if len(f.acc) >= audio.FrameBytes {
		copy(frame[:], f.acc[:audio.FrameBytes])
		f.acc = f.acc[audio.FrameBytes:]
		return frame, nil
	}

	if len(f.acc) == 0 {
		return frame, io.EOF
	}

	tail := f.acc
	if misaligned := len(tail) % 4; misaligned != 0 {
		if f.log != nil {
			f.log.WithField("dropped_bytes", misaligned).Warn("dropping misaligned trailing bytes at EOF")
		}
		tail = tail[:len(tail)-misaligned]
	}
	copy(frame[:], tail)
	f.acc = nil
	return frame, io.EOF
}
