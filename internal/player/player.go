// Package player implements the per-id player runtime: the state
// machine that resolves a source URI, supervises a decoder, runs the DSP
// chain, paces frame emission, and fans frames out to a subscriber.
package player

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/resonix-audio/resonix-node/internal/audio"
	"github.com/resonix-audio/resonix-node/internal/clock"
	"github.com/resonix-audio/resonix-node/internal/decoder"
	"github.com/resonix-audio/resonix-node/internal/dsp"
	"github.com/resonix-audio/resonix-node/internal/errkind"
	"github.com/resonix-audio/resonix-node/internal/fanout"
	"github.com/resonix-audio/resonix-node/internal/framer"
)

// State is a playback lifecycle state.
type State string

const (
	Initializing State = "Initializing"
	Playing      State = "Playing"
	Paused       State = "Paused"
	Ended        State = "Ended"
	Failed       State = "Failed"
)

// LoopMode controls queue advancement on track completion.
type LoopMode string

const (
	LoopNone  LoopMode = "None"
	LoopTrack LoopMode = "Track"
	LoopQueue LoopMode = "Queue"
)

const (
	// PauseBufferFrames is the hard cap on the intra-player channel
	// between the decode-framer task and the stream task: ~5s of PCM.
	PauseBufferFrames = 250

	// PauseTimeout is how long a Player may remain Paused before it is
	// failed with errkind.PauseTimeout.
	PauseTimeout = 60 * time.Second

	// DeleteBudget is the per-player shutdown budget the registry grants
	// before falling back to background cleanup.
	DeleteBudget = 3 * time.Second
)

// Resolver translates a source URI into decoder input. tempPath is
// non-empty when the resolver produced a filesystem artifact the Player
// must clean up on teardown.
type Resolver interface {
	Resolve(ctx context.Context, uri string) (resolvedInput string, tempPath string, err error)
}

// Config carries the settings a Player needs that come from the
// process-wide configuration rather than from the create request.
type Config struct {
	FFMPEGPath      string
	ResolverEnabled bool
	ResolverTimeout time.Duration

	// ArgsBuilder builds the decoder binary's argument list for a
	// resolved input. Defaults to the ffmpeg raw-PCM invocation; tests
	// substitute a different command to avoid depending on ffmpeg being
	// installed.
	ArgsBuilder func(resolvedInput string) []string
}

// QueueItem is one pending track in a Player's queue.
type QueueItem struct {
	URI      string
	Metadata any
}

// TrackInfo is a snapshot of the currently playing track, for listing.
type TrackInfo struct {
	URI           string
	PositionMs    int64
	Streaming     bool
	Seekable      bool
}

// Status is a point-in-time snapshot of a Player's externally visible
// state, safe to copy and read without holding any lock.
type Status struct {
	ID        string
	State     State
	LastError string
	LoopMode  LoopMode
	Queue     []QueueItem
	Metadata  any
	Track     TrackInfo
	CreatedAt time.Time
}

type cmdKind int

const (
	cmdPlay cmdKind = iota
	cmdPause
	cmdSkip
	cmdSetLoop
	cmdEnqueue
	cmdStop
)

type command struct {
	kind     cmdKind
	loopMode LoopMode
	item     QueueItem
	reason   fanout.CloseReason
	ack      chan struct{}
}

// Player is the per-id runtime.
type Player struct {
	ID  string
	log *logrus.Entry

	cfg      Config
	sup      *decoder.Supervisor
	resolver Resolver

	dsp *dsp.State
	fan *fanout.Fanout

	cmdCh  chan command
	doneCh chan struct{}

	mu        sync.Mutex
	state     State
	lastErr   error
	loopMode  LoopMode
	queue     []QueueItem
	metadata  any
	currentURI string
	positionMs int64
	createdAt time.Time
	tempPaths map[string]struct{}
}

// New constructs a Player in the Initializing state. Call Run to start
// its lifecycle; Run must be invoked exactly once, typically via
// `go p.Run(ctx)`.
func New(id, uri string, cfg Config, sup *decoder.Supervisor, resolver Resolver, log *logrus.Entry) *Player {
	if cfg.ArgsBuilder == nil {
		cfg.ArgsBuilder = ffmpegArgs
	}
	return &Player{
		ID:         id,
		log:        log.WithField("player_id", id),
		cfg:        cfg,
		sup:        sup,
		resolver:   resolver,
		dsp:        dsp.NewState(),
		fan:        fanout.New(),
		cmdCh:      make(chan command, 8),
		doneCh:     make(chan struct{}),
		state:      Initializing,
		loopMode:   LoopNone,
		currentURI: uri,
		createdAt:  time.Now(),
		tempPaths:  make(map[string]struct{}),
	}
}

// Subscribe attaches a new subscriber to this player's frame fanout.
func (p *Player) Subscribe() *fanout.Subscriber {
	return p.fan.Subscribe()
}

// Unsubscribe detaches sub if it is still current.
func (p *Player) Unsubscribe(sub *fanout.Subscriber) {
	p.fan.Unsubscribe(sub)
}

// UpdateFilters atomically swaps in a new filter snapshot. Safe to call
// concurrently with the streaming loop.
func (p *Player) UpdateFilters(snap *dsp.Snapshot) {
	p.dsp.Publish(snap)
}

// Filters returns the currently published filter snapshot.
func (p *Player) Filters() *dsp.Snapshot {
	return p.dsp.Current()
}

// Play requests a transition from Paused to Playing. A no-op if not
// Paused.
func (p *Player) Play() {
	p.send(command{kind: cmdPlay})
}

// Pause requests a transition from Playing to Paused. A no-op if not
// Playing.
func (p *Player) Pause() {
	p.send(command{kind: cmdPause})
}

// Skip ends the current track early and advances the queue.
func (p *Player) Skip() {
	p.send(command{kind: cmdSkip})
}

// SetLoopMode changes the loop mode.
func (p *Player) SetLoopMode(mode LoopMode) {
	p.send(command{kind: cmdSetLoop, loopMode: mode})
}

// Enqueue appends a track to the queue.
func (p *Player) Enqueue(item QueueItem) {
	p.send(command{kind: cmdEnqueue, item: item})
}

// SetMetadata replaces or merges the opaque metadata blob.
func (p *Player) SetMetadata(value any, merge bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !merge || p.metadata == nil {
		p.metadata = value
		return
	}
	existing, ok1 := p.metadata.(map[string]any)
	incoming, ok2 := value.(map[string]any)
	if ok1 && ok2 {
		// Merge into a fresh map: earlier Status snapshots may still hold
		// the old one.
		merged := make(map[string]any, len(existing)+len(incoming))
		for k, v := range existing {
			merged[k] = v
		}
		for k, v := range incoming {
			merged[k] = v
		}
		p.metadata = merged
		return
	}
	p.metadata = value
}

// Shutdown asks the Player to stop with reason and waits until it is
// terminal, budget elapses, or ctx is done, whichever comes first. If it
// returns on budget or ctx, the Player keeps shutting down in the
// background (the caller can wait on Done).
func (p *Player) Shutdown(ctx context.Context, reason fanout.CloseReason, budget time.Duration) {
	ack := make(chan struct{})
	p.send(command{kind: cmdStop, reason: reason, ack: ack})

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-ack:
	case <-p.doneCh:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Done returns a channel closed once the Player's Run loop has fully
// exited (reached Ended or Failed and released its resources).
func (p *Player) Done() <-chan struct{} {
	return p.doneCh
}

// Status returns a snapshot of the Player's externally visible state.
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		ID:        p.ID,
		State:     p.state,
		LoopMode:  p.loopMode,
		Queue:     append([]QueueItem(nil), p.queue...),
		Metadata:  p.metadata,
		CreatedAt: p.createdAt,
		Track: TrackInfo{
			URI:        p.currentURI,
			PositionMs: p.positionMs,
			Streaming:  true,
			Seekable:   false,
		},
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	return s
}

func (p *Player) send(c command) {
	select {
	case p.cmdCh <- c:
	default:
		// Command channel full: the Player is already overwhelmed with
		// control traffic or no longer running; drop rather than block the
		// caller. This applies to cmdStop as well.
	}
}

func (p *Player) setState(s State, err error) {
	p.mu.Lock()
	p.state = s
	p.lastErr = err
	p.mu.Unlock()
}

// Run executes the Player's full lifecycle: resolve, spawn, stream,
// until a terminal state is reached. It must be run on its own
// goroutine.
func (p *Player) Run(ctx context.Context) {
	defer close(p.doneCh)
	defer p.cleanupTempArtifacts()

	resolvedInput, err := p.resolve(ctx, p.currentURI)
	if err != nil {
		p.fail(err)
		return
	}

	proc, err := p.sup.Spawn(ctx, p.cfg.FFMPEGPath, p.cfg.ArgsBuilder(resolvedInput), p.log)
	if err != nil {
		p.fail(errkind.New(errkind.DecoderSpawnFailed, err))
		return
	}

	p.setState(Playing, nil)
	p.log.Info("player entered Playing")

	for {
		nextProc, continuePlaying := p.streamOneTrack(ctx, proc)
		if !continuePlaying {
			return
		}
		proc = nextProc
	}
}

func (p *Player) resolve(ctx context.Context, uri string) (string, error) {
	if !needsResolve(uri) {
		return uri, nil
	}
	if !p.cfg.ResolverEnabled || p.resolver == nil {
		return "", errkind.New(errkind.ResolverDisabled, fmt.Errorf("resolution required for %q but the resolver is disabled", uri))
	}

	timeout := p.cfg.ResolverTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resolved, tempPath, err := p.resolver.Resolve(rctx, uri)
	if err != nil {
		if rctx.Err() != nil {
			return "", errkind.New(errkind.ResolverTimeout, err)
		}
		return "", errkind.New(errkind.ResolverUnavailable, err)
	}
	if tempPath != "" {
		p.mu.Lock()
		p.tempPaths[tempPath] = struct{}{}
		p.mu.Unlock()
	}
	return resolved, nil
}

func (p *Player) fail(err error) {
	p.setState(Failed, err)
	p.fan.Close(fanout.ReasonError)
	p.log.WithError(err).Warn("player failed")
}

type pauseOutcome int

const (
	pauseResumed pauseOutcome = iota
	pauseSkip
	pauseTerminal
)

// streamOneTrack runs the decode-framer task (T1) and the stream task
// (T2, this goroutine) for a single track, until it ends, is skipped, or
// the Player reaches a terminal state. On EOF or Skip with a further
// track available it returns that track's freshly spawned decoder
// process and true so the caller can invoke it again; otherwise it
// returns nil, false.
func (p *Player) streamOneTrack(ctx context.Context, proc *decoder.Process) (*decoder.Process, bool) {
	frameCh := make(chan audio.Frame, PauseBufferFrames)
	framerErrCh := make(chan error, 1)

	decodeCtx, cancelDecode := context.WithCancel(ctx)
	defer cancelDecode()

	go p.decodeFramerLoop(decodeCtx, proc, frameCh, framerErrCh)

	clk := clock.New()
	framesSincePosUpdate := 0

	for {
		select {
		case c := <-p.cmdCh:
			switch c.kind {
			case cmdPlay:
				// Nothing to resume from here; only meaningful while Paused.
			case cmdPause:
				switch p.doPause(ctx, proc, cancelDecode) {
				case pauseResumed:
					clk.Reset()
				case pauseSkip:
					cancelDecode()
					proc.Kill()
					return p.startNextTrack(ctx, true)
				case pauseTerminal:
					return nil, false
				}
			case cmdSkip:
				cancelDecode()
				proc.Kill()
				return p.startNextTrack(ctx, true)
			case cmdSetLoop:
				p.mu.Lock()
				p.loopMode = c.loopMode
				p.mu.Unlock()
			case cmdEnqueue:
				p.mu.Lock()
				p.queue = append(p.queue, c.item)
				p.mu.Unlock()
			case cmdStop:
				cancelDecode()
				proc.Kill()
				p.setState(Ended, nil)
				p.fan.Close(c.reason)
				p.log.WithField("reason", c.reason).Info("player stopped")
				if c.ack != nil {
					close(c.ack)
				}
				return nil, false
			}
		case <-ctx.Done():
			cancelDecode()
			proc.Kill()
			p.setState(Failed, ctx.Err())
			p.fan.Close(fanout.ReasonError)
			return nil, false
		case frame, ok := <-frameCh:
			if !ok {
				cancelDecode()
				exited, exitErr := proc.Exited()
				if !exited {
					proc.Kill()
				}
				var framerErr error
				select {
				case framerErr = <-framerErrCh:
				default:
				}
				if framerErr != nil {
					p.fail(errkind.New(errkind.DecoderEarlyExit, fmt.Errorf("%w (stderr: %s)", framerErr, proc.StderrTail())))
					return nil, false
				}
				if exitErr != nil {
					p.fail(errkind.New(errkind.DecoderEarlyExit, fmt.Errorf("%w (stderr: %s)", exitErr, proc.StderrTail())))
					return nil, false
				}
				return p.startNextTrack(ctx, false)
			}
			p.dsp.ApplyFrame(&frame)
			clk.NextTick()
			p.fan.Publish(frame)

			framesSincePosUpdate++
			if framesSincePosUpdate >= 5 {
				framesSincePosUpdate = 0
				p.mu.Lock()
				p.positionMs += int64(5 * audio.FrameDuration / time.Millisecond)
				p.mu.Unlock()
			}
		}
	}
}

// doPause enters Paused and blocks the stream task until a resume, skip,
// or stop command arrives, or PauseTimeout elapses. Frames keep
// accumulating in frameCh up to its capacity, which is the pause buffer.
func (p *Player) doPause(ctx context.Context, proc *decoder.Process, cancelDecode context.CancelFunc) pauseOutcome {
	p.setState(Paused, nil)
	p.log.Info("player paused")

	timer := time.NewTimer(PauseTimeout)
	defer timer.Stop()

	for {
		select {
		case c := <-p.cmdCh:
			switch c.kind {
			case cmdPlay:
				p.setState(Playing, nil)
				p.log.Info("player resumed")
				return pauseResumed
			case cmdStop:
				cancelDecode()
				proc.Kill()
				p.setState(Ended, nil)
				p.fan.Close(c.reason)
				if c.ack != nil {
					close(c.ack)
				}
				return pauseTerminal
			case cmdSkip:
				return pauseSkip
			case cmdSetLoop:
				p.mu.Lock()
				p.loopMode = c.loopMode
				p.mu.Unlock()
			case cmdEnqueue:
				p.mu.Lock()
				p.queue = append(p.queue, c.item)
				p.mu.Unlock()
			}
		case <-timer.C:
			cancelDecode()
			proc.Kill()
			p.fail(errkind.New(errkind.PauseTimeout, fmt.Errorf("paused longer than %s", PauseTimeout)))
			return pauseTerminal
		case <-ctx.Done():
			cancelDecode()
			proc.Kill()
			p.setState(Failed, ctx.Err())
			p.fan.Close(fanout.ReasonError)
			return pauseTerminal
		}
	}
}

// startNextTrack applies loop-mode/queue advancement and, if a track
// remains, resolves and spawns it. Returns nil, false once there is
// nothing left to play (Ended) or a resolve/spawn failure occurs
// (Failed, already recorded via p.fail).
func (p *Player) startNextTrack(ctx context.Context, skipped bool) (*decoder.Process, bool) {
	if !p.advanceQueue(skipped) {
		p.setState(Ended, nil)
		p.fan.Close(fanout.ReasonNormal)
		p.log.Info("player reached end of queue")
		return nil, false
	}

	p.setState(Initializing, nil)
	p.dsp.Reset()

	resolved, err := p.resolve(ctx, p.currentTrack())
	if err != nil {
		p.fail(err)
		return nil, false
	}
	proc, err := p.sup.Spawn(ctx, p.cfg.FFMPEGPath, p.cfg.ArgsBuilder(resolved), p.log)
	if err != nil {
		p.fail(errkind.New(errkind.DecoderSpawnFailed, err))
		return nil, false
	}
	p.setState(Playing, nil)
	return proc, true
}

// advanceQueue applies loop-mode semantics to decide the next track.
// Returns true if there is a next track to play. If skipped is true this
// was an explicit Skip rather than a natural EOF.
func (p *Player) advanceQueue(skipped bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loopMode == LoopTrack {
		if !skipped || len(p.queue) > 0 {
			// Replay currentURI as-is. Skip has no effect while LoopTrack
			// is engaged and the queue holds a further track.
			return true
		}
		return false
	}

	if len(p.queue) == 0 {
		return false
	}
	next := p.queue[0]
	if p.loopMode == LoopQueue {
		// Rotate the front of the queue to the back; the track that was
		// already playing before loop mode engaged is not re-added.
		p.queue = append(p.queue[1:], next)
	} else {
		p.queue = p.queue[1:]
	}
	p.currentURI = next.URI
	p.positionMs = 0
	return true
}

func (p *Player) currentTrack() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentURI
}

// decodeFramerLoop is T1: it pulls frames from the decoder via the
// Framer and pushes them into frameCh, backpressured by its capacity.
func (p *Player) decodeFramerLoop(ctx context.Context, proc *decoder.Process, frameCh chan<- audio.Frame, errCh chan<- error) {
	defer close(frameCh)
	f := framer.New(proc, p.log)
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := f.Next()
		if err != nil {
			if errkind.As(err) == errkind.DecoderStalled {
				errCh <- err
				return
			}
			// io.EOF with a possibly-valid final frame: emit it if it has
			// content, then stop.
			if frame != (audio.Frame{}) {
				select {
				case frameCh <- frame:
				case <-ctx.Done():
				}
			}
			return
		}
		select {
		case frameCh <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Player) cleanupTempArtifacts() {
	p.mu.Lock()
	loop := p.loopMode == LoopTrack
	paths := make([]string, 0, len(p.tempPaths))
	for path := range p.tempPaths {
		paths = append(paths, path)
	}
	p.mu.Unlock()

	if loop {
		return
	}
	for _, path := range paths {
		removeBestEffort(path, p.log)
	}
}

func removeBestEffort(path string, log *logrus.Entry) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("path", path).Warn("failed to remove temp artifact")
	}
}

// resolveHosts are the hosts whose URLs need translation into a direct
// media URL or downloaded file before a decoder can consume them.
var resolveHosts = []string{"youtube.com", "youtu.be", "spotify.com", "soundcloud.com"}

func needsResolve(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	for _, h := range resolveHosts {
		if strings.HasSuffix(host, h) {
			return true
		}
	}
	return false
}

func ffmpegArgs(input string) []string {
	return []string{
		"-i", input,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprintf("%d", audio.SampleRate),
		"-ac", fmt.Sprintf("%d", audio.Channels),
		"-loglevel", "error",
		"pipe:1",
	}
}
