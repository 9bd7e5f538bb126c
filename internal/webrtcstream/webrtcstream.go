// Package webrtcstream adds a supplementary WebRTC/Opus subscriber
// transport alongside the mandated WebSocket transport: a player's
// Subscriber Fanout treats a WebRTC peer as an ordinary single-subscriber
// slot, subject to the same replace-on-reconnect and drop-oldest rules.
package webrtcstream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
	"gopkg.in/hraban/opus.v2"

	"github.com/resonix-audio/resonix-node/internal/audio"
	"github.com/resonix-audio/resonix-node/internal/player"
	"github.com/resonix-audio/resonix-node/internal/registry"
)

// OpusBitrate is the fixed (non-adaptive) bitrate used to encode every
// outbound Opus frame.
const OpusBitrate = 128000

// Handler serves SDP offer/answer negotiation for `/players/{id}/webrtc`
// and streams each player's fanout to its connected peer as Opus.
type Handler struct {
	reg *registry.Registry
	log *logrus.Entry

	mu    sync.Mutex
	peers map[*webrtc.PeerConnection]struct{}
}

// New constructs a Handler bound to reg.
func New(reg *registry.Registry, log *logrus.Entry) *Handler {
	return &Handler{
		reg:   reg,
		log:   log.WithField("component", "webrtcstream"),
		peers: make(map[*webrtc.PeerConnection]struct{}),
	}
}

// PeerCount returns the number of currently connected WebRTC peers, across
// every player.
func (h *Handler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// ServeHTTP negotiates one peer connection for the player named by the
// request's path value "id" and starts streaming to it in the background.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	p := h.reg.Lookup(r.PathValue("id"))
	if p == nil {
		http.NotFound(w, r)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"resonix-"+p.ID,
	)
	if err != nil {
		pc.Close()
		http.Error(w, "create audio track failed", http.StatusInternalServerError)
		return
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		http.Error(w, "add track failed", http.StatusInternalServerError)
		return
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		http.Error(w, "set remote description failed", http.StatusBadRequest)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		http.Error(w, "create answer failed", http.StatusInternalServerError)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		http.Error(w, "set local description failed", http.StatusInternalServerError)
		return
	}
	<-webrtc.GatheringCompletePromise(pc)

	streamCtx, cancelStream := context.WithCancel(context.Background())
	h.addPeer(pc)
	go h.streamToPeer(streamCtx, p, pc, track)

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			cancelStream()
			h.removePeer(pc)
			pc.Close()
		}
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

func (h *Handler) streamToPeer(ctx context.Context, p *player.Player, pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticSample) {
	sub := p.Subscribe()
	defer p.Unsubscribe(sub)

	enc, err := opus.NewEncoder(audio.SampleRate, audio.Channels, opus.AppAudio)
	if err != nil {
		h.log.WithError(err).Warn("opus encoder init failed")
		return
	}
	enc.SetBitrate(OpusBitrate)

	pcm := make([]int16, audio.FrameSamples)
	opusBuf := make([]byte, 4000)

	for {
		frame, _, ok := sub.Next(ctx)
		if !ok {
			return
		}
		decodeInt16(&frame, pcm)
		n, err := enc.Encode(pcm, opusBuf)
		if err != nil {
			h.log.WithError(err).Warn("opus encode failed")
			continue
		}
		if err := track.WriteSample(media.Sample{Data: opusBuf[:n], Duration: audio.FrameDuration}); err != nil {
			return
		}
	}
}

func decodeInt16(frame *audio.Frame, out []int16) {
	for i := 0; i < audio.FrameSamples; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2]))
	}
}

func (h *Handler) addPeer(pc *webrtc.PeerConnection) {
	h.mu.Lock()
	h.peers[pc] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) removePeer(pc *webrtc.PeerConnection) {
	h.mu.Lock()
	delete(h.peers, pc)
	h.mu.Unlock()
}
