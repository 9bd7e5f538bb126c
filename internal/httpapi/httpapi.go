// Package httpapi implements the HTTP/WebSocket control surface: the
// routing, request validation, and authentication that spec.md treats as
// an external collaborator given only by contract, wired here against the
// Registry.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/resonix-audio/resonix-node/internal/audio"
	"github.com/resonix-audio/resonix-node/internal/config"
	"github.com/resonix-audio/resonix-node/internal/dsp"
	"github.com/resonix-audio/resonix-node/internal/fanout"
	"github.com/resonix-audio/resonix-node/internal/player"
	"github.com/resonix-audio/resonix-node/internal/registry"
	"github.com/resonix-audio/resonix-node/internal/webrtcstream"
)

// Server wires the Registry to an http.Handler.
type Server struct {
	reg       *registry.Registry
	cfg       *config.Config
	resolver  player.Resolver
	log       *logrus.Entry
	version   string
	buildTime string
	startedAt time.Time
	upgrader  websocket.Upgrader
	webrtc    *webrtcstream.Handler
}

// New constructs a Server. version/buildTime are surfaced verbatim by
// GET /info.
func New(reg *registry.Registry, cfg *config.Config, resolver player.Resolver, log *logrus.Entry, version, buildTime string) *Server {
	return &Server{
		reg:       reg,
		cfg:       cfg,
		resolver:  resolver,
		log:       log.WithField("component", "httpapi"),
		version:   version,
		buildTime: buildTime,
		startedAt: time.Now(),
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: audio.FrameBytes},
		webrtc:    webrtcstream.New(reg, log),
	}
}

// Routes returns the full handler, with password authentication applied
// to every route.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /players", s.handleCreate)
	mux.HandleFunc("GET /players", s.handleList)
	mux.HandleFunc("GET /players/{id}", s.handleGet)
	mux.HandleFunc("DELETE /players/{id}", s.handleDelete)
	mux.HandleFunc("POST /players/{id}/play", s.handlePlay)
	mux.HandleFunc("POST /players/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /players/{id}/skip", s.handleSkip)
	mux.HandleFunc("PATCH /players/{id}/filters", s.handleFilters)
	mux.HandleFunc("PATCH /players/{id}/metadata", s.handleMetadata)
	mux.HandleFunc("PATCH /players/{id}/loop", s.handleLoop)
	mux.HandleFunc("POST /players/{id}/queue", s.handleEnqueue)
	mux.HandleFunc("GET /players/{id}/queue", s.handleGetQueue)
	mux.HandleFunc("GET /players/{id}/ws", s.handleWS)
	mux.HandleFunc("POST /players/{id}/webrtc", s.webrtc.ServeHTTP)
	mux.HandleFunc("GET /resolve", s.handleResolve)
	mux.HandleFunc("GET /info", s.handleInfo)

	return s.withAuth(mux)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.Password == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("Authorization")
		if got == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Server.Password)) != 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) playerConfig() player.Config {
	return player.Config{
		FFMPEGPath:      s.cfg.Resolver.FFMPEGPath,
		ResolverEnabled: s.cfg.Resolver.Enabled,
		ResolverTimeout: s.cfg.Resolver.Timeout,
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID  string `json:"id"`
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// The Player outlives this request: the request context is cancelled as
	// soon as the handler returns, so it must not scope the Player's Run.
	switch s.reg.Create(context.Background(), req.ID, req.URI, s.playerConfig(), &s.cfg.Sources, s.resolver) {
	case registry.Created:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": req.ID})
	case registry.Exists:
		w.WriteHeader(http.StatusConflict)
	case registry.Blocked:
		w.WriteHeader(http.StatusForbidden)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	players := s.reg.List()
	out := make([]player.Status, 0, len(players))
	for _, p := range players {
		out = append(out, p.Status())
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p := s.reg.Lookup(r.PathValue("id"))
	if p == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p.Status())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	switch s.reg.Delete(r.Context(), r.PathValue("id"), player.DeleteBudget) {
	case registry.Deleted:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, registry.OpPlay, nil)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, registry.OpPause, nil)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op registry.ControlOp, filters *dsp.Snapshot) {
	if err := s.reg.Control(r.PathValue("id"), op, filters); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	p := s.reg.Lookup(r.PathValue("id"))
	if p == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	p.Skip()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	p := s.reg.Lookup(r.PathValue("id"))
	if p == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var req struct {
		Volume *float32 `json:"volume"`
		EQ     []struct {
			Band   int     `json:"band"`
			GainDB float32 `json:"gain_db"`
		} `json:"eq"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	next := p.Filters()
	if req.Volume != nil {
		next = next.WithVolume(*req.Volume)
	}
	if len(req.EQ) > 0 {
		bands := make([]dsp.Band, len(req.EQ))
		for i, b := range req.EQ {
			bands[i] = dsp.Band{Index: b.Band, GainDB: b.GainDB}
		}
		next = next.WithBands(bands)
	}
	p.UpdateFilters(next)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	p := s.reg.Lookup(r.PathValue("id"))
	if p == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var req struct {
		Merge bool `json:"merge"`
		Value any  `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	p.SetMetadata(req.Value, req.Merge)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoop(w http.ResponseWriter, r *http.Request) {
	p := s.reg.Lookup(r.PathValue("id"))
	if p == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	mode := player.LoopMode(req.Mode)
	switch mode {
	case player.LoopNone, player.LoopTrack, player.LoopQueue:
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	p.SetLoopMode(mode)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	p := s.reg.Lookup(r.PathValue("id"))
	if p == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var req struct {
		URI      string `json:"uri"`
		Metadata any    `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URI == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	p.Enqueue(player.QueueItem{URI: req.URI, Metadata: req.Metadata})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	p := s.reg.Lookup(r.PathValue("id"))
	if p == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p.Status().Queue)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("url")
	if uri == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !s.cfg.Sources.URLAllowed(uri) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if s.resolver == nil || !s.cfg.Resolver.Enabled {
		w.Write([]byte(uri))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Resolver.Timeout)
	defer cancel()
	resolved, _, err := s.resolver.Resolve(ctx, uri)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Write([]byte(resolved))
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version":    s.version,
		"build_time": s.buildTime,
	})
}

// closeCodeFor maps a fanout.CloseReason to the WS close code spec.md §6
// assigns it.
func closeCodeFor(reason fanout.CloseReason) int {
	switch reason {
	case fanout.ReasonReplaced:
		return 4000
	case fanout.ReasonError:
		return 4001
	case fanout.ReasonDeleted:
		return 4002
	default:
		return websocket.CloseNormalClosure
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	p := s.reg.Lookup(r.PathValue("id"))
	if p == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()

	sub := p.Subscribe()
	defer p.Unsubscribe(sub)

	ctx := r.Context()
	for {
		frame, reason, ok := sub.Next(ctx)
		if !ok {
			code := closeCodeFor(reason)
			msg := websocket.FormatCloseMessage(code, string(reason))
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame[:]); err != nil {
			return
		}
	}
}
