// Package registry implements the process-wide Player Registry: the
// id -> Player map, with create/lookup/delete/control operations
// serializable with respect to each other while lookups stay lock-free
// with respect to a long-running delete.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/resonix-audio/resonix-node/internal/config"
	"github.com/resonix-audio/resonix-node/internal/decoder"
	"github.com/resonix-audio/resonix-node/internal/dsp"
	"github.com/resonix-audio/resonix-node/internal/errkind"
	"github.com/resonix-audio/resonix-node/internal/fanout"
	"github.com/resonix-audio/resonix-node/internal/player"
)

// CreateResult is the outcome of a Create call.
type CreateResult string

const (
	Created CreateResult = "Created"
	Blocked CreateResult = "Blocked"
	Exists  CreateResult = "Exists"
	BadInput CreateResult = "BadInput"
)

// DeleteResult is the outcome of a Delete call.
type DeleteResult string

const (
	Deleted  DeleteResult = "Deleted"
	NotFound DeleteResult = "NotFound"
)

// ControlOp is one of the control-plane operations Control accepts.
type ControlOp int

const (
	OpPlay ControlOp = iota
	OpPause
	OpUpdateFilters
)

// entry pairs a Player with the flag that marks it as being torn down, so
// Lookup and List hide it as soon as Delete starts. Delete releases the
// registry lock before waiting on the Player to reach a terminal state,
// so Lookup never blocks behind it.
type entry struct {
	p         *player.Player
	deleting  bool
}

// Registry is the process-wide id -> Player map.
type Registry struct {
	log *logrus.Entry
	sup *decoder.Supervisor

	mu      sync.RWMutex
	entries map[string]*entry
}

// New constructs an empty Registry. sup is shared by every spawned Player
// so decoder spawns across the whole process share one rate limiter.
func New(sup *decoder.Supervisor, log *logrus.Entry) *Registry {
	return &Registry{
		log:     log.WithField("component", "registry"),
		sup:     sup,
		entries: make(map[string]*entry),
	}
}

// Create validates id/uri, reserves the id, and starts the Player's
// Initializing sequence asynchronously via ctx, returning immediately.
func (r *Registry) Create(ctx context.Context, id, uri string, cfg player.Config, sources *config.Sources, resolver player.Resolver) CreateResult {
	if id == "" || uri == "" {
		return BadInput
	}
	if sources != nil && !sources.URLAllowed(uri) {
		return Blocked
	}

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return Exists
	}
	p := player.New(id, uri, cfg, r.sup, resolver, r.log)
	r.entries[id] = &entry{p: p}
	r.mu.Unlock()

	go p.Run(ctx)
	return Created
}

// Lookup returns the Player for id, or nil if absent or being deleted.
// Never blocks behind a concurrent Delete.
func (r *Registry) Lookup(id string) *player.Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.deleting {
		return nil
	}
	return e.p
}

// List returns every non-deleting Player currently registered.
func (r *Registry) List() []*player.Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*player.Player, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.deleting {
			out = append(out, e.p)
		}
	}
	return out
}

// Control applies op to the Player named id. Filter updates bypass the
// command channel entirely via the Player's atomic snapshot publish.
func (r *Registry) Control(id string, op ControlOp, filters *dsp.Snapshot) error {
	p := r.Lookup(id)
	if p == nil {
		return errkind.New(errkind.NotFound, fmt.Errorf("player %q not found", id))
	}
	switch op {
	case OpPlay:
		p.Play()
	case OpPause:
		p.Pause()
	case OpUpdateFilters:
		p.UpdateFilters(filters)
	}
	return nil
}

// Delete drives the Player to a terminal state and removes it from the
// registry. It waits up to budget; if the Player has not finished by then
// it is still removed from lookups immediately (the deleting flag already
// hides it) and cleanup continues in the background.
func (r *Registry) Delete(ctx context.Context, id string, budget time.Duration) DeleteResult {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.deleting {
		r.mu.Unlock()
		return NotFound
	}
	e.deleting = true
	r.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, budget)
	e.p.Shutdown(shutdownCtx, fanout.ReasonDeleted, budget)
	cancel()

	go func() {
		<-e.p.Done()
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
	}()

	return Deleted
}

// Count returns the number of registered (including deleting) players.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
