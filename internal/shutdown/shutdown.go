// Package shutdown implements the process-wide Shutdown Coordinator: on
// process exit, drive every registered Player to a terminal state within
// a short per-player budget, then best-effort unlink anything left under
// the temp prefix Players use for resolved artifacts.
package shutdown

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/resonix-audio/resonix-node/internal/registry"
)

// PerPlayerBudget is how long Coordinate waits for any one Player to reach
// a terminal state before moving on.
const PerPlayerBudget = 500 * time.Millisecond

// TempPrefix names the file-name prefix used for resolver-owned temp
// artifacts (see internal/resolver), swept up as a final fallback for
// anything a Player's own cleanup missed.
const TempPrefix = "resonix_"

// Coordinate drives every Player in reg to a terminal state, in parallel,
// each bounded by PerPlayerBudget, then sweeps stray temp artifacts. It
// does not guarantee completion on an abrupt process kill.
func Coordinate(ctx context.Context, reg *registry.Registry, log *logrus.Entry) {
	players := reg.List()
	log = log.WithField("component", "shutdown")
	log.WithField("count", len(players)).Info("shutting down players")

	done := make(chan struct{}, len(players))
	for _, p := range players {
		go func(id string) {
			reg.Delete(ctx, id, PerPlayerBudget)
			done <- struct{}{}
		}(p.ID)
	}
	for range players {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	sweepTempArtifacts(log)
}

func sweepTempArtifacts(log *logrus.Entry) {
	dir := os.TempDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.WithError(err).Warn("failed to list temp dir during shutdown sweep")
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), TempPrefix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", path).Warn("failed to sweep stray temp artifact")
		}
	}
}
