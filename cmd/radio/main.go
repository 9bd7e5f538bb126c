package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/resonix-audio/resonix-node/internal/config"
	"github.com/resonix-audio/resonix-node/internal/decoder"
	"github.com/resonix-audio/resonix-node/internal/httpapi"
	"github.com/resonix-audio/resonix-node/internal/logging"
	"github.com/resonix-audio/resonix-node/internal/player"
	"github.com/resonix-audio/resonix-node/internal/registry"
	"github.com/resonix-audio/resonix-node/internal/resolver"
	"github.com/resonix-audio/resonix-node/internal/shutdown"
)

// version and buildTime are overridden at release build time via
// -ldflags "-X main.version=... -X main.buildTime=...".
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	switch cliAction(os.Args[1:]) {
	case actionVersion:
		fmt.Printf("Resonix v%s\n", version)
		return
	case actionInitConfig:
		initConfig()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.JSON)
	log := logging.For("main")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// One shared limiter bounds the rate of decoder spawns process-wide, so
	// a burst of creates cannot fork-bomb the host.
	limiter := rate.NewLimiter(rate.Limit(4), 4)
	sup := decoder.NewSupervisor(limiter)

	var res player.Resolver
	if cfg.Resolver.Enabled {
		res = resolver.New(cfg.Resolver.YTDLPPath, cfg.Sources.SpotifyClientID != "")
	}

	reg := registry.New(sup, log)
	srv := httpapi.New(reg, cfg, res, log, version, buildTime)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: srv.Routes()}

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		shutdown.Coordinate(shutdownCtx, reg, log)

		httpServer.Close()
	}()

	log.WithField("addr", addr).Info("resonix node listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("http server error")
	}
}

type action int

const (
	actionRun action = iota
	actionVersion
	actionInitConfig
)

// cliAction mirrors the three-flag CLI contract: --version/-V/-version
// takes priority over --init-config, which takes priority over running
// the server. Unrecognized flags are ignored, matching the original
// implementation's permissive single-pass scan.
func cliAction(args []string) action {
	versionFlag, initFlag := false, false
	for _, a := range args {
		switch a {
		case "--version", "-V", "-version":
			versionFlag = true
		case "--init-config":
			initFlag = true
		}
	}
	if versionFlag {
		return actionVersion
	}
	if initFlag {
		return actionInitConfig
	}
	return actionRun
}

func initConfig() {
	path := config.InitConfigPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "%s already exists; aborting --init-config\n", path)
		os.Exit(1)
	}
	if err := os.WriteFile(path, []byte(config.DefaultTOML), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "failed to write", path, ":", err)
		os.Exit(1)
	}
	fmt.Println("Created", path)
}
