// Package server provides a reusable Fleet server that can be embedded
// in other binaries (the fleet CLI and the compound runner both use it).
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/claudefleet/fleet/internal/bridge/inbox"
	"github.com/claudefleet/fleet/internal/bridge/native"
	"github.com/claudefleet/fleet/internal/server/blackboard"
	"github.com/claudefleet/fleet/internal/server/bus"
	"github.com/claudefleet/fleet/internal/server/config"
	"github.com/claudefleet/fleet/internal/server/events"
	"github.com/claudefleet/fleet/internal/server/httpapi"
	"github.com/claudefleet/fleet/internal/server/store"
	"github.com/claudefleet/fleet/internal/server/workermgr"
)

// Server is a wired Fleet server instance. Call Serve to start
// listening; it blocks until the context is cancelled.
type Server struct {
	cfg    *config.Config
	sqlDB  *sql.DB
	store  *store.Store
	bus    *bus.Bus
	events *events.Manager
	mgr    *workermgr.Manager
	server *http.Server
	logger *slog.Logger
}

// New creates a Server: opens the database, runs migrations, and wires
// every service. The worker pool is restored from persisted records.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve data dir: %w", err)
		}
		dataDir = filepath.Join(home, ".fleet")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	sqlDB, err := store.Open(filepath.Join(dataDir, "fleet.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	st := store.New(sqlDB)
	b := bus.New()
	ev := events.NewManager(logger)
	ex := blackboard.New(st, b, ev, logger)
	ib := inbox.New(dataDir, logger)
	nb := native.New("", cfg.ServerURL, dataDir)

	mgr := workermgr.New(workermgr.Options{
		MaxWorkers:       cfg.MaxWorkers,
		DefaultTeamName:  cfg.DefaultTeamName,
		ServerURL:        cfg.ServerURL,
		AutoRestart:      cfg.AutoRestart,
		UseWorktrees:     cfg.UseWorktrees,
		WorktreeBaseDir:  cfg.WorktreeBaseDir,
		InjectMail:       cfg.InjectMail,
		DefaultSpawnMode: cfg.DefaultSpawnMode,
		NativeOnly:       cfg.NativeOnly,
	}, st, ev, ib, nb, logger)

	api, err := httpapi.New(mgr, ex, b, ev, st, cfg.AuthSecret, logger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create api: %w", err)
	}

	h2cHandler := h2c.NewHandler(api.Handler(), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	return &Server{
		cfg:    cfg,
		sqlDB:  sqlDB,
		store:  st,
		bus:    b,
		events: ev,
		mgr:    mgr,
		logger: logger,
		server: &http.Server{
			Handler:           h2cHandler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Workers exposes the worker manager for embedded use.
func (s *Server) Workers() *workermgr.Manager {
	return s.mgr
}

// Events exposes the event manager for embedded use.
func (s *Server) Events() *events.Manager {
	return s.events
}

// Serve restores persisted workers, starts the health monitor, and
// listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.mgr.Initialize(ctx); err != nil {
		s.logger.Warn("worker restore incomplete", "error", err)
	}
	s.mgr.Start()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}
	s.logger.Info("fleet server listening", "addr", ln.Addr().String())

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		s.logger.Info("fleet server shutting down")

		s.mgr.DismissAll(context.Background())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown incomplete", "error", err)
		}
	}()

	err = s.server.Serve(ln)
	<-shutdownDone
	_ = s.sqlDB.Close()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
