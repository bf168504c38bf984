package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudefleet/fleet/internal/server/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestServeAndShutdown(t *testing.T) {
	port := freePort(t)
	cfg := &config.Config{
		Addr:             fmt.Sprintf("127.0.0.1:%d", port),
		DataDir:          t.TempDir(),
		MaxWorkers:       3,
		DefaultTeamName:  "fleet",
		DefaultSpawnMode: "process",
	}
	cfg.ServerURL = "http://" + cfg.Addr

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	healthURL := cfg.ServerURL + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNewCreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Addr:             "127.0.0.1:0",
		DataDir:          dir,
		MaxWorkers:       1,
		DefaultSpawnMode: "process",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := New(cfg, logger)
	require.NoError(t, err)
	assert.NotNil(t, srv.Workers())
	assert.NotNil(t, srv.Events())
	require.NoError(t, srv.sqlDB.Close())
}
