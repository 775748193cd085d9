package modelserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/agentos/agentos/internal/common/config"
	"github.com/agentos/agentos/internal/common/logger"
	"github.com/agentos/agentos/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// testServer builds an arbiter with settle pauses collapsed and a kill
// pattern that cannot match any real process.
func testServer(t *testing.T, cfg config.ModelsConfig) *Server {
	t.Helper()
	if cfg.KillPattern == "" {
		cfg.KillPattern = fmt.Sprintf("modelsrv-test-%d-%s", os.Getpid(), t.Name())
	}
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = 1
	}
	if cfg.HealthAttempts == 0 {
		cfg.HealthAttempts = 50
	}
	s := NewServer(cfg, bus.NewMemoryEventBus(testLogger(t)), testLogger(t))
	s.killSettle = time.Millisecond
	s.signalSettle = time.Millisecond
	s.pollInterval = 5 * time.Millisecond
	return s
}

// writeScript drops an executable shell script into a temp dir.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

// freePort grabs an ephemeral port that is free at call time.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// serveHealth runs a real health endpoint on the given port.
func serveHealth(t *testing.T, port int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Handler: mux}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("health endpoint never came up")
}

func TestHealthy(t *testing.T) {
	port := freePort(t)
	s := testServer(t, config.ModelsConfig{TextPort: port})

	assert.False(t, s.Healthy(port), "nothing listening yet")

	serveHealth(t, port)
	assert.True(t, s.Healthy(port))
}

func TestEnsureRunningAdoptsHealthyServer(t *testing.T) {
	port := freePort(t)
	serveHealth(t, port)

	s := testServer(t, config.ModelsConfig{
		ServerBinary: "/nonexistent/llama-server",
		TextPort:     port,
	})

	// A healthy endpoint means no spawn is attempted at all.
	require.NoError(t, s.EnsureRunning(context.Background()))
	assert.Nil(t, s.cmd)
}

func TestEnsureRunningFailsWhenServerExits(t *testing.T) {
	script := writeScript(t, "model-server", "exit 0")
	s := testServer(t, config.ModelsConfig{
		ServerBinary: script,
		TextModel:    "model.gguf",
		TextPort:     freePort(t),
	})

	err := s.EnsureRunning(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
}

func TestEnsureRunningGivesUpAfterAttempts(t *testing.T) {
	script := writeScript(t, "model-server", "sleep 60")
	cfg := config.ModelsConfig{
		ServerBinary:   script,
		TextModel:      "model.gguf",
		TextPort:       freePort(t),
		HealthAttempts: 3,
	}
	s := testServer(t, cfg)
	defer s.Shutdown(context.Background())

	err := s.EnsureRunning(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to become healthy")
}

func TestEnsureRunningHonorsContext(t *testing.T) {
	script := writeScript(t, "model-server", "sleep 60")
	s := testServer(t, config.ModelsConfig{
		ServerBinary: script,
		TextModel:    "model.gguf",
		TextPort:     freePort(t),
	})
	defer s.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.EnsureRunning(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSuspendResume(t *testing.T) {
	script := writeScript(t, "model-server", "sleep 60")
	s := testServer(t, config.ModelsConfig{
		ServerBinary: script,
		TextModel:    "model.gguf",
		TextPort:     freePort(t),
	})
	require.NoError(t, s.spawn(s.cfg.TextPort, s.cfg.TextModel))
	defer s.Shutdown(context.Background())

	pid := s.cmd.Process.Pid

	assert.False(t, s.Suspended())
	s.Suspend()
	assert.True(t, s.Suspended())
	// Process is stopped, not gone.
	assert.NoError(t, unix.Kill(pid, 0))

	// Suspend is idempotent.
	s.Suspend()
	assert.True(t, s.Suspended())

	s.Resume()
	assert.False(t, s.Suspended())
	assert.NoError(t, unix.Kill(pid, 0))

	// Resume without suspend is a no-op.
	s.Resume()
	assert.False(t, s.Suspended())
}

func TestSuspendWithoutTargetStaysUnsuspended(t *testing.T) {
	// No owned process and a pattern that matches nothing: there is no
	// process to stop, so the flag must not flip.
	s := testServer(t, config.ModelsConfig{
		ServerBinary: "/bin/false",
		TextModel:    "model.gguf",
		TextPort:     freePort(t),
	})

	s.Suspend()
	assert.False(t, s.Suspended())
}

func TestShutdownStopsOwnedProcess(t *testing.T) {
	script := writeScript(t, "model-server", "sleep 60")
	s := testServer(t, config.ModelsConfig{
		ServerBinary: script,
		TextModel:    "model.gguf",
		TextPort:     freePort(t),
	})
	require.NoError(t, s.spawn(s.cfg.TextPort, s.cfg.TextModel))

	pid := s.cmd.Process.Pid
	exited := s.exited

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Shutdown(ctx)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("model server did not exit")
	}
	// The pid is gone (or at most a zombie already reaped by Wait).
	err := unix.Kill(pid, 0)
	assert.Error(t, err)
}

func TestShutdownResumesSuspendedBeforeTerm(t *testing.T) {
	script := writeScript(t, "model-server", "sleep 60")
	s := testServer(t, config.ModelsConfig{
		ServerBinary: script,
		TextModel:    "model.gguf",
		TextPort:     freePort(t),
	})
	require.NoError(t, s.spawn(s.cfg.TextPort, s.cfg.TextModel))
	s.Suspend()

	exited := s.exited
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Shutdown(ctx)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("suspended model server was not stopped")
	}
}

func TestState(t *testing.T) {
	port := freePort(t)
	script := writeScript(t, "model-server", "sleep 60")
	s := testServer(t, config.ModelsConfig{
		ServerBinary: script,
		TextModel:    "model.gguf",
		TextPort:     port,
	})

	st := s.State()
	assert.False(t, st.Running)
	assert.False(t, st.Suspended)
	assert.Equal(t, port, st.Port)

	require.NoError(t, s.spawn(port, "model.gguf"))
	defer s.Shutdown(context.Background())

	st = s.State()
	assert.True(t, st.Running)
	assert.NotZero(t, st.PID)

	s.Suspend()
	st = s.State()
	assert.True(t, st.Suspended)
	s.Resume()
}
