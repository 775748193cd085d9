// Package modelserver arbitrates the single GPU between resident model
// servers. It keeps the text-model server healthy on its port and
// suspends/resumes it around work that needs the device exclusively.
package modelserver

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/agentos/agentos/internal/common/config"
	"github.com/agentos/agentos/internal/common/constants"
	"github.com/agentos/agentos/internal/common/logger"
	"github.com/agentos/agentos/internal/events"
	"github.com/agentos/agentos/internal/events/bus"
)

// Server owns the resident text-model server process. Suspension state is
// in-memory only: the daemon is the sole arbiter of the device while it runs.
type Server struct {
	cfg    config.ModelsConfig
	logger *logger.Logger
	bus    bus.EventBus

	cmd       *exec.Cmd
	exited    chan struct{}
	suspended bool
	mu        sync.Mutex

	// Settle pauses, overridable in tests.
	killSettle   time.Duration
	signalSettle time.Duration
	pollInterval time.Duration
}

// State is a snapshot of the arbiter for the status API.
type State struct {
	Running   bool `json:"running"`
	Suspended bool `json:"suspended"`
	Port      int  `json:"port"`
	PID       int  `json:"pid,omitempty"`
}

// NewServer creates the arbiter. Nothing is spawned until EnsureRunning.
func NewServer(cfg config.ModelsConfig, eventBus bus.EventBus, log *logger.Logger) *Server {
	return &Server{
		cfg:          cfg,
		logger:       log.WithFields(zap.String("component", "modelserver")),
		bus:          eventBus,
		killSettle:   constants.ServerKillSettle,
		signalSettle: constants.ServerSignalSettle,
		pollInterval: constants.HealthPollInterval,
	}
}

// Healthy checks the health endpoint on a port.
func (s *Server) Healthy(port int) bool {
	client := &http.Client{Timeout: s.cfg.HealthTimeoutDuration()}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// EnsureRunning makes sure the text-model server is healthy on its port,
// spawning it if needed. Returns an error when the server cannot be brought
// up; callers abort the dispatch in that case.
func (s *Server) EnsureRunning(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensure(ctx, s.cfg.TextPort, s.cfg.TextModel)
}

func (s *Server) ensure(ctx context.Context, port int, model string) error {
	if s.Healthy(port) {
		s.logger.Debug("model server already healthy", zap.Int("port", port))
		return nil
	}

	// Kill competing servers to free VRAM before spawning our own.
	s.logger.Info("stopping existing model servers", zap.String("pattern", s.cfg.KillPattern))
	_ = exec.Command("pkill", "-f", s.cfg.KillPattern).Run()
	time.Sleep(s.killSettle)

	if err := s.spawn(port, model); err != nil {
		return err
	}

	exited := s.exited
	for i := 0; i < s.cfg.HealthAttempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return fmt.Errorf("model server exited during startup")
		default:
		}

		if s.Healthy(port) {
			s.logger.Info("model server ready", zap.Int("port", port))
			s.publish(events.ServerStarted, map[string]interface{}{
				"port":  port,
				"model": model,
				"pid":   s.cmd.Process.Pid,
			})
			return nil
		}
		time.Sleep(s.pollInterval)
	}

	s.publish(events.ServerUnhealthy, map[string]interface{}{"port": port})
	return fmt.Errorf("model server failed to become healthy on port %d", port)
}

// spawn starts the server detached in its own session. Stdio goes to
// /dev/null: a SIGSTOPped server must never block on a full pipe.
func (s *Server) spawn(port int, model string) error {
	s.logger.Info("starting model server",
		zap.String("binary", s.cfg.ServerBinary),
		zap.String("model", model),
		zap.Int("port", port))

	// We use exec.Command (not CommandContext) because we control shutdown
	// ourselves via Shutdown(). CommandContext sends SIGKILL on context
	// cancellation which prevents graceful shutdown.
	cmd := exec.Command(s.cfg.ServerBinary,
		"-m", model,
		"-ngl", fmt.Sprintf("%d", s.cfg.GPULayers),
		"-c", fmt.Sprintf("%d", s.cfg.ContextSize),
		"--port", fmt.Sprintf("%d", port),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start model server: %w", err)
	}

	s.cmd = cmd
	s.suspended = false
	s.exited = make(chan struct{})
	go s.monitorExit(cmd, s.exited)

	return nil
}

// monitorExit waits for the process to exit and signals via the exited channel.
func (s *Server) monitorExit(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	if err != nil {
		s.logger.Warn("model server exited", zap.Error(err))
	} else {
		s.logger.Info("model server exited")
	}
	close(exited)
}

// Suspend SIGSTOPs the model server, freeing the device for exclusive work.
// Idempotent; a short settle lets in-flight kernels drain.
func (s *Server) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.suspended {
		return
	}

	if s.ownedAlive() {
		s.logger.Info("suspending model server", zap.Int("pid", s.cmd.Process.Pid))
		if err := unix.Kill(s.cmd.Process.Pid, unix.SIGSTOP); err != nil {
			s.logger.Warn("failed to suspend model server", zap.Error(err))
			return
		}
	} else {
		// Server adopted from a previous run: signal by pattern. pkill exits
		// nonzero when nothing matched, in which case there is nothing to
		// mark suspended.
		s.logger.Info("suspending model server by pattern", zap.String("pattern", s.cfg.KillPattern))
		if err := exec.Command("pkill", "-STOP", "-f", s.cfg.KillPattern).Run(); err != nil {
			s.logger.Warn("no process matched suspend pattern", zap.String("pattern", s.cfg.KillPattern))
			return
		}
	}

	s.suspended = true
	time.Sleep(s.signalSettle)
	s.publish(events.ServerSuspended, nil)
}

// Resume SIGCONTs a suspended model server.
func (s *Server) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.suspended {
		return
	}

	if s.ownedAlive() {
		s.logger.Info("resuming model server", zap.Int("pid", s.cmd.Process.Pid))
		if err := unix.Kill(s.cmd.Process.Pid, unix.SIGCONT); err != nil {
			s.logger.Warn("failed to resume model server", zap.Error(err))
		}
	} else {
		s.logger.Info("resuming model server by pattern", zap.String("pattern", s.cfg.KillPattern))
		_ = exec.Command("pkill", "-CONT", "-f", s.cfg.KillPattern).Run()
	}

	s.suspended = false
	time.Sleep(s.signalSettle)
	s.publish(events.ServerResumed, nil)
}

// Shutdown terminates the owned server process and any pattern matches.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ownedAlive() {
		pid := s.cmd.Process.Pid
		s.logger.Info("stopping model server", zap.Int("pid", pid))

		// A suspended process cannot act on SIGTERM.
		if s.suspended {
			_ = unix.Kill(pid, unix.SIGCONT)
			s.suspended = false
		}

		if err := unix.Kill(pid, unix.SIGTERM); err != nil {
			_ = unix.Kill(pid, unix.SIGKILL)
		} else {
			select {
			case <-s.exited:
			case <-ctx.Done():
				s.logger.Warn("model server shutdown timed out, sending SIGKILL")
				_ = unix.Kill(pid, unix.SIGKILL)
			}
		}
		s.cmd = nil
	}

	_ = exec.Command("pkill", "-f", s.cfg.KillPattern).Run()
}

// Suspended reports whether the server is currently SIGSTOPped.
func (s *Server) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// State returns a snapshot for the status API.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Suspended: s.suspended,
		Port:      s.cfg.TextPort,
	}
	if s.ownedAlive() {
		st.Running = true
		st.PID = s.cmd.Process.Pid
	} else {
		st.Running = s.Healthy(s.cfg.TextPort)
	}
	return st
}

// ownedAlive reports whether the process we spawned is still running.
// Callers must hold s.mu.
func (s *Server) ownedAlive() bool {
	if s.cmd == nil || s.cmd.Process == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *Server) publish(eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "modelserver", data)
	_ = s.bus.Publish(context.Background(), events.Subject(eventType), ev)
}
