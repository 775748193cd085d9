// Package agent keeps the per-channel agent subprocesses alive across
// requests. An agent is an opaque executable speaking newline-delimited text
// on stdin/stdout; the handle feeds it one request line at a time and decides
// a reply is complete when the output stream goes quiet.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/agentos/agentos/internal/common/config"
	"github.com/agentos/agentos/internal/common/logger"
	"github.com/agentos/agentos/internal/common/stringutil"
	"github.com/agentos/agentos/internal/events"
	"github.com/agentos/agentos/internal/events/bus"
	"github.com/agentos/agentos/internal/history"
	"github.com/agentos/agentos/internal/registry"
)

// ClearedPlaceholder is returned for a reset request when the agent printed
// no acknowledgement of the clear token.
const ClearedPlaceholder = "[Context cleared]"

// Control tokens understood by every agent binary.
const (
	clearToken = "clear"
	exitToken  = "exit"
)

// resetExact are the full-text synonyms that ask an agent to drop its
// conversational context.
var resetExact = map[string]struct{}{
	"reset":             {},
	"clear":             {},
	"forget":            {},
	"reset context":     {},
	"clear context":     {},
	"forget context":    {},
	"forget everything": {},
}

var resetPrefixes = []string{"reset ", "clear ", "forget "}

// leadingTagPattern matches one bracketed tag at the start of a message,
// such as a project-scope marker.
var leadingTagPattern = regexp.MustCompile(`^\[[^\]]*\]\s*`)

// IsResetCommand reports whether a request asks for a context reset. The
// check is case-insensitive on the trimmed text.
func IsResetCommand(text string) bool {
	lowered := strings.ToLower(strings.TrimSpace(text))
	if _, ok := resetExact[lowered]; ok {
		return true
	}
	for _, p := range resetPrefixes {
		if strings.HasPrefix(lowered, p) {
			return true
		}
	}
	return false
}

// stripLeadingTag removes a single leading bracketed tag so a reset request
// hiding behind a project marker is still recognized as a reset.
func stripLeadingTag(text string) string {
	return leadingTagPattern.ReplaceAllString(strings.TrimSpace(text), "")
}

// Handle owns one persistent agent subprocess.
type Handle struct {
	name    string
	binary  string
	logName string

	history *history.Store
	bus     bus.EventBus
	logger  *logger.Logger

	// Process state, guarded by mu. The WaitGroup belongs to the current
	// spawn; a discarded instance's goroutines must never block a later
	// Stop.
	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	exited      chan struct{}
	fresh       bool
	binaryMtime time.Time
	wg          *sync.WaitGroup

	// Combined stdout+stderr, line by line. Guarded by bufMu so the reader
	// goroutine and the quiescence sampler never race.
	buffer []string
	bufMu  sync.Mutex

	// Pauses and sampling knobs, overridable in tests.
	startupSettle   time.Duration
	clearSettle     time.Duration
	stopGrace       time.Duration
	quiesceInitial  time.Duration
	quiesceInterval time.Duration
	quiesceSamples  int
}

// State is a snapshot of one agent for the status API.
type State struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Fresh   bool   `json:"fresh"`
	PID     int    `json:"pid,omitempty"`
}

// NewHandle builds the handle for one agent channel. Nothing is spawned
// until the first Start or Send.
func NewHandle(ch *registry.ChannelConfig, cfg config.AgentsConfig, hist *history.Store, eventBus bus.EventBus, log *logger.Logger) *Handle {
	binary := ch.Agent
	if !filepath.IsAbs(binary) {
		binary = filepath.Join(cfg.BinDir, binary)
	}
	return &Handle{
		name:            ch.Agent,
		binary:          binary,
		logName:         ch.History,
		history:         hist,
		bus:             eventBus,
		logger:          log.WithFields(zap.String("component", "agent"), zap.String("agent", ch.Agent)),
		fresh:           true,
		startupSettle:   cfg.StartupSettle(),
		clearSettle:     cfg.ClearSettle(),
		stopGrace:       cfg.StopGraceDuration(),
		quiesceInitial:  cfg.QuiescenceInitial(),
		quiesceInterval: cfg.QuiescenceInterval(),
		quiesceSamples:  cfg.QuiescenceSamples,
	}
}

// Name returns the agent's name.
func (h *Handle) Name() string {
	return h.name
}

// Start makes sure a live agent process exists. A running instance is kept
// unless the binary on disk is newer than the one it was spawned from, in
// which case the old instance is stopped and the new binary spawned.
func (h *Handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startLocked()
}

func (h *Handle) startLocked() error {
	if h.aliveLocked() {
		info, err := os.Stat(h.binary)
		if err != nil || !info.ModTime().After(h.binaryMtime) {
			return nil
		}
		h.logger.Info("agent binary updated on disk, restarting",
			zap.Time("spawned_from", h.binaryMtime),
			zap.Time("on_disk", info.ModTime()))
		h.stopLocked()
	}
	return h.spawnLocked()
}

func (h *Handle) spawnLocked() error {
	info, err := os.Stat(h.binary)
	if err != nil {
		return fmt.Errorf("agent binary %s: %w", h.binary, err)
	}

	h.logger.Info("starting agent", zap.String("binary", h.binary))

	// NOTE: We intentionally don't use exec.CommandContext here because we
	// don't want a request context to kill the agent when the request
	// completes.
	cmd := exec.Command(h.binary)
	cmd.Dir = filepath.Dir(h.binary)
	// Own session: the agent must not die with the daemon's terminal, and
	// Stop can SIGKILL the whole group it leads.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	// Stdout and stderr share one pipe so replies and errors interleave in
	// arrival order, the way a terminal would show them.
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return fmt.Errorf("failed to start agent: %w", err)
	}
	pw.Close()

	h.cmd = cmd
	h.stdin = stdin
	h.binaryMtime = info.ModTime()
	h.fresh = true
	h.clearBuffer()

	exited := make(chan struct{})
	h.exited = exited
	wg := &sync.WaitGroup{}
	h.wg = wg
	wg.Add(2)
	go h.readOutput(pr, wg)
	go h.waitForExit(cmd, exited, wg)

	// Let the banner print and early failures surface.
	time.Sleep(h.startupSettle)
	select {
	case <-exited:
		h.stdin.Close()
		h.cmd = nil
		h.stdin = nil
		return fmt.Errorf("agent %s exited during startup", h.name)
	default:
	}

	h.logger.Info("agent started", zap.Int("pid", cmd.Process.Pid))
	h.publish(events.AgentStarted, map[string]interface{}{"pid": cmd.Process.Pid})
	return nil
}

// readOutput drains the combined output stream into the buffer.
func (h *Handle) readOutput(r io.ReadCloser, wg *sync.WaitGroup) {
	defer wg.Done()
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.bufMu.Lock()
		h.buffer = append(h.buffer, line)
		h.bufMu.Unlock()
		h.logger.Debug("agent output", zap.String("line", line))
	}
	if err := scanner.Err(); err != nil {
		h.logger.Debug("output reader error", zap.Error(err))
	}
}

// waitForExit reaps the process and marks the handle dead.
func (h *Handle) waitForExit(cmd *exec.Cmd, exited chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(exited)

	if err := cmd.Wait(); err != nil {
		h.logger.Info("agent exited", zap.Error(err))
	} else {
		h.logger.Info("agent exited")
	}
}

// Send forwards one request to the agent and waits for its reply. Multi-line
// input is collapsed to a single line before transmission. The bool reports
// whether a result is present; on false the handle has already arranged to
// self-heal, so the caller just drops the request.
func (h *Handle) Send(text string) (string, bool) {
	line := stringutil.CollapseLine(text)

	h.mu.Lock()
	if err := h.startLocked(); err != nil {
		h.mu.Unlock()
		h.logger.Error("agent unavailable", zap.Error(err))
		return "", false
	}

	h.clearBuffer()

	if IsResetCommand(stripLeadingTag(line)) {
		out, ok := h.resetLocked()
		h.mu.Unlock()
		return out, ok
	}

	// "resume [request]" re-seeds a restarted agent from its completion
	// log. A bare "resume" keeps the literal word as the current request.
	if lowered := strings.ToLower(line); strings.HasPrefix(lowered, "resume") {
		remaining := strings.TrimSpace(line[len("resume"):])
		if remaining != "" {
			line = remaining
		}
		if h.logName != "" && h.history != nil {
			if summary := h.history.ContextSummary(h.logName); summary != "" {
				line = summary + " | Now: " + line
				h.logger.Info("resumed with history context", zap.String("log", h.logName))
			}
		}
	}

	h.fresh = false
	stdin := h.stdin
	h.mu.Unlock()

	if err := writeLine(stdin, line); err != nil {
		if isPipeBroken(err) {
			h.logger.Warn("agent pipe broken, will restart on next request")
			h.publish(events.AgentPipeBreak, nil)
			h.discard()
		} else {
			h.logger.Error("failed to write to agent", zap.Error(err))
		}
		return "", false
	}

	h.logger.Info("sent to agent", zap.String("text", stringutil.TruncateString(line, 50)))
	return h.awaitQuiescence(), true
}

// resetLocked forwards the fixed clear token and returns whatever the agent
// printed back, or the placeholder when it printed nothing. The fresh flag is
// left alone: clearing in-agent context is not a restart. A failed write also
// answers with the placeholder; the process is kept and the next send deals
// with it.
func (h *Handle) resetLocked() (string, bool) {
	if err := writeLine(h.stdin, clearToken); err != nil {
		h.logger.Warn("failed to send clear token", zap.Error(err))
		return ClearedPlaceholder, true
	}
	h.logger.Info("sent clear token")
	time.Sleep(h.clearSettle)

	h.bufMu.Lock()
	out := strings.Join(h.buffer, "\n")
	h.bufMu.Unlock()
	if out == "" {
		out = ClearedPlaceholder
	}
	return out, true
}

// awaitQuiescence watches the output buffer settle: after an initial delay
// the line count is sampled at a fixed interval until it holds still for a
// number of consecutive samples. That silence is the completion signal;
// agents print their reply and then block on the next stdin line.
func (h *Handle) awaitQuiescence() string {
	time.Sleep(h.quiesceInitial)

	last := -1
	stable := 0
	for stable < h.quiesceSamples {
		h.bufMu.Lock()
		count := len(h.buffer)
		h.bufMu.Unlock()

		if count == last {
			stable++
		} else {
			stable = 0
			last = count
		}
		time.Sleep(h.quiesceInterval)
	}

	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	return strings.Join(h.buffer, "\n")
}

// Stop asks the agent to exit, then kills its process group after the grace
// period. Idempotent.
func (h *Handle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Handle) stopLocked() {
	if !h.aliveLocked() {
		if h.stdin != nil {
			h.stdin.Close()
		}
		h.cmd = nil
		h.stdin = nil
		return
	}

	pid := h.cmd.Process.Pid
	h.logger.Info("stopping agent", zap.Int("pid", pid))

	if err := writeLine(h.stdin, exitToken); err == nil {
		select {
		case <-h.exited:
		case <-time.After(h.stopGrace):
			h.logger.Warn("agent ignored exit token, killing process group")
			_ = unix.Kill(-pid, unix.SIGKILL)
		}
	} else {
		_ = unix.Kill(-pid, unix.SIGKILL)
	}

	h.stdin.Close()
	h.wg.Wait()
	h.cmd = nil
	h.stdin = nil
	h.publish(events.AgentStopped, map[string]interface{}{"pid": pid})
}

// discard drops a dead process without joining anything; the next send
// respawns the agent.
func (h *Handle) discard() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdin != nil {
		h.stdin.Close()
	}
	h.cmd = nil
	h.stdin = nil
}

// Fresh reports whether the agent has seen no requests since its last spawn.
func (h *Handle) Fresh() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fresh
}

// Running reports whether the agent process is alive.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aliveLocked()
}

// State returns a snapshot for the status API.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := State{
		Name:  h.name,
		Fresh: h.fresh,
	}
	if h.aliveLocked() {
		st.Running = true
		st.PID = h.cmd.Process.Pid
	}
	return st
}

// aliveLocked reports whether the spawned process is still running. Callers
// must hold h.mu.
func (h *Handle) aliveLocked() bool {
	if h.cmd == nil || h.cmd.Process == nil {
		return false
	}
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

func (h *Handle) clearBuffer() {
	h.bufMu.Lock()
	h.buffer = nil
	h.bufMu.Unlock()
}

func (h *Handle) publish(eventType string, data map[string]interface{}) {
	if h.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["agent"] = h.name
	ev := bus.NewEvent(eventType, "agent", data)
	_ = h.bus.Publish(context.Background(), events.Subject(eventType), ev)
}

func writeLine(w io.Writer, line string) error {
	if w == nil {
		return io.ErrClosedPipe
	}
	_, err := io.WriteString(w, line+"\n")
	return err
}

func isPipeBroken(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
