// Package router dispatches trigger-file content to the handler bound to its
// channel: a persistent agent, the capture pipeline, or the external
// assistant.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentos/agentos/internal/agent"
	"github.com/agentos/agentos/internal/assistant"
	"github.com/agentos/agentos/internal/common/config"
	"github.com/agentos/agentos/internal/common/logger"
	"github.com/agentos/agentos/internal/common/stringutil"
	"github.com/agentos/agentos/internal/events"
	"github.com/agentos/agentos/internal/events/bus"
	"github.com/agentos/agentos/internal/history"
	"github.com/agentos/agentos/internal/registry"
	"github.com/agentos/agentos/internal/tracing"
)

// Project brief limits. The brief exists to orient the agent, not to feed it
// the whole repository.
const (
	briefMaxDepth     = 3
	briefMaxFiles     = 30
	briefKeyFileChars = 2000
)

// briefExtensions are the file types worth listing in a project brief.
var briefExtensions = map[string]bool{
	".js":   true,
	".ts":   true,
	".py":   true,
	".cpp":  true,
	".md":   true,
	".json": true,
}

// briefKeyFiles are injected with content, not just listed.
var briefKeyFiles = []string{"CLAUDE.md", "README.md", "package.json"}

var projectTagRE = regexp.MustCompile(`\[PROJECT:\s*([^\]]+)\]\s*`)

// Agent is the slice of an agent handle the router forwards requests to.
type Agent interface {
	Send(text string) (string, bool)
}

// Agents resolves agent names to live handles.
type Agents interface {
	Get(name string) (Agent, bool)
}

// AgentsFunc adapts a lookup function to the Agents interface.
type AgentsFunc func(name string) (Agent, bool)

// Get calls f.
func (f AgentsFunc) Get(name string) (Agent, bool) { return f(name) }

// ModelArbiter gates GPU access for local-model work.
type ModelArbiter interface {
	EnsureRunning(ctx context.Context) error
	Suspend()
	Resume()
}

// AssistantRunner services assistant-tagged requests.
type AssistantRunner interface {
	Process(ctx context.Context, content string) string
}

// Router owns the per-request decision tree between the assistant, the
// capture pipeline, and the persistent agents.
type Router struct {
	agents    Agents
	arbiter   ModelArbiter
	assistant AssistantRunner
	history   *history.Store
	capture   config.CaptureConfig
	models    config.ModelsConfig
	bus       bus.EventBus
	logger    *logger.Logger

	// Overridable in tests.
	captureTimeout time.Duration
}

// NewRouter creates a router over the daemon's shared components.
func NewRouter(agents Agents, arbiter ModelArbiter, asst AssistantRunner, hist *history.Store, captureCfg config.CaptureConfig, modelsCfg config.ModelsConfig, eventBus bus.EventBus, log *logger.Logger) *Router {
	return &Router{
		agents:         agents,
		arbiter:        arbiter,
		assistant:      asst,
		history:        hist,
		capture:        captureCfg,
		models:         modelsCfg,
		bus:            eventBus,
		logger:         log,
		captureTimeout: captureCfg.TimeoutDuration(),
	}
}

// Route services one trigger change. Failures are logged and published, never
// returned: the daemon records the content either way, so the same text does
// not re-dispatch.
func (r *Router) Route(ctx context.Context, ch *registry.ChannelConfig, rawText string) {
	requestID := uuid.New().String()[:8]
	trimmed := strings.TrimSpace(rawText)

	handler := ch.Handler
	if strings.HasPrefix(trimmed, assistant.Tag) {
		handler = "assistant"
	}

	log := r.logger.WithFields(
		zap.String("request_id", requestID),
		zap.String("channel", ch.File),
		zap.String("handler", handler),
	)
	log.Info("dispatching request", zap.String("preview", stringutil.TruncateString(trimmed, 80)))

	ctx, span := tracing.TraceDispatch(ctx, requestID, ch.File, handler)
	defer span.End()

	r.publish(events.RequestDispatched, map[string]interface{}{
		"request_id": requestID,
		"channel":    ch.File,
		"handler":    handler,
		"preview":    stringutil.TruncateString(trimmed, 80),
	})

	switch handler {
	case "assistant":
		content := strings.TrimSpace(strings.TrimPrefix(trimmed, assistant.Tag))
		result := r.assistant.Process(ctx, content)
		log.Info("assistant responded", zap.String("preview", stringutil.TruncateString(result, 80)))
		r.appendHistory(log, ch, rawText, result)
		tracing.TraceDispatchResult(span, "assistant", nil)

	case registry.HandlerCapture:
		err := r.runCapture(ctx, log, requestID, rawText)
		tracing.TraceDispatchResult(span, "capture", err)

	case registry.HandlerAgent:
		outcome, err := r.sendToAgent(ctx, log, requestID, ch, trimmed, rawText)
		tracing.TraceDispatchResult(span, outcome, err)

	default:
		log.Warn("channel has no usable handler")
		tracing.TraceDispatchResult(span, "unhandled", nil)
	}
}

// sendToAgent runs the agent branch: the model-server gate, reset bypass,
// project-tag handling, the forward itself, and the history append.
func (r *Router) sendToAgent(ctx context.Context, log *logger.Logger, requestID string, ch *registry.ChannelConfig, trimmed, rawText string) (string, error) {
	if err := r.arbiter.EnsureRunning(ctx); err != nil {
		log.Error("model server unavailable, dropping request", zap.Error(err))
		r.publish(events.RequestFailed, map[string]interface{}{
			"request_id": requestID,
			"channel":    ch.File,
			"error":      err.Error(),
		})
		return "aborted", err
	}

	handle, exists := r.agents.Get(ch.Agent)
	if !exists {
		err := fmt.Errorf("no handle for agent %q", ch.Agent)
		log.Error("dropping request", zap.Error(err))
		r.publish(events.RequestFailed, map[string]interface{}{
			"request_id": requestID,
			"channel":    ch.File,
			"error":      err.Error(),
		})
		return "aborted", err
	}

	// Reset commands go through untouched: project-tag handling would turn
	// them into ordinary text and the agent would miss the reset.
	message := trimmed
	if !agent.IsResetCommand(message) {
		message = r.prepareMessage(ch, message)
	}

	result, present := handle.Send(message)
	if !present {
		log.Warn("agent produced no result", zap.String("agent", ch.Agent))
		return "no_result", nil
	}

	log.Info("agent responded",
		zap.String("agent", ch.Agent),
		zap.String("preview", stringutil.TruncateString(result, 80)),
	)
	r.publish(events.AgentResponse, map[string]interface{}{
		"request_id": requestID,
		"channel":    ch.File,
		"agent":      ch.Agent,
		"preview":    stringutil.TruncateString(result, 80),
	})

	// The log keeps the trigger text as received, not the prepared message.
	r.appendHistory(log, ch, rawText, result)
	return "forwarded", nil
}

// runCapture services a capture channel: suspend the model server, feed the
// raw text to the capture command on stdin, and resume no matter how the
// command fared.
func (r *Router) runCapture(ctx context.Context, log *logger.Logger, requestID string, rawText string) error {
	if len(r.capture.Command) == 0 {
		err := errors.New("capture channel has no command configured")
		log.Warn("dropping capture request", zap.Error(err))
		r.publish(events.CaptureFailed, map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		})
		return err
	}

	r.arbiter.Suspend()
	defer r.arbiter.Resume()

	r.publish(events.CaptureStarted, map[string]interface{}{
		"request_id": requestID,
	})

	cctx, cancel := context.WithTimeout(ctx, r.captureTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, r.capture.Command[0], r.capture.Command[1:]...)
	cmd.Stdin = strings.NewReader(rawText)
	// The vision server belongs to the capture command; tell it which model
	// to serve and on which port while the text server is suspended.
	cmd.Env = append(os.Environ(),
		"AGENTOS_VISION_MODEL="+r.models.VisionModel,
		fmt.Sprintf("AGENTOS_VISION_PORT=%d", r.models.VisionPort),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children of the capture command holding our pipes must not stall Run
	// past the deadline.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("capture command timed out after %s", r.captureTimeout)
	}
	if err != nil {
		log.Error("capture failed", zap.Error(err), zap.String("stderr", stringutil.TruncateString(stderr.String(), 200)))
		r.publish(events.CaptureFailed, map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		})
		return err
	}

	log.Info("capture completed", zap.String("output", stringutil.TruncateString(strings.TrimSpace(stdout.String()), 200)))
	if stderr.Len() > 0 {
		log.Warn("capture stderr", zap.String("stderr", stringutil.TruncateString(stderr.String(), 200)))
	}
	r.publish(events.CaptureCompleted, map[string]interface{}{
		"request_id": requestID,
	})
	return nil
}

// prepareMessage normalizes a project tag to a single leading prefix and,
// for brief-enabled channels, appends the project brief.
func (r *Router) prepareMessage(ch *registry.ChannelConfig, text string) string {
	m := projectTagRE.FindStringSubmatch(text)
	if m == nil {
		return text
	}

	projectPath := strings.TrimSpace(m[1])
	rest := strings.TrimSpace(projectTagRE.ReplaceAllString(text, ""))
	message := "[PROJECT: " + projectPath + "] " + rest

	if ch.ProjectBrief {
		if brief := r.projectBrief(projectPath); brief != "" {
			message += brief
		}
	}
	return message
}

// projectBrief builds the single-line context block for a tagged request:
// the file listing plus key-file excerpts.
func (r *Router) projectBrief(root string) string {
	files := listProjectFiles(root)
	if len(files) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(" | PROJECT FILES: ")
	b.WriteString(strings.Join(files, ", "))

	for _, name := range briefKeyFiles {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		head := string(data)
		if len(head) > briefKeyFileChars {
			head = head[:briefKeyFileChars]
		}
		b.WriteString(" | ")
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(stringutil.CollapseLine(head))
	}

	r.logger.Debug("injected project brief", zap.String("project", root), zap.Int("files", len(files)))
	return b.String()
}

// listProjectFiles walks a project up to briefMaxDepth levels and returns
// relative paths of source-like files, capped at briefMaxFiles.
func listProjectFiles(root string) []string {
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			if strings.Count(rel, string(filepath.Separator)) >= briefMaxDepth-1 {
				return fs.SkipDir
			}
			return nil
		}
		if !briefExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		files = append(files, rel)
		if len(files) >= briefMaxFiles {
			return fs.SkipAll
		}
		return nil
	})
	return files
}

func (r *Router) appendHistory(log *logger.Logger, ch *registry.ChannelConfig, request, response string) {
	if ch.History == "" || response == "" {
		return
	}
	if err := r.history.Append(ch.History, request, response); err != nil {
		log.Warn("failed to append history", zap.String("log", ch.History), zap.Error(err))
	}
}

func (r *Router) publish(eventType string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "router", data)
	if err := r.bus.Publish(context.Background(), events.Subject(eventType), event); err != nil {
		r.logger.Debug("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
