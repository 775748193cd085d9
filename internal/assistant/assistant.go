// Package assistant hands tagged requests to an external assistant CLI,
// keeping a rolling context file so consecutive requests form one
// conversation.
package assistant

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentos/agentos/internal/common/config"
	"github.com/agentos/agentos/internal/common/logger"
	"github.com/agentos/agentos/internal/common/stringutil"
	"github.com/agentos/agentos/internal/events"
	"github.com/agentos/agentos/internal/events/bus"
)

// Tag is the routing prefix that sends a request to the assistant instead of
// a persistent agent.
const Tag = "[CLAUDE]"

// AnalysisFile is written into the target directory by the analyse command.
const AnalysisFile = "PROJECT_ANALYSIS.md"

// trimMarker prefixes the context file after it was cut down to the cap.
const trimMarker = "...(earlier context trimmed)...\n\n"

// compactFloor is the context size below which compaction is pointless.
const compactFloor = 500

var (
	resetCommands = map[string]struct{}{
		"reset":         {},
		"reset context": {},
		"clear context": {},
		"clear":         {},
		"forget":        {},
	}

	compactCommands = map[string]struct{}{
		"compact":           {},
		"compact context":   {},
		"summarize context": {},
		"compress":          {},
	}

	analysePrefixes = []string{"analyse", "analyze", "crawl"}

	projectTagRE = regexp.MustCompile(`\[PROJECT:\s*([^\]]+)\]\s*`)
)

// Source file extensions gathered by the analyse command, and directories it
// never descends into.
var (
	analyseExtensions = []string{
		".py", ".ts", ".tsx", ".js", ".jsx", ".sol", ".go", ".rs",
		".cpp", ".c", ".h", ".java", ".md", ".json", ".yaml", ".yml", ".toml",
	}
	analyseExcludedDirs = map[string]struct{}{
		"node_modules": {},
		".git":         {},
		"artifacts":    {},
		"dist":         {},
		"build":        {},
		"__pycache__":  {},
		".next":        {},
		"venv":         {},
		".venv":        {},
		"env":          {},
	}
)

const (
	analyseMaxFiles    = 50
	analyseMaxLines    = 100
	analyseCorpusLimit = 15000
)

const requestPromptFmt = `You have previous conversation context below. Use it to understand references to earlier topics.

=== PREVIOUS CONTEXT ===
%s
=== END CONTEXT ===

Current request: %s

Respond to the current request, using context from our previous conversation if relevant.`

const compactPromptFmt = `Summarize this conversation history into a compact form that preserves:
1. Key topics discussed
2. Important decisions made
3. Any ongoing tasks or projects mentioned
4. Technical details that might be referenced later

Keep it concise but retain enough detail to continue the conversation naturally.

=== CONVERSATION HISTORY ===
%s
=== END HISTORY ===

Provide a compact summary:`

const analysisPromptFmt = `You are analyzing a codebase at '%s'. Based on the code files below, write a comprehensive project analysis that includes:

1. **Project Overview** - What is this project? What problem does it solve?
2. **Architecture** - What are the main components (backend, frontend, mobile, blockchain, etc.)?
3. **Tech Stack** - What languages, frameworks, and tools are used?
4. **Key Features** - What functionality does this project provide?
5. **Project Structure** - How is the code organized?
6. **Entry Points** - Where does the application start? Main files?

Be detailed and specific based on the actual code you see:

%s`

// Assistant wraps the external CLI. Every failure degrades to an error
// string result; the daemon never dies because the CLI did.
type Assistant struct {
	cfg    config.AssistantConfig
	bus    bus.EventBus
	logger *logger.Logger

	// Call timeouts, overridable in tests.
	timeout        time.Duration
	compactTimeout time.Duration
}

// New builds the assistant wrapper.
func New(cfg config.AssistantConfig, eventBus bus.EventBus, log *logger.Logger) *Assistant {
	return &Assistant{
		cfg:            cfg,
		bus:            eventBus,
		logger:         log.WithFields(zap.String("component", "assistant")),
		timeout:        cfg.TimeoutDuration(),
		compactTimeout: cfg.CompactTimeoutDuration(),
	}
}

// Process services one assistant request and returns the reply text. Control
// commands (reset, compact, analyse) are recognized on the content as
// received; the project tag only moves the working directory of a real CLI
// call.
func (a *Assistant) Process(ctx context.Context, content string) string {
	content = strings.TrimSpace(content)
	lowered := strings.ToLower(content)

	a.publish(events.AssistantRequest, map[string]interface{}{
		"preview": stringutil.TruncateString(content, 80),
	})

	if _, ok := resetCommands[lowered]; ok {
		return a.reset()
	}
	if _, ok := compactCommands[lowered]; ok {
		return a.compact(ctx)
	}

	projectDir := a.cfg.WorkspaceDir
	if m := projectTagRE.FindStringSubmatch(content); m != nil {
		projectDir = strings.TrimSpace(m[1])
		content = strings.TrimSpace(projectTagRE.ReplaceAllString(content, ""))
	}

	for _, p := range analysePrefixes {
		if strings.HasPrefix(lowered, p) {
			return a.analyse(ctx, projectDir, content)
		}
	}

	return a.request(ctx, projectDir, content)
}

// reset deletes the context file.
func (a *Assistant) reset() string {
	if err := os.Remove(a.cfg.ContextFile); err != nil && !os.IsNotExist(err) {
		a.logger.Warn("failed to remove context file", zap.Error(err))
	}
	a.logger.Info("assistant context cleared")
	a.publish(events.ContextCleared, nil)
	return "Context cleared"
}

// compact rewrites the context file as a CLI-produced summary.
func (a *Assistant) compact(ctx context.Context) string {
	data, err := os.ReadFile(a.cfg.ContextFile)
	if err != nil {
		return "No context to compact"
	}
	current := string(data)
	if len(current) < compactFloor {
		return "Context already compact"
	}

	a.logger.Info("compacting assistant context", zap.Int("chars", len(current)))
	summary, err := a.runCLI(ctx, fmt.Sprintf(compactPromptFmt, current), a.cfg.WorkspaceDir, a.compactTimeout)
	if err != nil {
		a.logger.Error("context compaction failed", zap.Error(err))
		return "Compact failed: " + err.Error()
	}

	compacted := fmt.Sprintf("=== COMPACTED CONTEXT ===\n%s\n=== END COMPACTED ===\n\n", summary)
	if err := a.writeContext(compacted); err != nil {
		a.logger.Error("failed to write compacted context", zap.Error(err))
	}
	a.logger.Info("context compacted", zap.Int("from", len(current)), zap.Int("to", len(compacted)))
	a.publish(events.ContextCompacted, map[string]interface{}{
		"from_chars": len(current),
		"to_chars":   len(compacted),
	})
	return summary
}

// analyse walks a source tree, feeds a bounded corpus to the CLI and drops
// the result next to the code.
func (a *Assistant) analyse(ctx context.Context, projectDir, content string) string {
	target := projectDir
	if i := strings.IndexAny(content, " \t"); i >= 0 {
		if rest := strings.TrimSpace(content[i:]); rest != "" {
			target = rest
			if !filepath.IsAbs(target) {
				target = filepath.Join(projectDir, target)
			}
		}
	}

	if _, err := os.Stat(target); err != nil {
		return "Path not found: " + target
	}

	a.logger.Info("analyzing codebase", zap.String("target", target))

	corpus, fileCount := a.gatherCorpus(target)
	if fileCount == 0 {
		return "No code files found"
	}

	analysis, err := a.runCLI(ctx, fmt.Sprintf(analysisPromptFmt, target, corpus), target, a.timeout)
	if err != nil {
		a.logger.Error("analysis failed", zap.Error(err))
		return "Analysis failed: " + err.Error()
	}

	outPath := filepath.Join(target, AnalysisFile)
	if err := os.WriteFile(outPath, []byte(fmt.Sprintf("# Project Analysis\n\n%s\n", analysis)), 0644); err != nil {
		a.logger.Error("failed to write analysis", zap.Error(err))
		return "Analysis failed: " + err.Error()
	}

	a.logger.Info("analysis saved", zap.String("path", outPath), zap.Int("files", fileCount))
	a.publish(events.AnalysisCompleted, map[string]interface{}{
		"target": target,
		"files":  fileCount,
	})
	return "Analysis saved to: " + outPath
}

// gatherCorpus collects the head of every source file under target, bounded
// in files, lines and total bytes.
func (a *Assistant) gatherCorpus(target string) (string, int) {
	var sections []string

	_ = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if _, excluded := analyseExcludedDirs[d.Name()]; excluded && path != target {
				return filepath.SkipDir
			}
			return nil
		}
		if !hasAnalyseExtension(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(target, path)
		if err != nil {
			rel = path
		}
		head, err := readHead(path, analyseMaxLines)
		if err != nil {
			return nil
		}
		sections = append(sections, fmt.Sprintf("\n=== %s ===\n%s", rel, head))
		if len(sections) >= analyseMaxFiles {
			return filepath.SkipAll
		}
		return nil
	})

	corpus := strings.Join(sections, "")
	if len(corpus) > analyseCorpusLimit {
		corpus = corpus[:analyseCorpusLimit]
	}
	return corpus, len(sections)
}

// request is the default path: one CLI call with the rolling context file
// wrapped around the content.
func (a *Assistant) request(ctx context.Context, projectDir, content string) string {
	current := ""
	if data, err := os.ReadFile(a.cfg.ContextFile); err == nil {
		current = string(data)
	}

	prompt := content
	if current != "" {
		prompt = fmt.Sprintf(requestPromptFmt, current, content)
	}

	a.logger.Info("sending to assistant", zap.String("preview", stringutil.TruncateString(content, 50)))
	reply, err := a.runCLI(ctx, prompt, projectDir, a.timeout)
	if err != nil {
		a.logger.Error("assistant request failed", zap.Error(err))
		return "Claude request failed: " + err.Error()
	}

	current += fmt.Sprintf("USER: %s\nCLAUDE: %s\n\n", content, reply)
	if len(current) > a.cfg.MaxContextChars {
		current = trimMarker + current[len(current)-a.cfg.MaxContextChars:]
	}
	if err := a.writeContext(current); err != nil {
		a.logger.Warn("failed to persist context", zap.Error(err))
	}

	a.publish(events.AssistantResponse, map[string]interface{}{
		"preview": stringutil.TruncateString(reply, 80),
	})
	return reply
}

// runCLI executes one assistant CLI call in print mode.
func (a *Assistant) runCLI(ctx context.Context, prompt, dir string, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{"-p", prompt}, a.cfg.ExtraArgs...)
	cmd := exec.CommandContext(cctx, a.cfg.Command, args...)
	cmd.Dir = dir
	// Children of the CLI holding our pipes must not stall Run past the
	// deadline.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("timed out after %s", timeout)
	}
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		a.logger.Debug("assistant stderr", zap.String("stderr", msg))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (a *Assistant) writeContext(content string) error {
	if dir := filepath.Dir(a.cfg.ContextFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(a.cfg.ContextFile, []byte(content), 0644)
}

func (a *Assistant) publish(eventType string, data map[string]interface{}) {
	if a.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "assistant", data)
	_ = a.bus.Publish(context.Background(), events.Subject(eventType), ev)
}

func hasAnalyseExtension(name string) bool {
	for _, ext := range analyseExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// readHead returns the first n lines of a file.
func readHead(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for i := 0; i < n && scanner.Scan(); i++ {
		b.WriteString(scanner.Text())
		b.WriteByte('\n')
	}
	return b.String(), nil
}
