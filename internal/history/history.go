// Package history maintains the per-channel completion logs: small JSON
// files that double as the daemon's conversational memory.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentos/agentos/internal/common/config"
	"github.com/agentos/agentos/internal/common/logger"
	"github.com/agentos/agentos/internal/common/stringutil"
)

// Entry is one request/response exchange in a completion log.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Request   string    `json:"request"`
	Response  string    `json:"response"`
}

// noiseMarkers flag short responses that carry no information worth
// remembering: prompt echoes, thinking markers, common failure phrases.
var noiseMarkers = []string{
	">>>",
	"[thinking...]",
	"unknown command",
	"error:",
	"failed:",
	"traceback",
	"connection refused",
	"timed out",
	"broken pipe",
}

// Store reads and writes completion logs under one directory. Log files are
// JSON arrays, newest entry last, rewritten wholly on each append. The file
// format is read by external viewers and must stay stable.
type Store struct {
	dir              string
	maxEntries       int
	maxResponseChars int
	dedupWindow      time.Duration
	contextEntries   int
	logger           *logger.Logger
	mu               sync.Mutex
}

// NewStore creates a Store over cfg.Dir.
func NewStore(cfg config.HistoryConfig, log *logger.Logger) *Store {
	return &Store{
		dir:              cfg.Dir,
		maxEntries:       cfg.MaxEntries,
		maxResponseChars: cfg.MaxResponseChars,
		dedupWindow:      cfg.DedupWindow(),
		contextEntries:   cfg.ContextEntries,
		logger:           log,
	}
}

// Path returns the absolute path of a named log file.
func (s *Store) Path(logName string) string {
	return filepath.Join(s.dir, logName)
}

// Append records an exchange in the named log. Noise responses are dropped,
// responses are ANSI-stripped and truncated, and a request identical to the
// newest entry's within the dedup window is skipped.
func (s *Store) Append(logName, request, response string) error {
	request = strings.TrimSpace(request)
	clean := strings.TrimSpace(stringutil.StripANSI(response))
	if s.isNoise(clean) {
		s.logger.Debug("skipping noise response",
			zap.String("log", logName),
			zap.Int("chars", len(clean)))
		return nil
	}
	clean = stringutil.TruncateStringWithEllipsis(clean, s.maxResponseChars)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load(logName)

	if len(entries) > 0 {
		last := entries[len(entries)-1]
		sameRequest := stringutil.CollapseLine(last.Request) == stringutil.CollapseLine(request)
		if sameRequest && time.Since(last.Timestamp) <= s.dedupWindow {
			s.logger.Debug("skipping duplicate request",
				zap.String("log", logName))
			return nil
		}
	}

	entries = append(entries, Entry{
		Timestamp: time.Now(),
		Request:   request,
		Response:  clean,
	})
	if len(entries) > s.maxEntries {
		entries = entries[len(entries)-s.maxEntries:]
	}

	return s.save(logName, entries)
}

// Entries returns the newest entries of a log, oldest first. A limit <= 0
// returns everything.
func (s *Store) Entries(logName string, limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load(logName)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

// ContextSummary renders the newest entries of a log as a single line for
// re-seeding a restarted agent: "Previous: [date] request | [date] request".
// Returns "" when the log is missing or empty.
func (s *Store) ContextSummary(logName string) string {
	s.mu.Lock()
	entries := s.load(logName)
	s.mu.Unlock()

	if len(entries) == 0 {
		return ""
	}
	if len(entries) > s.contextEntries {
		entries = entries[len(entries)-s.contextEntries:]
	}

	parts := make([]string, 0, len(entries))
	for _, entry := range entries {
		req := strings.ReplaceAll(stringutil.TruncateString(entry.Request, 80), "\n", " ")
		parts = append(parts, fmt.Sprintf("[%s] %s", entry.Timestamp.Format("2006-01-02"), req))
	}
	return "Previous: " + strings.Join(parts, " | ")
}

// isNoise reports whether a cleaned response should be kept out of the log:
// empty, or short and essentially one of the known noise markers.
func (s *Store) isNoise(clean string) bool {
	if clean == "" {
		return true
	}
	if len(clean) >= 100 || strings.Count(clean, "\n") >= 3 {
		return false
	}
	lower := strings.ToLower(clean)
	for _, marker := range noiseMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// load reads a log file, tolerating a missing or corrupt file as empty.
func (s *Store) load(logName string) []Entry {
	data, err := os.ReadFile(s.Path(logName))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read completion log",
				zap.String("log", logName),
				zap.Error(err))
		}
		return nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("corrupt completion log, starting fresh",
			zap.String("log", logName),
			zap.Error(err))
		return nil
	}
	return entries
}

// save rewrites a log file wholly.
func (s *Store) save(logName string, entries []Entry) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create history dir: %w", err)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal completion log: %w", err)
	}
	if err := os.WriteFile(s.Path(logName), data, 0644); err != nil {
		return fmt.Errorf("failed to write completion log: %w", err)
	}
	return nil
}
