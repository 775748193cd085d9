// Package watcher polls the trigger files and hands changed content to the
// router. Polling is deliberate: the trigger directory may live on a
// filesystem where inotify is unreliable, and a 1s cadence is plenty for a
// voice pipeline.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentos/agentos/internal/common/config"
	"github.com/agentos/agentos/internal/common/logger"
	"github.com/agentos/agentos/internal/common/stringutil"
	"github.com/agentos/agentos/internal/events"
	"github.com/agentos/agentos/internal/events/bus"
	"github.com/agentos/agentos/internal/registry"
)

// Dispatcher services one trigger change.
type Dispatcher interface {
	Route(ctx context.Context, ch *registry.ChannelConfig, rawText string)
}

// Warmer is the pre-warm slice of the model arbiter.
type Warmer interface {
	EnsureRunning(ctx context.Context) error
}

// Watcher owns the poll loop and the per-channel change bookkeeping.
type Watcher struct {
	cfg      config.WatcherConfig
	registry *registry.Registry
	router   Dispatcher
	warmer   Warmer
	bus      bus.EventBus
	logger   *logger.Logger

	startedAt time.Time
	mu        sync.Mutex
	mtimes    map[string]time.Time
	contents  map[string]string
}

// ChannelState is one channel's watch bookkeeping, exposed by the status API.
type ChannelState struct {
	File        string    `json:"file"`
	Handler     string    `json:"handler"`
	Agent       string    `json:"agent,omitempty"`
	History     string    `json:"history,omitempty"`
	Seen        bool      `json:"seen"`
	LastModTime time.Time `json:"last_mtime"`
	LastContent string    `json:"last_content,omitempty"`
}

// NewWatcher creates a watcher. Content already on disk at this moment is
// treated as stale: recorded on first sight, never dispatched.
func NewWatcher(cfg config.WatcherConfig, reg *registry.Registry, router Dispatcher, warmer Warmer, eventBus bus.EventBus, log *logger.Logger) *Watcher {
	return &Watcher{
		cfg:       cfg,
		registry:  reg,
		router:    router,
		warmer:    warmer,
		bus:       eventBus,
		logger:    log,
		startedAt: time.Now(),
		mtimes:    make(map[string]time.Time),
		contents:  make(map[string]string),
	}
}

// Run polls until the context is cancelled. The model server is pre-warmed
// once so the first request does not pay the full spawn-and-health wait.
func (w *Watcher) Run(ctx context.Context) error {
	if w.warmer != nil {
		if err := w.warmer.EnsureRunning(ctx); err != nil {
			w.logger.Warn("model server pre-warm failed", zap.Error(err))
		}
	}

	w.logger.Info("watching for trigger changes",
		zap.String("dir", w.cfg.TranscriptDir),
		zap.Duration("interval", w.cfg.PollInterval()),
	)

	ticker := time.NewTicker(w.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopping")
			return ctx.Err()
		case <-ticker.C:
			w.PollOnce(ctx)
		}
	}
}

// PollOnce runs one pass over the channels in service order.
func (w *Watcher) PollOnce(ctx context.Context) {
	for _, ch := range w.registry.List() {
		w.pollChannel(ctx, ch)
	}
}

func (w *Watcher) pollChannel(ctx context.Context, ch *registry.ChannelConfig) {
	path := filepath.Join(w.cfg.TranscriptDir, ch.File)

	info, err := os.Stat(path)
	if err != nil {
		// Missing trigger file: the channel is simply idle.
		return
	}
	mtime := info.ModTime()

	w.mu.Lock()
	last, seen := w.mtimes[ch.File]
	if seen && !mtime.After(last) {
		w.mu.Unlock()
		return
	}
	w.mtimes[ch.File] = mtime
	w.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Debug("trigger read failed", zap.String("file", ch.File), zap.Error(err))
		return
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return
	}

	w.mu.Lock()
	if content == w.contents[ch.File] {
		// An mtime-only bump: same text rewritten or touched.
		w.mu.Unlock()
		return
	}
	w.contents[ch.File] = content
	w.mu.Unlock()

	if !mtime.After(w.startedAt) {
		// Content left over from a previous run. Recording it above means a
		// later touch of the same text still does not dispatch.
		w.logger.Info("ignoring stale trigger content", zap.String("file", ch.File))
		w.publish(events.TriggerStale, map[string]interface{}{"channel": ch.File})
		return
	}

	w.logger.Info("trigger changed",
		zap.String("file", ch.File),
		zap.String("preview", stringutil.TruncateString(content, 80)),
	)
	w.publish(events.TriggerDetected, map[string]interface{}{
		"channel": ch.File,
		"preview": stringutil.TruncateString(content, 80),
	})

	w.router.Route(ctx, ch, content)
}

// StartedAt reports when this watcher began treating content as fresh.
func (w *Watcher) StartedAt() time.Time {
	return w.startedAt
}

// States returns the per-channel watch bookkeeping in service order.
func (w *Watcher) States() []ChannelState {
	w.mu.Lock()
	defer w.mu.Unlock()

	var states []ChannelState
	for _, ch := range w.registry.List() {
		st := ChannelState{
			File:    ch.File,
			Handler: ch.Handler,
			Agent:   ch.Agent,
			History: ch.History,
		}
		if mtime, ok := w.mtimes[ch.File]; ok {
			st.Seen = true
			st.LastModTime = mtime
		}
		st.LastContent = stringutil.TruncateString(w.contents[ch.File], 80)
		states = append(states, st)
	}
	return states
}

func (w *Watcher) publish(eventType string, data map[string]interface{}) {
	if w.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "watcher", data)
	if err := w.bus.Publish(context.Background(), events.Subject(eventType), event); err != nil {
		w.logger.Debug("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
