package agent

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentos/agentos/internal/common/config"
	"github.com/agentos/agentos/internal/common/logger"
	"github.com/agentos/agentos/internal/events/bus"
	"github.com/agentos/agentos/internal/history"
	"github.com/agentos/agentos/internal/registry"
)

// Manager holds one Handle per agent-backed channel, keyed by agent name.
// Two channels naming the same agent share a handle.
type Manager struct {
	handles map[string]*Handle
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewManager builds handles for every agent channel in the registry.
func NewManager(reg *registry.Registry, cfg config.AgentsConfig, hist *history.Store, eventBus bus.EventBus, log *logger.Logger) *Manager {
	m := &Manager{
		handles: make(map[string]*Handle),
		logger:  log.WithFields(zap.String("component", "agent-manager")),
	}
	for _, ch := range reg.List() {
		if ch.Handler != registry.HandlerAgent {
			continue
		}
		if _, exists := m.handles[ch.Agent]; exists {
			continue
		}
		m.handles[ch.Agent] = NewHandle(ch, cfg, hist, eventBus, log)
		m.logger.Info("registered agent", zap.String("agent", ch.Agent), zap.String("channel", ch.File))
	}
	return m
}

// Get returns the handle for an agent name.
func (m *Manager) Get(name string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[name]
	return h, ok
}

// StopAll stops every agent. Called on daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.handles {
		h.Stop()
	}
}

// States returns a snapshot of every agent, sorted by name.
func (m *Manager) States() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]State, 0, len(m.handles))
	for _, h := range m.handles {
		states = append(states, h.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}
