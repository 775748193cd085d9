package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentos/agentos/internal/common/config"
	"github.com/agentos/agentos/internal/events/bus"
	"github.com/agentos/agentos/internal/registry"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	log := testLogger(t)
	reg := registry.NewRegistry(log)
	reg.LoadDefaults()
	return NewManager(reg, config.AgentsConfig{BinDir: t.TempDir()}, nil, bus.NewMemoryEventBus(log), log)
}

func TestManagerBuildsHandlesForAgentChannels(t *testing.T) {
	m := testManager(t)

	h, ok := m.Get("agent")
	require.True(t, ok)
	assert.Equal(t, "agent", h.Name())

	_, ok = m.Get("code-agent")
	require.True(t, ok)

	// Capture channels have no agent.
	_, ok = m.Get("")
	assert.False(t, ok)
	_, ok = m.Get("no-such-agent")
	assert.False(t, ok)
}

func TestManagerStates(t *testing.T) {
	m := testManager(t)

	states := m.States()
	require.Len(t, states, 2)
	assert.Equal(t, "agent", states[0].Name)
	assert.Equal(t, "code-agent", states[1].Name)
	for _, st := range states {
		assert.False(t, st.Running)
		assert.True(t, st.Fresh)
		assert.Zero(t, st.PID)
	}
}

func TestManagerStopAllWithoutStart(t *testing.T) {
	m := testManager(t)
	// Nothing was spawned; StopAll must still be safe.
	m.StopAll()
	for _, st := range m.States() {
		assert.False(t, st.Running)
	}
}
