package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentos/agentos/internal/agent"
	"github.com/agentos/agentos/internal/common/config"
	"github.com/agentos/agentos/internal/common/logger"
	"github.com/agentos/agentos/internal/events"
	"github.com/agentos/agentos/internal/events/bus"
	"github.com/agentos/agentos/internal/history"
	"github.com/agentos/agentos/internal/modelserver"
	"github.com/agentos/agentos/internal/registry"
	"github.com/agentos/agentos/internal/watcher"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

type apiFixture struct {
	server        *Server
	history       *history.Store
	bus           *bus.MemoryEventBus
	transcriptDir string
}

func newTestServer(t *testing.T) *apiFixture {
	t.Helper()

	log := testLogger(t)
	reg := registry.NewRegistry(log)
	reg.LoadDefaults()

	hist := history.NewStore(config.HistoryConfig{
		Dir:              t.TempDir(),
		MaxEntries:       50,
		MaxResponseChars: 500,
		DedupWindowMs:    5000,
		ContextEntries:   5,
	}, log)

	agents := agent.NewManager(reg, config.AgentsConfig{BinDir: t.TempDir()}, hist, nil, log)
	arbiter := modelserver.NewServer(config.ModelsConfig{
		ServerBinary: "llama-server",
		KillPattern:  "agentos-api-test-no-such-process",
		TextPort:     65022,
	}, nil, log)

	transcriptDir := t.TempDir()
	w := watcher.NewWatcher(config.WatcherConfig{TranscriptDir: transcriptDir, PollIntervalMs: 1000}, reg, nil, nil, nil, log)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	s := NewServer(config.APIConfig{Enabled: true, Host: "127.0.0.1", Port: 0, ReadTimeout: 5, WriteTimeout: 5}, Deps{
		Registry:      reg,
		Agents:        agents,
		Arbiter:       arbiter,
		Watcher:       w,
		History:       hist,
		Bus:           eventBus,
		TranscriptDir: transcriptDir,
	}, log)

	return &apiFixture{server: s, history: hist, bus: eventBus, transcriptDir: transcriptDir}
}

func (fx *apiFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	fx.server.Router().ServeHTTP(w, req)
	return w
}

func (fx *apiFixture) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	fx.server.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	fx := newTestServer(t)

	w := fx.get(t, "/health")

	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestStatus(t *testing.T) {
	fx := newTestServer(t)

	w := fx.get(t, "/api/v1/status")

	require.Equal(t, http.StatusOK, w.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Uptime)
	require.Len(t, resp.Agents, 2)
	assert.Equal(t, "agent", resp.Agents[0].Name)
	assert.False(t, resp.Agents[0].Running)
	require.Len(t, resp.Channels, 3)
	assert.False(t, resp.Server.Suspended)
}

func TestChannels(t *testing.T) {
	fx := newTestServer(t)

	w := fx.get(t, "/api/v1/channels")

	require.Equal(t, http.StatusOK, w.Code)
	var resp ChannelsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Channels, 3)
	assert.Equal(t, "main.txt", resp.Channels[0].File)
	assert.Equal(t, "coding.txt", resp.Channels[1].File)
	assert.Equal(t, "capture.txt", resp.Channels[2].File)
}

func TestHistoryEndpoint(t *testing.T) {
	fx := newTestServer(t)
	require.NoError(t, fx.history.Append("main-history.json", "turn on the lights", "the lights in the living room are now on and set to a warm white"))
	require.NoError(t, fx.history.Append("main-history.json", "play some jazz", "now playing a jazz playlist on the kitchen speaker at volume forty"))

	t.Run("known channel", func(t *testing.T) {
		w := fx.get(t, "/api/v1/history/main.txt")

		require.Equal(t, http.StatusOK, w.Code)
		var resp HistoryResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Entries, 2)
		assert.Equal(t, "turn on the lights", resp.Entries[0].Request)
	})

	t.Run("limit", func(t *testing.T) {
		w := fx.get(t, "/api/v1/history/main.txt?limit=1")

		var resp HistoryResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Entries, 1)
		assert.Equal(t, "play some jazz", resp.Entries[0].Request, "limit keeps the newest entries")
	})

	t.Run("channel without history binding", func(t *testing.T) {
		w := fx.get(t, "/api/v1/history/capture.txt")

		require.Equal(t, http.StatusOK, w.Code)
		var resp HistoryResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Empty(t, resp.Entries)
	})

	t.Run("unknown channel", func(t *testing.T) {
		w := fx.get(t, "/api/v1/history/nope.txt")

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestMessageEndpoint(t *testing.T) {
	fx := newTestServer(t)

	t.Run("writes the trigger file", func(t *testing.T) {
		w := fx.post(t, "/api/v1/message", `{"channel": "main.txt", "text": "dim the bedroom lights"}`)

		require.Equal(t, http.StatusOK, w.Code)
		data, err := os.ReadFile(filepath.Join(fx.transcriptDir, "main.txt"))
		require.NoError(t, err)
		assert.Equal(t, "dim the bedroom lights", string(data))
	})

	t.Run("empty text", func(t *testing.T) {
		w := fx.post(t, "/api/v1/message", `{"channel": "main.txt", "text": "   "}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown channel", func(t *testing.T) {
		w := fx.post(t, "/api/v1/message", `{"channel": "nope.txt", "text": "hello"}`)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		w := fx.post(t, "/api/v1/message", `{"channel": `)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAgentRestartEndpoint(t *testing.T) {
	fx := newTestServer(t)

	t.Run("known agent", func(t *testing.T) {
		// Stopping a never-started handle is a no-op; the endpoint's contract
		// is that the next request respawns the agent.
		w := fx.post(t, "/api/v1/agents/agent/restart", `{}`)

		require.Equal(t, http.StatusOK, w.Code)
		var resp RestartResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
	})

	t.Run("unknown agent", func(t *testing.T) {
		w := fx.post(t, "/api/v1/agents/nope/restart", `{}`)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestEventStream(t *testing.T) {
	fx := newTestServer(t)

	ts := httptest.NewServer(fx.server.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events/stream?subject=agentos.agent.%3E"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Publish until the stream's subscription is live and a frame arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				e := bus.NewEvent(events.AgentStarted, "test", map[string]interface{}{"agent": "agent"})
				_ = fx.bus.Publish(context.Background(), events.Subject(events.AgentStarted), e)
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got bus.Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, events.AgentStarted, got.Type)
	assert.Equal(t, "agent", got.Data["agent"])
}
