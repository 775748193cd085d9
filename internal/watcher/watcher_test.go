package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/agentos/agentos/internal/common/config"
	"github.com/agentos/agentos/internal/common/logger"
	"github.com/agentos/agentos/internal/events"
	"github.com/agentos/agentos/internal/events/bus"
	"github.com/agentos/agentos/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

type dispatchRecord struct {
	channel string
	text    string
}

type fakeRouter struct {
	mu         sync.Mutex
	dispatches []dispatchRecord
}

func (f *fakeRouter) Route(ctx context.Context, ch *registry.ChannelConfig, rawText string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatches = append(f.dispatches, dispatchRecord{channel: ch.File, text: rawText})
}

func (f *fakeRouter) all() []dispatchRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchRecord(nil), f.dispatches...)
}

type fakeWarmer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeWarmer) EnsureRunning(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeWarmer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type watcherFixture struct {
	watcher *Watcher
	router  *fakeRouter
	warmer  *fakeWarmer
	dir     string
}

func newTestWatcher(t *testing.T, eventBus bus.EventBus) *watcherFixture {
	t.Helper()

	log := testLogger(t)
	reg := registry.NewRegistry(log)
	reg.LoadDefaults()

	fx := &watcherFixture{
		router: &fakeRouter{},
		warmer: &fakeWarmer{},
		dir:    t.TempDir(),
	}
	cfg := config.WatcherConfig{TranscriptDir: fx.dir, PollIntervalMs: 10}
	fx.watcher = NewWatcher(cfg, reg, fx.router, fx.warmer, eventBus, log)
	return fx
}

// writeTrigger writes a trigger file with an explicit mtime so tests control
// fresh-versus-stale deterministically.
func (fx *watcherFixture) writeTrigger(t *testing.T, name, content string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(fx.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestPollDispatchesNewContent(t *testing.T) {
	fx := newTestWatcher(t, nil)
	future := time.Now().Add(time.Hour)

	fx.writeTrigger(t, "main.txt", "turn on the lights\n", future)
	fx.watcher.PollOnce(context.Background())

	require.Equal(t, []dispatchRecord{{channel: "main.txt", text: "turn on the lights"}}, fx.router.all())

	// Nothing changed: the next pass is quiet.
	fx.watcher.PollOnce(context.Background())
	assert.Len(t, fx.router.all(), 1)
}

func TestPollMtimeOnlyBumpDoesNotRedispatch(t *testing.T) {
	fx := newTestWatcher(t, nil)
	future := time.Now().Add(time.Hour)

	fx.writeTrigger(t, "main.txt", "turn on the lights", future)
	fx.watcher.PollOnce(context.Background())
	require.Len(t, fx.router.all(), 1)

	fx.writeTrigger(t, "main.txt", "turn on the lights", future.Add(time.Minute))
	fx.watcher.PollOnce(context.Background())
	assert.Len(t, fx.router.all(), 1, "same trimmed content must not re-dispatch")

	fx.writeTrigger(t, "main.txt", "  turn on the lights  \n", future.Add(2*time.Minute))
	fx.watcher.PollOnce(context.Background())
	assert.Len(t, fx.router.all(), 1, "whitespace-only edits must not re-dispatch")
}

func TestPollRequiresNewerMtime(t *testing.T) {
	fx := newTestWatcher(t, nil)
	future := time.Now().Add(time.Hour)

	fx.writeTrigger(t, "main.txt", "first request", future)
	fx.watcher.PollOnce(context.Background())
	require.Len(t, fx.router.all(), 1)

	// New content but the mtime did not advance: the change is invisible.
	fx.writeTrigger(t, "main.txt", "second request", future)
	fx.watcher.PollOnce(context.Background())
	assert.Len(t, fx.router.all(), 1)

	fx.writeTrigger(t, "main.txt", "second request", future.Add(time.Second))
	fx.watcher.PollOnce(context.Background())
	assert.Len(t, fx.router.all(), 2)
}

func TestPollStaleContentRecordedNotDispatched(t *testing.T) {
	fx := newTestWatcher(t, nil)
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	// Content already on disk when the daemon started.
	fx.writeTrigger(t, "main.txt", "left over from last run", past)
	fx.watcher.PollOnce(context.Background())
	assert.Empty(t, fx.router.all(), "stale content must not dispatch")

	// A later touch of the same text still does not dispatch: the stale
	// content was recorded.
	fx.writeTrigger(t, "main.txt", "left over from last run", future)
	fx.watcher.PollOnce(context.Background())
	assert.Empty(t, fx.router.all())

	fx.writeTrigger(t, "main.txt", "a genuinely new request", future.Add(time.Second))
	fx.watcher.PollOnce(context.Background())
	require.Equal(t, []dispatchRecord{{channel: "main.txt", text: "a genuinely new request"}}, fx.router.all())
}

func TestPollEmptyContentSkipped(t *testing.T) {
	fx := newTestWatcher(t, nil)
	future := time.Now().Add(time.Hour)

	fx.writeTrigger(t, "main.txt", "   \n\n", future)
	fx.watcher.PollOnce(context.Background())
	assert.Empty(t, fx.router.all())

	fx.writeTrigger(t, "main.txt", "real request", future.Add(time.Second))
	fx.watcher.PollOnce(context.Background())
	assert.Len(t, fx.router.all(), 1)
}

func TestPollServiceOrder(t *testing.T) {
	fx := newTestWatcher(t, nil)
	future := time.Now().Add(time.Hour)

	// Write in reverse order; service order still follows the registry.
	fx.writeTrigger(t, "capture.txt", "capture this", future)
	fx.writeTrigger(t, "coding.txt", "fix the bug", future)
	fx.writeTrigger(t, "main.txt", "hello", future)

	fx.watcher.PollOnce(context.Background())

	got := fx.router.all()
	require.Len(t, got, 3)
	assert.Equal(t, "main.txt", got[0].channel)
	assert.Equal(t, "coding.txt", got[1].channel)
	assert.Equal(t, "capture.txt", got[2].channel)
}

func TestPollMissingFilesAreQuiet(t *testing.T) {
	fx := newTestWatcher(t, nil)

	fx.watcher.PollOnce(context.Background())

	assert.Empty(t, fx.router.all())
}

func TestPollReadErrorSwallowed(t *testing.T) {
	fx := newTestWatcher(t, nil)

	// A directory where the trigger file should be: stat succeeds, read fails.
	require.NoError(t, os.Mkdir(filepath.Join(fx.dir, "main.txt"), 0755))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(fx.dir, "main.txt"), future, future))

	fx.watcher.PollOnce(context.Background())

	assert.Empty(t, fx.router.all())
}

func TestStates(t *testing.T) {
	fx := newTestWatcher(t, nil)
	future := time.Now().Add(time.Hour)

	fx.writeTrigger(t, "main.txt", "turn on the lights", future)
	fx.watcher.PollOnce(context.Background())

	states := fx.watcher.States()
	require.Len(t, states, 3)

	assert.Equal(t, "main.txt", states[0].File)
	assert.True(t, states[0].Seen)
	assert.Equal(t, "turn on the lights", states[0].LastContent)

	assert.Equal(t, "coding.txt", states[1].File)
	assert.False(t, states[1].Seen)

	assert.Equal(t, "capture.txt", states[2].File)
	assert.Equal(t, registry.HandlerCapture, states[2].Handler)
}

func TestPollPublishesTriggerEvents(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	detected := make(chan *bus.Event, 1)
	stale := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe(events.Subject(events.TriggerDetected), func(ctx context.Context, e *bus.Event) error {
		detected <- e
		return nil
	})
	require.NoError(t, err)
	_, err = eventBus.Subscribe(events.Subject(events.TriggerStale), func(ctx context.Context, e *bus.Event) error {
		stale <- e
		return nil
	})
	require.NoError(t, err)

	fx := newTestWatcher(t, eventBus)
	fx.writeTrigger(t, "main.txt", "old content", time.Now().Add(-time.Hour))
	fx.writeTrigger(t, "coding.txt", "new content", time.Now().Add(time.Hour))
	fx.watcher.PollOnce(context.Background())

	select {
	case e := <-stale:
		assert.Equal(t, "main.txt", e.Data["channel"])
	case <-time.After(2 * time.Second):
		t.Fatal("no trigger.stale event observed")
	}
	select {
	case e := <-detected:
		assert.Equal(t, "coding.txt", e.Data["channel"])
		assert.Equal(t, "new content", e.Data["preview"])
	case <-time.After(2 * time.Second):
		t.Fatal("no trigger.detected event observed")
	}
}

func TestRunDispatchesAndStops(t *testing.T) {
	fx := newTestWatcher(t, nil)
	fx.warmer.err = errors.New("no gpu")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- fx.watcher.Run(ctx)
	}()

	// Pre-warm failure is logged, never fatal: the loop keeps dispatching.
	fx.writeTrigger(t, "main.txt", "turn on the lights", time.Now().Add(time.Hour))
	require.Eventually(t, func() bool {
		return len(fx.router.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, fx.warmer.count())

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancellation")
	}
}
