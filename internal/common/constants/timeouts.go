// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts and intervals for the dispatch loop and its children.
const (
	// PollInterval is the cadence of the trigger-file watcher loop.
	PollInterval = 1 * time.Second

	// QuiescenceInitialWait is how long a send waits before it starts
	// sampling agent output for completion.
	QuiescenceInitialWait = 2 * time.Second

	// QuiescenceSampleInterval is the gap between output samples.
	QuiescenceSampleInterval = 1 * time.Second

	// QuiescenceStableSamples is the number of consecutive unchanged
	// samples that mark a response as complete.
	QuiescenceStableSamples = 3

	// AgentStartupSettle is the pause after spawning an agent before its
	// liveness is checked.
	AgentStartupSettle = 500 * time.Millisecond

	// AgentClearSettle is the pause after sending the context-clear token,
	// giving the agent time to acknowledge.
	AgentClearSettle = 500 * time.Millisecond

	// AgentStopGrace is how long a stopped agent gets to exit on its own
	// after the exit token before it is killed.
	AgentStopGrace = 5 * time.Second

	// HealthCheckTimeout bounds a single model-server health request.
	HealthCheckTimeout = 2 * time.Second

	// HealthPollInterval and HealthPollAttempts bound the wait for a
	// freshly spawned model server to come up.
	HealthPollInterval = 1 * time.Second
	HealthPollAttempts = 120

	// ServerKillSettle is the pause after killing competing model servers
	// before spawning our own.
	ServerKillSettle = 2 * time.Second

	// ServerSignalSettle is the pause after SIGSTOP/SIGCONT so in-flight
	// work drains before the next request hits the server.
	ServerSignalSettle = 1 * time.Second

	// CaptureTimeout bounds one exclusive-GPU capture command.
	CaptureTimeout = 2 * time.Minute

	// AssistantTimeout bounds one external assistant CLI call.
	AssistantTimeout = 5 * time.Minute

	// CompactTimeout bounds a context-compaction assistant call.
	CompactTimeout = 2 * time.Minute

	// HistoryDedupWindow is the window within which a repeated identical
	// request is not logged again.
	HistoryDedupWindow = 5 * time.Second

	// ShutdownTimeout caps graceful daemon shutdown.
	ShutdownTimeout = 30 * time.Second
)
