// Package events provides event types and utilities for the daemon's event system.
package events

// SubjectPrefix namespaces every subject the daemon publishes.
const SubjectPrefix = "agentos."

// Event types for trigger watching
const (
	TriggerDetected = "trigger.detected"
	TriggerStale    = "trigger.stale"
)

// Event types for request dispatch
const (
	RequestDispatched = "request.dispatched"
	RequestFailed     = "request.failed"
)

// Event types for persistent agents
const (
	AgentStarted   = "agent.started"
	AgentStopped   = "agent.stopped"
	AgentResponse  = "agent.response"
	AgentPipeBreak = "agent.pipe_break"
)

// Event types for the model server arbiter
const (
	ServerStarted   = "server.started"
	ServerSuspended = "server.suspended"
	ServerResumed   = "server.resumed"
	ServerUnhealthy = "server.unhealthy"
)

// Event types for the capture pipeline
const (
	CaptureStarted   = "capture.started"
	CaptureCompleted = "capture.completed"
	CaptureFailed    = "capture.failed"
)

// Event types for the external assistant
const (
	AssistantRequest  = "assistant.request"
	AssistantResponse = "assistant.response"
	ContextCleared    = "context.cleared"
	ContextCompacted  = "context.compacted"
	AnalysisCompleted = "analysis.completed"
)

// Subject returns the bus subject for an event type.
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}

// AllSubjects is the wildcard pattern matching every daemon event.
func AllSubjects() string {
	return SubjectPrefix + ">"
}
