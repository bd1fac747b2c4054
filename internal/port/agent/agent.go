// Package agent defines the external agent invoker port (interface) and the
// typed event stream the engine consumes. The agent itself is a black box;
// the executor never trusts its self-reported success.
package agent

import (
	"context"
	"encoding/json"
	"time"
)

// CompletionStatus describes how an invocation reached its end state.
type CompletionStatus string

const (
	// CompletedExit means the agent process terminated and reported a final result event.
	CompletedExit CompletionStatus = "completed_exit"
	// CompletedMarker means the completion marker appeared before or instead of process exit.
	CompletedMarker CompletionStatus = "completed_marker"
	// Crashed means the process exited abnormally or the stream was unreadable.
	Crashed CompletionStatus = "crashed"
	// TimedOut means the per-phase deadline expired with no completion signal.
	TimedOut CompletionStatus = "timed_out"
)

// Request is the context payload for one phase invocation.
type Request struct {
	Milestone        int           // Milestone number, for namespacing transcripts
	Phase            string        // Phase name
	Instructions     string        // Phase instructions
	Context          string        // Accumulated prior-phase output and failure history
	WorkDir          string        // Workspace the agent operates in
	Timeout          time.Duration // Hard deadline; 0 means no per-phase limit (safety ceiling still applies)
	CompletionMarker string        // Optional filesystem marker path signalling logical completion
	TranscriptPath   string        // Where the raw event transcript is persisted
}

// Result is what an invocation yields regardless of outcome. The transcript
// is always persisted for audit, success or not.
type Result struct {
	SessionID      string
	Status         CompletionStatus
	Output         string // Final result text from the agent
	TranscriptPath string
	CostUSD        float64
	Duration       time.Duration
	NumTurns       int
}

// EventType enumerates the typed events an agent stream may carry.
type EventType string

const (
	EventInit       EventType = "init"        // Session established; carries SessionID and Model
	EventToolUse    EventType = "tool_use"    // Agent invoked a tool
	EventToolResult EventType = "tool_result" // Tool finished
	EventMessage    EventType = "message"     // Assistant text
	EventResult     EventType = "result"      // Final result; carries cost and duration
)

// Event is one element of an agent's structured progress stream.
type Event struct {
	Type       EventType       `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	Model      string          `json:"model,omitempty"`
	Message    string          `json:"message,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
	DurationMS float64         `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// Invoker is the port interface for running one phase on the external agent.
type Invoker interface {
	// Name returns the unique identifier for this invoker (e.g. "claude-cli").
	Name() string

	// Invoke runs one phase to completion or failure. The returned error is a
	// typed failure (failure.InvocationError, failure.TimeoutError) suitable
	// for classification; Result is non-nil whenever a transcript exists.
	Invoke(ctx context.Context, req *Request) (*Result, error)

	// Stop cancels a running session.
	Stop(ctx context.Context, sessionID string) error
}
