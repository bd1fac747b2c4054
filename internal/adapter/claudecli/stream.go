package claudecli

import (
	"encoding/json"
	"time"

	"github.com/Strob0t/PipeForge/internal/port/agent"
)

// rawEvent is the wire envelope for one line of the agent's stream-json
// output. The type field decides which payload fields are meaningful.
type rawEvent struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype,omitempty"`
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

// parseLine maps one stream-json line onto a typed port event.
// The boolean is false for lines of a type the engine does not consume.
func parseLine(data []byte) (agent.Event, bool, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return agent.Event{}, false, err
	}

	ev := agent.Event{
		SessionID:  raw.SessionID,
		Model:      raw.Model,
		Message:    raw.Message,
		ToolName:   raw.ToolName,
		ToolInput:  raw.ToolInput,
		ToolUseID:  raw.ToolUseID,
		CostUSD:    raw.CostUSD,
		DurationMS: raw.DurationMS,
		NumTurns:   raw.NumTurns,
		IsError:    raw.IsError,
	}

	switch raw.Type {
	case "init", "system":
		if raw.Type == "system" && raw.Subtype != "init" {
			return agent.Event{}, false, nil
		}
		ev.Type = agent.EventInit
	case "assistant":
		if raw.ToolName != "" {
			ev.Type = agent.EventToolUse
		} else {
			ev.Type = agent.EventMessage
		}
	case "user":
		if raw.ToolUseID == "" {
			return agent.Event{}, false, nil
		}
		ev.Type = agent.EventToolResult
	case "result":
		ev.Type = agent.EventResult
	default:
		return agent.Event{}, false, nil
	}

	return ev, true, nil
}

// progress accumulates stream state while an invocation runs.
type progress struct {
	sessionID string
	model     string
	output    string
	lastError string
	costUSD   float64
	numTurns  int
	toolCount int
	elapsed   time.Duration
	gotResult bool
	parsed    int
}

// apply folds one event into the running progress.
func (p *progress) apply(ev agent.Event) {
	p.parsed++
	switch ev.Type {
	case agent.EventInit:
		p.sessionID = ev.SessionID
		p.model = ev.Model
	case agent.EventToolUse:
		p.toolCount++
	case agent.EventMessage:
		if ev.Message != "" {
			p.output = ev.Message
		}
	case agent.EventResult:
		p.gotResult = true
		p.costUSD = ev.CostUSD
		p.numTurns = ev.NumTurns
		if ev.DurationMS > 0 {
			p.elapsed = time.Duration(ev.DurationMS * float64(time.Millisecond))
		}
		if ev.Message != "" {
			p.output = ev.Message
		}
		if ev.IsError {
			p.lastError = ev.Message
		}
	}
}
