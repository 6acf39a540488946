// Package stream translates the Agent Client's abstract event stream
// into externally defined SSE event records, and accumulates one
// turn's events into a synchronous ChatResponse-shaped result.
package stream

import (
	"strings"
	"time"

	"github.com/claude-session-broker/broker/internal/agentclient"
	"github.com/claude-session-broker/broker/internal/toolpolicy"
)

// SSERecord is one record emitted over the SSE wire, `data: <json>\n\n`.
type SSERecord struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	ToolInput  interface{} `json:"tool_input,omitempty"`
	ToolOutput interface{} `json:"tool_output,omitempty"`
	Kind       string      `json:"kind,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}

// Translate maps one Agent Client event to its SSE record, per the
// table in the Stream Translator spec.
func Translate(ev agentclient.Event) SSERecord {
	switch ev.Kind {
	case agentclient.KindTextDelta:
		return SSERecord{Type: "text_delta", Text: ev.TextDelta}
	case agentclient.KindToolUse:
		return SSERecord{Type: "tool_use", ToolName: ev.ToolUse.Name, ToolInput: ev.ToolUse.Input}
	case agentclient.KindToolResult:
		return SSERecord{Type: "tool_result", ToolName: ev.ToolResult.Name, ToolOutput: ev.ToolResult.Output}
	case agentclient.KindAssistantMessage:
		return SSERecord{Type: "assistant_message", Text: ev.AssistantMessage.Text}
	case agentclient.KindError:
		return SSERecord{Type: "error", Kind: ev.Error.Kind, Detail: ev.Error.Detail}
	case agentclient.KindDone:
		return SSERecord{Type: "done"}
	default:
		return SSERecord{Type: "error", Kind: "internal", Detail: "unrecognized event kind"}
	}
}

// EnforceEvent applies tool-allow-list enforcement ahead of
// translation or accumulation: a tool_use event naming a tool outside
// allowed is downgraded to an internal error event rather than
// forwarded verbatim, so both the SSE stream and the synchronous
// accumulator see the downgrade consistently. Per toolpolicy.CheckAllowed,
// an empty allowed list blocks every tool rather than none.
func EnforceEvent(ev agentclient.Event, allowed []string) agentclient.Event {
	if ev.Kind != agentclient.KindToolUse {
		return ev
	}
	if err := toolpolicy.CheckAllowed(ev.ToolUse.Name, allowed); err != nil {
		return agentclient.Event{Kind: agentclient.KindError, Error: agentclient.ErrorEvent{Kind: "internal", Detail: err.Error()}}
	}
	return ev
}

// TranslateEnforced applies tool-allow-list enforcement before
// translation: a tool_use event naming a tool outside allowed is
// downgraded to an error record instead of being forwarded.
func TranslateEnforced(ev agentclient.Event, allowed []string) SSERecord {
	return Translate(EnforceEvent(ev, allowed))
}

// Result is the synchronous accumulator's output: {session_id, text,
// tool_calls, timestamp}.
type Result struct {
	SessionID string
	Text      string
	ToolCalls []agentclient.ToolCall
	Timestamp time.Time
}

// Accumulator consumes one turn's events in emission order and builds
// a Result: text is the concatenation of all text_delta fragments;
// tool_calls records each tool_use in order, with output filled in
// once the matching tool_result arrives.
type Accumulator struct {
	sessionID string
	text      strings.Builder
	calls     []agentclient.ToolCall
	pending   map[string]int // tool name -> index of most recent unmatched call
}

// NewAccumulator starts a fresh accumulator for one turn.
func NewAccumulator(sessionID string) *Accumulator {
	return &Accumulator{sessionID: sessionID, pending: make(map[string]int)}
}

// Consume folds one event into the accumulator's state.
func (a *Accumulator) Consume(ev agentclient.Event) {
	switch ev.Kind {
	case agentclient.KindTextDelta:
		a.text.WriteString(ev.TextDelta)
	case agentclient.KindToolUse:
		a.calls = append(a.calls, agentclient.ToolCall{Name: ev.ToolUse.Name, Input: ev.ToolUse.Input})
		a.pending[ev.ToolUse.Name] = len(a.calls) - 1
	case agentclient.KindToolResult:
		if idx, ok := a.pending[ev.ToolResult.Name]; ok {
			a.calls[idx].Output = ev.ToolResult.Output
			delete(a.pending, ev.ToolResult.Name)
		}
	case agentclient.KindAssistantMessage:
		if a.text.Len() == 0 {
			a.text.WriteString(ev.AssistantMessage.Text)
		}
		if len(ev.AssistantMessage.ToolCalls) > 0 {
			a.calls = ev.AssistantMessage.ToolCalls
		}
	}
}

// Result returns the accumulated turn, stamped with the current time.
func (a *Accumulator) Result() Result {
	return Result{
		SessionID: a.sessionID,
		Text:      a.text.String(),
		ToolCalls: a.calls,
		Timestamp: time.Now(),
	}
}
