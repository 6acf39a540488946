package agentclient

// EventKind tags the variant of an Event.
type EventKind string

const (
	KindTextDelta        EventKind = "text_delta"
	KindToolUse          EventKind = "tool_use"
	KindToolResult       EventKind = "tool_result"
	KindAssistantMessage EventKind = "assistant_message"
	KindError            EventKind = "error"
	KindDone             EventKind = "done"
)

// ToolCall records one tool invocation and its eventual result, in the
// shape the wire schema's tool_calls field uses.
type ToolCall struct {
	Name   string      `json:"name"`
	Input  interface{} `json:"input"`
	Output interface{} `json:"output,omitempty"`
}

// Event is the abstract agent-event union emitted by a running turn.
// Exactly one of the typed fields is populated, selected by Kind.
type Event struct {
	Kind EventKind

	TextDelta        string
	ToolUse          ToolUseEvent
	ToolResult       ToolResultEvent
	AssistantMessage AssistantMessageEvent
	Error            ErrorEvent
}

type ToolUseEvent struct {
	Name  string
	Input interface{}
}

type ToolResultEvent struct {
	Name   string
	Output interface{}
}

type AssistantMessageEvent struct {
	Text      string
	ToolCalls []ToolCall
}

type ErrorEvent struct {
	Kind   string
	Detail string
}

func textDeltaEvent(text string) Event { return Event{Kind: KindTextDelta, TextDelta: text} }

func toolUseEvent(name string, input interface{}) Event {
	return Event{Kind: KindToolUse, ToolUse: ToolUseEvent{Name: name, Input: input}}
}

func toolResultEvent(name string, output interface{}) Event {
	return Event{Kind: KindToolResult, ToolResult: ToolResultEvent{Name: name, Output: output}}
}

func assistantMessageEvent(text string, calls []ToolCall) Event {
	return Event{Kind: KindAssistantMessage, AssistantMessage: AssistantMessageEvent{Text: text, ToolCalls: calls}}
}

func errorEvent(kind, detail string) Event {
	return Event{Kind: KindError, Error: ErrorEvent{Kind: kind, Detail: detail}}
}

func doneEvent() Event { return Event{Kind: KindDone} }
