package stream

import (
	"testing"

	"github.com/claude-session-broker/broker/internal/agentclient"
)

func TestTranslateTextDelta(t *testing.T) {
	rec := Translate(agentclient.Event{Kind: agentclient.KindTextDelta, TextDelta: "hi"})
	if rec.Type != "text_delta" || rec.Text != "hi" {
		t.Errorf("got %+v", rec)
	}
}

func TestTranslateToolUse(t *testing.T) {
	rec := Translate(agentclient.Event{
		Kind:    agentclient.KindToolUse,
		ToolUse: agentclient.ToolUseEvent{Name: "grep", Input: map[string]string{"pattern": "x"}},
	})
	if rec.Type != "tool_use" || rec.ToolName != "grep" {
		t.Errorf("got %+v", rec)
	}
}

func TestTranslateDone(t *testing.T) {
	rec := Translate(agentclient.Event{Kind: agentclient.KindDone})
	if rec.Type != "done" {
		t.Errorf("got %+v", rec)
	}
}

func TestAccumulatorConcatenatesText(t *testing.T) {
	acc := NewAccumulator("sess_1")
	acc.Consume(agentclient.Event{Kind: agentclient.KindTextDelta, TextDelta: "Hello, "})
	acc.Consume(agentclient.Event{Kind: agentclient.KindTextDelta, TextDelta: "world!"})
	res := acc.Result()
	if res.Text != "Hello, world!" {
		t.Errorf("Text = %q, want %q", res.Text, "Hello, world!")
	}
	if res.SessionID != "sess_1" {
		t.Errorf("SessionID = %q", res.SessionID)
	}
}

func TestAccumulatorMatchesToolResultToToolUse(t *testing.T) {
	acc := NewAccumulator("sess_2")
	acc.Consume(agentclient.Event{Kind: agentclient.KindToolUse, ToolUse: agentclient.ToolUseEvent{Name: "grep", Input: "x"}})
	acc.Consume(agentclient.Event{Kind: agentclient.KindToolResult, ToolResult: agentclient.ToolResultEvent{Name: "grep", Output: "match"}})

	res := acc.Result()
	if len(res.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(res.ToolCalls))
	}
	if res.ToolCalls[0].Output != "match" {
		t.Errorf("Output = %v, want match", res.ToolCalls[0].Output)
	}
}

func TestEnforceEventDowngradesDisallowedToolUse(t *testing.T) {
	ev := agentclient.Event{Kind: agentclient.KindToolUse, ToolUse: agentclient.ToolUseEvent{Name: "bash"}}
	enforced := EnforceEvent(ev, []string{"read_file"})
	if enforced.Kind != agentclient.KindError {
		t.Fatalf("Kind = %v, want KindError", enforced.Kind)
	}
}

func TestEnforceEventPassesAllowedToolUse(t *testing.T) {
	ev := agentclient.Event{Kind: agentclient.KindToolUse, ToolUse: agentclient.ToolUseEvent{Name: "read_file"}}
	enforced := EnforceEvent(ev, []string{"read_file"})
	if enforced.Kind != agentclient.KindToolUse {
		t.Errorf("Kind = %v, want KindToolUse", enforced.Kind)
	}
}

func TestEnforceEventLeavesNonToolUseEventsAlone(t *testing.T) {
	ev := agentclient.Event{Kind: agentclient.KindTextDelta, TextDelta: "hi"}
	enforced := EnforceEvent(ev, []string{"read_file"})
	if enforced.Kind != agentclient.KindTextDelta || enforced.TextDelta != "hi" {
		t.Errorf("got %+v", enforced)
	}
}

func TestTranslateEnforcedRecordsAnErrorForDisallowedTool(t *testing.T) {
	rec := TranslateEnforced(agentclient.Event{
		Kind:    agentclient.KindToolUse,
		ToolUse: agentclient.ToolUseEvent{Name: "bash"},
	}, []string{"read_file"})
	if rec.Type != "error" {
		t.Errorf("Type = %q, want error", rec.Type)
	}
}

func TestAccumulatorPreservesEmissionOrder(t *testing.T) {
	acc := NewAccumulator("sess_3")
	acc.Consume(agentclient.Event{Kind: agentclient.KindToolUse, ToolUse: agentclient.ToolUseEvent{Name: "a"}})
	acc.Consume(agentclient.Event{Kind: agentclient.KindToolUse, ToolUse: agentclient.ToolUseEvent{Name: "b"}})
	acc.Consume(agentclient.Event{Kind: agentclient.KindToolResult, ToolResult: agentclient.ToolResultEvent{Name: "a", Output: "1"}})

	res := acc.Result()
	if len(res.ToolCalls) != 2 {
		t.Fatalf("len(ToolCalls) = %d, want 2", len(res.ToolCalls))
	}
	if res.ToolCalls[0].Name != "a" || res.ToolCalls[1].Name != "b" {
		t.Errorf("order not preserved: %+v", res.ToolCalls)
	}
	if res.ToolCalls[0].Output != "1" {
		t.Errorf("a's output not matched: %+v", res.ToolCalls[0])
	}
}
