package agentclient

import (
	"encoding/json"
	"testing"
)

func TestTranslateWireEventTextDelta(t *testing.T) {
	ev, terminal := translateWireEvent(wireEvent{Type: "text_delta", Text: "hello"})
	if terminal {
		t.Errorf("text_delta should not be terminal")
	}
	if ev.Kind != KindTextDelta || ev.TextDelta != "hello" {
		t.Errorf("got %+v", ev)
	}
}

func TestTranslateWireEventToolUse(t *testing.T) {
	input, _ := json.Marshal(map[string]string{"path": "/tmp/x"})
	ev, terminal := translateWireEvent(wireEvent{Type: "tool_use", Name: "read_file", Input: input})
	if terminal {
		t.Errorf("tool_use should not be terminal")
	}
	if ev.Kind != KindToolUse || ev.ToolUse.Name != "read_file" {
		t.Errorf("got %+v", ev)
	}
}

func TestTranslateWireEventDoneIsTerminal(t *testing.T) {
	ev, terminal := translateWireEvent(wireEvent{Type: "done"})
	if !terminal {
		t.Errorf("done should be terminal")
	}
	if ev.Kind != KindDone {
		t.Errorf("got %+v", ev)
	}
}

func TestTranslateWireEventUnknownTypeBecomesError(t *testing.T) {
	ev, terminal := translateWireEvent(wireEvent{Type: "made_up_type"})
	if terminal {
		t.Errorf("unknown type should not be terminal, must not hang the stream silently but also must not stop it")
	}
	if ev.Kind != KindError {
		t.Errorf("got %+v, want error event", ev)
	}
}

func TestParseVmRSSKB(t *testing.T) {
	status := []byte("Name:\tcat\nVmRSS:\t  1234 kB\nVmSize:\t5678 kB\n")
	if got := parseVmRSSKB(status); got != 1234 {
		t.Errorf("parseVmRSSKB = %d, want 1234", got)
	}
}

func TestParseVmRSSKBMissing(t *testing.T) {
	if got := parseVmRSSKB([]byte("Name:\tcat\n")); got != 0 {
		t.Errorf("parseVmRSSKB (missing) = %d, want 0", got)
	}
}
