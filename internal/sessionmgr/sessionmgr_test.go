package sessionmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/claude-session-broker/broker/internal/agentclient"
	"github.com/claude-session-broker/broker/internal/store"
	"github.com/claude-session-broker/broker/internal/stream"
)

func fakeAgentScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-claude.sh")
	script := "#!/bin/sh\nread -r _line\nprintf '{\"type\":\"text_delta\",\"text\":\"ok\"}\\n'\nprintf '{\"type\":\"done\"}\\n'\n"
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatalf("write fake agent script: %v", err)
	}
	return path
}

func testManager(t *testing.T, limits Limits) (*Manager, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	scriptPath := fakeAgentScript(t)

	buildOptions := func(userID, cwd, resumeToken string) agentclient.AgentOptions {
		return agentclient.AgentOptions{ResumeToken: resumeToken}
	}
	newClient := func(opts agentclient.AgentOptions, cwd string) *agentclient.Client {
		return agentclient.NewClient(agentclient.ClientConfig{
			Command:     scriptPath,
			WorkDir:     cwd,
			TurnTimeout: 2 * time.Second,
			CloseGrace:  time.Second,
			Options:     opts,
		})
	}

	m := New(st, t.TempDir(), true, func() Limits { return limits }, buildOptions, newClient, nil, nil)
	return m, st
}

func defaultLimits() Limits {
	return Limits{MaxSessions: 10, MaxSessionsPerUser: 10, MaxConcurrentRequests: 10, MemoryLimitMB: 0}
}

func TestCreateAndGet(t *testing.T) {
	m, _ := testManager(t, defaultLimits())
	ctx := context.Background()

	info, err := m.Create(ctx, "alice", "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.Status != "active" || info.MessageCount != 0 {
		t.Errorf("got %+v", info)
	}

	got, err := m.Get(ctx, info.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionID != info.SessionID {
		t.Errorf("SessionID mismatch")
	}
}

func TestCreateRejectsInvalidUserID(t *testing.T) {
	m, _ := testManager(t, defaultLimits())
	if _, err := m.Create(context.Background(), "../evil", "", nil); err == nil {
		t.Fatal("expected rejection for invalid user id")
	}
}

func TestChatIncrementsMessageCount(t *testing.T) {
	m, _ := testManager(t, defaultLimits())
	ctx := context.Background()

	info, err := m.Create(ctx, "bob", "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := m.Chat(ctx, info.SessionID, "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Text != "ok" {
		t.Errorf("Text = %q, want ok", res.Text)
	}

	got, _ := m.Get(ctx, info.SessionID)
	if got.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", got.MessageCount)
	}
}

func TestChatConcurrentOnSameSessionOneWinsOneBusy(t *testing.T) {
	m, _ := testManager(t, defaultLimits())
	ctx := context.Background()

	info, err := m.Create(ctx, "carol", "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := m.Chat(ctx, info.SessionID, "hi")
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes, busy := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrSessionBusy):
			busy++
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want 1 (results=%v)", successes, results)
	}
	if busy != 1 {
		t.Errorf("busy = %d, want 1 (results=%v)", busy, results)
	}

	got, _ := m.Get(ctx, info.SessionID)
	if got.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", got.MessageCount)
	}
}

func TestCreateRespectsMaxSessionsPerUser(t *testing.T) {
	limits := defaultLimits()
	limits.MaxSessionsPerUser = 1
	m, _ := testManager(t, limits)
	ctx := context.Background()

	if _, err := m.Create(ctx, "dave", "", nil); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := m.Create(ctx, "dave", "s2", nil); err == nil {
		t.Fatal("expected QuotaExceeded on second session for same user")
	}
}

func TestCloseRemovesSessionAndFreesQuota(t *testing.T) {
	limits := defaultLimits()
	limits.MaxSessionsPerUser = 1
	m, _ := testManager(t, limits)
	ctx := context.Background()

	info, err := m.Create(ctx, "erin", "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Close(ctx, info.SessionID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := m.Get(ctx, info.SessionID); err == nil {
		t.Fatal("expected NotFound after Close")
	}
	if _, err := m.Create(ctx, "erin", "s2", nil); err != nil {
		t.Fatalf("Create after Close should succeed: %v", err)
	}
}

// TestCreateNeverExceedsMaxSessionsUnderConcurrency drives many
// concurrent Create calls, each for a distinct user, against a tight
// MaxSessions cap. Without a reservation held across the admission
// check and the client spawn, every caller can observe spare capacity
// before any of them registers, letting the live count overshoot the
// cap once all finish starting.
func TestCreateNeverExceedsMaxSessionsUnderConcurrency(t *testing.T) {
	limits := defaultLimits()
	limits.MaxSessions = 3
	limits.MaxSessionsPerUser = 1
	m, _ := testManager(t, limits)
	ctx := context.Background()

	const attempts = 12
	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func(i int) {
			defer wg.Done()
			if _, err := m.Create(ctx, fmt.Sprintf("user-%d", i), "", nil); err == nil {
				successes <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count > limits.MaxSessions {
		t.Errorf("admitted %d sessions, want at most %d", count, limits.MaxSessions)
	}
	if live := m.LiveCount(); live > limits.MaxSessions {
		t.Errorf("LiveCount = %d, want at most %d", live, limits.MaxSessions)
	}
}

// TestChatEnforcesToolAllowList exercises the live Chat path end to
// end: a tool_use event naming a tool outside allowed_tools must be
// downgraded before it reaches the accumulator, not forwarded as a
// recorded tool call.
func TestChatEnforcesToolAllowList(t *testing.T) {
	st := store.NewMemoryStore()
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "fake-claude.sh")
	script := "#!/bin/sh\nread -r _line\n" +
		"printf '{\"type\":\"tool_use\",\"name\":\"bash\",\"input\":{}}\\n'\n" +
		"printf '{\"type\":\"text_delta\",\"text\":\"done\"}\\n'\n" +
		"printf '{\"type\":\"done\"}\\n'\n"
	if err := os.WriteFile(scriptPath, []byte(script), 0o700); err != nil {
		t.Fatalf("write fake agent script: %v", err)
	}

	buildOptions := func(userID, cwd, resumeToken string) agentclient.AgentOptions {
		return agentclient.AgentOptions{AllowedTools: []string{"read_file"}}
	}
	newClient := func(opts agentclient.AgentOptions, cwd string) *agentclient.Client {
		return agentclient.NewClient(agentclient.ClientConfig{
			Command:     scriptPath,
			WorkDir:     cwd,
			TurnTimeout: 2 * time.Second,
			CloseGrace:  time.Second,
			Options:     opts,
		})
	}
	m := New(st, t.TempDir(), true, func() Limits { return defaultLimits() }, buildOptions, newClient, nil, nil)
	ctx := context.Background()

	info, err := m.Create(ctx, "hank", "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := m.Chat(ctx, info.SessionID, "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(res.ToolCalls) != 0 {
		t.Errorf("ToolCalls = %+v, want none (disallowed tool must be dropped, not forwarded)", res.ToolCalls)
	}
}

// TestChatStreamSurvivesContextCancellationMidTurn verifies that
// canceling the caller's context after a turn has started does not
// abort the subprocess mid-turn: the turn must still run to
// completion and the full record sequence must be delivered.
func TestChatStreamSurvivesContextCancellationMidTurn(t *testing.T) {
	st := store.NewMemoryStore()
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "fake-claude.sh")
	script := "#!/bin/sh\nread -r _line\nsleep 0.3\n" +
		"printf '{\"type\":\"text_delta\",\"text\":\"ok\"}\\n'\n" +
		"printf '{\"type\":\"done\"}\\n'\n"
	if err := os.WriteFile(scriptPath, []byte(script), 0o700); err != nil {
		t.Fatalf("write fake agent script: %v", err)
	}

	buildOptions := func(userID, cwd, resumeToken string) agentclient.AgentOptions {
		return agentclient.AgentOptions{}
	}
	newClient := func(opts agentclient.AgentOptions, cwd string) *agentclient.Client {
		return agentclient.NewClient(agentclient.ClientConfig{
			Command:     scriptPath,
			WorkDir:     cwd,
			TurnTimeout: 2 * time.Second,
			CloseGrace:  time.Second,
			Options:     opts,
		})
	}
	m := New(st, t.TempDir(), true, func() Limits { return defaultLimits() }, buildOptions, newClient, nil, nil)

	info, err := m.Create(context.Background(), "ivan", "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	var records []stream.SSERecord
	err = m.ChatStream(ctx, info.SessionID, "hi", func(rec stream.SSERecord) {
		records = append(records, rec)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	foundDone := false
	for _, r := range records {
		if r.Type == "error" {
			t.Errorf("unexpected error record after caller context cancellation: %+v", r)
		}
		if r.Type == "done" {
			foundDone = true
		}
	}
	if !foundDone {
		t.Errorf("expected a done record, got %+v", records)
	}
}

func TestListFiltersByUser(t *testing.T) {
	m, _ := testManager(t, defaultLimits())
	ctx := context.Background()

	if _, err := m.Create(ctx, "finn", "a", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(ctx, "finn", "b", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(ctx, "gina", "", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	finns, err := m.List(ctx, "finn")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(finns) != 2 {
		t.Errorf("len(finns) = %d, want 2", len(finns))
	}
}
