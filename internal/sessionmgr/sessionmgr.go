// Package sessionmgr implements the Session Manager: admission
// control, per-session serialization, and the create/chat/resume/
// close/get/list operations tying the Metadata Store to live Agent
// Clients.
package sessionmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/claude-session-broker/broker/internal/agentclient"
	"github.com/claude-session-broker/broker/internal/filterexpr"
	"github.com/claude-session-broker/broker/internal/pathguard"
	"github.com/claude-session-broker/broker/internal/plugins"
	"github.com/claude-session-broker/broker/internal/store"
	"github.com/claude-session-broker/broker/internal/stream"
	"golang.org/x/sync/errgroup"
)

// Sentinel errors matching the spec's error taxonomy. The HTTP Surface
// classifies these via errors.Is into status codes.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrPathEscape        = errors.New("path escape")
	ErrNotFound          = errors.New("not found")
	ErrSessionBusy       = errors.New("session busy")
	ErrOverloaded        = errors.New("overloaded")
	ErrQuotaExceeded     = errors.New("quota exceeded")
)

// Limits is the subset of the configuration snapshot the manager
// consults on every admission check. It is read through an
// atomic.Pointer-backed snapshot by the caller so a hot-reloaded
// config takes effect without restarting the manager.
type Limits struct {
	MaxSessions           int
	MaxSessionsPerUser     int
	MaxConcurrentRequests  int
	MemoryLimitMB          int
	IdleSessionTimeout     time.Duration
	TTL                    time.Duration
}

// AgentOptionsBuilder produces the per-session agent options from the
// configuration snapshot; kept as a function so sessionmgr does not
// depend on the config package's concrete type.
type AgentOptionsBuilder func(userID, cwd string, resumeToken string) agentclient.AgentOptions

// ClientFactory constructs (but does not Start) a new Agent Client for
// one session.
type ClientFactory func(opts agentclient.AgentOptions, cwd string) *agentclient.Client

// PressureRecovery is called synchronously when admission fails on the
// session-count or memory condition, before the manager gives up and
// returns Overloaded. The Background Maintainer runs its own periodic
// pressure-recovery pass through EvictAscendingByLastUsed.
type PressureRecovery func(ctx context.Context) error

// Manager is the Session Manager.
type Manager struct {
	store   store.Store
	limits  func() Limits
	buildOptions AgentOptionsBuilder
	newClient    ClientFactory
	recover      PressureRecovery
	baseDir      string
	autoCreateDir bool
	logger       *slog.Logger

	pluginHost *plugins.Host

	clientsMu sync.Mutex
	clients   map[string]*agentclient.Client

	locksMu sync.Mutex
	locks   map[string]*sessionLock

	perUserMu sync.Mutex
	perUserCounts map[string]int

	// admissionMu serializes the admission check against the slot
	// reservation below, so two concurrent Create/Resume calls can
	// never both observe capacity and spawn — only one wins the
	// reservation, closing the gap between "check" and "insert into
	// clients" that Start/Save spans.
	admissionMu sync.Mutex
	reserved        int
	reservedPerUser map[string]int

	inFlight chan struct{}
}

type sessionLock struct {
	ch chan struct{} // capacity 1; a token present means unlocked
}

func newSessionLock() *sessionLock {
	l := &sessionLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

func (l *sessionLock) tryLock() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

func (l *sessionLock) lockBlocking(ctx context.Context) bool {
	select {
	case <-l.ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *sessionLock) unlock() {
	l.ch <- struct{}{}
}

// New constructs a Manager. limits is called fresh on every admission
// check so hot-reloaded caps apply immediately.
func New(st store.Store, baseDir string, autoCreateDir bool, limits func() Limits,
	buildOptions AgentOptionsBuilder, newClient ClientFactory, recover PressureRecovery, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	l := limits()
	m := &Manager{
		store:         st,
		limits:        limits,
		buildOptions:  buildOptions,
		newClient:     newClient,
		recover:       recover,
		baseDir:       baseDir,
		autoCreateDir: autoCreateDir,
		logger:        logger,
		clients:         make(map[string]*agentclient.Client),
		locks:           make(map[string]*sessionLock),
		perUserCounts:   make(map[string]int),
		reservedPerUser: make(map[string]int),
		inFlight:        make(chan struct{}, max(l.MaxConcurrentRequests, 1)),
	}
	return m
}

// SetPluginHost attaches the WASM plugin host consulted around every
// chat turn. Called once during startup wiring; a nil host (the
// default) skips hook dispatch entirely.
func (m *Manager) SetPluginHost(h *plugins.Host) {
	m.pluginHost = h
}

func (m *Manager) runPrePrompt(ctx context.Context, sessionID, userID, prompt string) string {
	if m.pluginHost == nil {
		return prompt
	}
	out, err := m.pluginHost.RunHook(ctx, plugins.HookPrePrompt, plugins.HookInput{
		SessionID: sessionID,
		UserID:    userID,
		Message:   prompt,
	})
	if err != nil {
		m.logger.Warn("pre_prompt hook failed", "session_id", sessionID, "error", err)
		return prompt
	}
	return out.Message
}

func (m *Manager) runPostResponse(ctx context.Context, sessionID, userID, text string, toolCalls []string) string {
	if m.pluginHost == nil {
		return text
	}
	out, err := m.pluginHost.RunHook(ctx, plugins.HookPostResponse, plugins.HookInput{
		SessionID: sessionID,
		UserID:    userID,
		Text:      text,
		ToolCalls: toolCalls,
	})
	if err != nil {
		m.logger.Warn("post_response hook failed", "session_id", sessionID, "error", err)
		return text
	}
	return out.Text
}

func (m *Manager) sessionUserID(ctx context.Context, sessionID string) string {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return ""
	}
	return sess.UserID
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// SessionInfo is the wire-level view of a session, per spec.md §6.
type SessionInfo struct {
	SessionID    string
	UserID       string
	CWD          string
	CreatedAt    time.Time
	LastActiveAt time.Time
	MessageCount int
	Status       string
	Metadata     map[string]string
}

func toInfo(s store.Session) SessionInfo {
	return SessionInfo{
		SessionID:    s.SessionID,
		UserID:       s.UserID,
		CWD:          s.CWD,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
		MessageCount: s.MessageCount,
		Status:       string(s.Status),
		Metadata:     s.Metadata,
	}
}

// Create validates the path, checks admission, spawns an Agent Client,
// and registers a new session.
func (m *Manager) Create(ctx context.Context, userID, subdir string, metadata map[string]string) (SessionInfo, error) {
	if !pathguard.ValidUserID(userID) {
		return SessionInfo{}, fmt.Errorf("%w: user_id %q", ErrInvalidInput, userID)
	}
	cwd, err := pathguard.ResolveAndEnsure(m.baseDir, userID, subdir, m.autoCreateDir)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("%w: %v", ErrPathEscape, err)
	}

	release, err := m.checkAdmission(ctx, userID)
	if err != nil {
		return SessionInfo{}, err
	}

	opts := m.buildOptions(userID, cwd, "")
	client := m.newClient(opts, cwd)
	if err := client.Start(ctx); err != nil {
		release()
		return SessionInfo{}, fmt.Errorf("start agent client: %w", err)
	}

	id := store.NewSessionID()
	now := time.Now()
	sess := store.Session{
		SessionID:    id,
		UserID:       userID,
		CWD:          cwd,
		CreatedAt:    now,
		LastActiveAt: now,
		MessageCount: 0,
		Status:       store.StatusActive,
		Metadata:     metadata,
	}
	if err := m.store.Save(ctx, sess); err != nil {
		release()
		_ = client.Close(ctx)
		return SessionInfo{}, fmt.Errorf("persist session: %w", err)
	}

	// register before release: the reservation must stay held until the
	// client is visible in m.clients, or a concurrent admission check
	// could slip through the gap between the two.
	m.register(id, userID, client)
	release()
	return toInfo(sess), nil
}

// checkAdmission implements the three-condition admission check and,
// on success, reserves one slot that the caller must release via the
// returned func exactly once — after the spawned client is either
// registered or discarded. Reserving atomically with the check is
// what keeps two concurrent admission checks from both observing
// capacity and spawning: the reservation counts against limits.MaxSessions
// the moment it's taken, before the subprocess even starts.
func (m *Manager) checkAdmission(ctx context.Context, userID string) (func(), error) {
	limits := m.limits()

	release, reason := m.reserveSlot(limits, userID)
	if release != nil {
		return release, nil
	}
	if reason == admissionQuota {
		return nil, fmt.Errorf("%w: max_sessions_per_user reached for %q", ErrQuotaExceeded, userID)
	}

	if m.recover != nil {
		if err := m.recover(ctx); err != nil {
			m.logger.Warn("pressure recovery failed", "error", err)
		}
	}

	release, _ = m.reserveSlot(limits, userID)
	if release == nil {
		return nil, fmt.Errorf("%w: fleet at capacity", ErrOverloaded)
	}
	return release, nil
}

type admissionFailure int

const (
	admissionOKReason admissionFailure = iota
	admissionCapacity
	admissionQuota
	admissionMemory
)

// reserveSlot checks all three admission conditions and, if they
// pass, atomically reserves one global and one per-user slot under
// admissionMu before returning. The reservation is released by
// calling the returned func, which is safe to call more than once.
func (m *Manager) reserveSlot(limits Limits, userID string) (func(), admissionFailure) {
	m.admissionMu.Lock()
	defer m.admissionMu.Unlock()

	m.clientsMu.Lock()
	liveCount := len(m.clients)
	m.clientsMu.Unlock()
	if liveCount+m.reserved >= limits.MaxSessions {
		return nil, admissionCapacity
	}

	m.perUserMu.Lock()
	userCount := m.perUserCounts[userID]
	m.perUserMu.Unlock()
	if userCount+m.reservedPerUser[userID] >= limits.MaxSessionsPerUser {
		return nil, admissionQuota
	}

	if limits.MemoryLimitMB > 0 && m.totalRSS() > limits.MemoryLimitMB {
		return nil, admissionMemory
	}

	m.reserved++
	m.reservedPerUser[userID]++

	var released bool
	release := func() {
		m.admissionMu.Lock()
		defer m.admissionMu.Unlock()
		if released {
			return
		}
		released = true
		m.reserved--
		m.reservedPerUser[userID]--
		if m.reservedPerUser[userID] <= 0 {
			delete(m.reservedPerUser, userID)
		}
	}
	return release, admissionOKReason
}

func (m *Manager) totalRSS() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	total := 0
	for _, c := range m.clients {
		total += c.RSSEstimate()
	}
	return total
}

func (m *Manager) register(id, userID string, client *agentclient.Client) {
	m.clientsMu.Lock()
	m.clients[id] = client
	m.clientsMu.Unlock()

	m.locksMu.Lock()
	m.locks[id] = newSessionLock()
	m.locksMu.Unlock()

	m.perUserMu.Lock()
	m.perUserCounts[userID]++
	m.perUserMu.Unlock()
}

// ChatResult is the outcome of one chat turn, built by the Stream
// Translator's accumulator for the synchronous variant.
type ChatResult struct {
	SessionID string
	Text      string
	ToolCalls []agentclient.ToolCall
	Timestamp time.Time
}

// Chat runs one synchronous turn: the prompt is sent, the full event
// stream accumulated, and message_count advanced by exactly one on
// success.
func (m *Manager) Chat(ctx context.Context, sessionID, prompt string) (ChatResult, error) {
	userID := m.sessionUserID(ctx, sessionID)
	prompt = m.runPrePrompt(ctx, sessionID, userID, prompt)

	events, allowedTools, unlock, err := m.beginTurn(ctx, sessionID, prompt)
	if err != nil {
		return ChatResult{}, err
	}
	defer unlock()

	acc := stream.NewAccumulator(sessionID)
	for ev := range events {
		acc.Consume(stream.EnforceEvent(ev, allowedTools))
	}

	now := time.Now()
	if err := m.store.Touch(ctx, sessionID, now, true); err != nil {
		m.logger.Warn("touch after chat failed", "session_id", sessionID, "error", err)
	}

	result := acc.Result()
	toolNames := make([]string, len(result.ToolCalls))
	for i, tc := range result.ToolCalls {
		toolNames[i] = tc.Name
	}
	text := m.runPostResponse(ctx, sessionID, userID, result.Text, toolNames)
	return ChatResult{SessionID: result.SessionID, Text: text, ToolCalls: result.ToolCalls, Timestamp: now}, nil
}

// ChatStream runs one turn, forwarding translated SSE records to emit
// as they arrive. It does not stop driving the turn to completion if
// the caller stops reading from sink — callers drain to the end and
// only then return, per spec.md's disconnect-tolerant streaming rule.
func (m *Manager) ChatStream(ctx context.Context, sessionID, prompt string, sink func(stream.SSERecord)) error {
	userID := m.sessionUserID(ctx, sessionID)
	prompt = m.runPrePrompt(ctx, sessionID, userID, prompt)

	events, allowedTools, unlock, err := m.beginTurn(ctx, sessionID, prompt)
	if err != nil {
		return err
	}
	defer unlock()

	acc := stream.NewAccumulator(sessionID)
	for ev := range events {
		ev = stream.EnforceEvent(ev, allowedTools)
		acc.Consume(ev)
		sink(stream.Translate(ev))
	}

	if err := m.store.Touch(ctx, sessionID, time.Now(), true); err != nil {
		m.logger.Warn("touch after chat stream failed", "session_id", sessionID, "error", err)
	}

	if m.pluginHost != nil {
		result := acc.Result()
		toolNames := make([]string, len(result.ToolCalls))
		for i, tc := range result.ToolCalls {
			toolNames[i] = tc.Name
		}
		m.runPostResponse(ctx, sessionID, userID, result.Text, toolNames)
	}
	return nil
}

// beginTurn implements chat steps 1-4: acquire the session lock,
// acquire an in_flight permit, look up (or resume) the client, and
// start the agent turn. It returns an unlock func the caller must
// defer-call exactly once, which releases both the permit and the
// session lock, plus the client's configured tool allow-list for the
// Stream Translator's enforcement step.
func (m *Manager) beginTurn(ctx context.Context, sessionID, prompt string) (<-chan agentclient.Event, []string, func(), error) {
	m.locksMu.Lock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = newSessionLock()
		m.locks[sessionID] = lock
	}
	m.locksMu.Unlock()

	if !lock.tryLock() {
		return nil, nil, nil, fmt.Errorf("%w: session %q", ErrSessionBusy, sessionID)
	}

	select {
	case m.inFlight <- struct{}{}:
	default:
		lock.unlock()
		return nil, nil, nil, fmt.Errorf("%w: no in_flight permit available", ErrOverloaded)
	}

	unlock := func() {
		<-m.inFlight
		lock.unlock()
	}

	client, err := m.liveOrResumed(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}

	// Detach the turn from the caller's context: a dropped HTTP
	// connection must not abort a turn already running against the
	// subprocess, or the next turn on this client starts reading
	// stdout while the abandoned one's output is still arriving.
	turnCtx := context.WithoutCancel(ctx)
	events, err := client.Ask(turnCtx, prompt)
	if err != nil {
		unlock()
		return nil, nil, nil, fmt.Errorf("ask agent: %w", err)
	}
	return events, client.AllowedTools(), unlock, nil
}

func (m *Manager) liveOrResumed(ctx context.Context, sessionID string) (*agentclient.Client, error) {
	m.clientsMu.Lock()
	client, ok := m.clients[sessionID]
	m.clientsMu.Unlock()
	if ok {
		return client, nil
	}
	return m.resumeLocked(ctx, sessionID)
}

// Resume loads the session record, admission-checks, and spawns a
// fresh Agent Client seeded with the stored resume token.
func (m *Manager) Resume(ctx context.Context, sessionID string) (SessionInfo, error) {
	client, err := m.resumeLocked(ctx, sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		_ = client.Close(ctx)
		return SessionInfo{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return toInfo(sess), nil
}

func (m *Manager) resumeLocked(ctx context.Context, sessionID string) (*agentclient.Client, error) {
	m.clientsMu.Lock()
	if client, ok := m.clients[sessionID]; ok {
		m.clientsMu.Unlock()
		return client, nil
	}
	m.clientsMu.Unlock()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil || sess.Status == store.StatusClosed {
		return nil, fmt.Errorf("%w: session %q", ErrNotFound, sessionID)
	}

	release, err := m.checkAdmission(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	resumeToken := sess.Metadata["resume_token"]
	opts := m.buildOptions(sess.UserID, sess.CWD, resumeToken)
	client := m.newClient(opts, sess.CWD)
	if err := client.Start(ctx); err != nil {
		release()
		return nil, fmt.Errorf("start resumed agent client: %w", err)
	}

	m.register(sessionID, sess.UserID, client)
	release()
	return client, nil
}

// Close removes the live client (if any), deletes the session lock,
// decrements the per-user count, and deletes the Metadata Store
// record.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	sess, err := m.store.Get(ctx, sessionID)
	userID := ""
	if err == nil {
		userID = sess.UserID
	}

	m.locksMu.Lock()
	lock, hasLock := m.locks[sessionID]
	delete(m.locks, sessionID)
	m.locksMu.Unlock()
	if hasLock {
		lock.lockBlocking(ctx)
	}

	m.clientsMu.Lock()
	client, ok := m.clients[sessionID]
	delete(m.clients, sessionID)
	m.clientsMu.Unlock()

	if ok {
		if err := client.Close(ctx); err != nil {
			m.logger.Warn("close agent client failed", "session_id", sessionID, "error", err)
		}
		if userID != "" {
			m.perUserMu.Lock()
			if m.perUserCounts[userID] > 0 {
				m.perUserCounts[userID]--
			}
			m.perUserMu.Unlock()
		}
	}

	return m.store.Delete(ctx, sessionID)
}

// Get is a pure Metadata Store read.
func (m *Manager) Get(ctx context.Context, sessionID string) (SessionInfo, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return toInfo(sess), nil
}

// List is a pure Metadata Store read, optionally filtered by user.
func (m *Manager) List(ctx context.Context, userID string) ([]SessionInfo, error) {
	return m.ListFiltered(ctx, userID, "")
}

// ListFiltered extends List with an optional filterexpr predicate,
// evaluated by the store in addition to the plain user_id match. A
// malformed expr is rejected before it ever reaches the store.
func (m *Manager) ListFiltered(ctx context.Context, userID, expr string) ([]SessionInfo, error) {
	if expr != "" {
		if err := filterexpr.Validate(expr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	sessions, err := m.store.List(ctx, store.ListFilter{UserID: userID, Expr: expr})
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toInfo(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// LiveCount returns the number of sessions with a live Agent Client —
// one of the two interpretations of active_sessions reported by
// /healthz.
func (m *Manager) LiveCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

// TotalRSS exposes the fleet RSS estimate for /healthz and /metrics.
func (m *Manager) TotalRSS() int {
	return m.totalRSS()
}

// EvictIdle closes live clients whose LastUsed predates the idle
// timeout, leaving their Metadata Store record as status=active
// (unless also separately TTL-expired — the caller handles that via
// SweepExpired first). Used by the Background Maintainer.
func (m *Manager) EvictIdle(ctx context.Context, idleTimeout time.Duration) []string {
	if idleTimeout <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-idleTimeout)
	var evicted []string
	for _, id := range m.snapshotIdleOlderThan(cutoff) {
		m.evictLiveOnly(ctx, id)
		evicted = append(evicted, id)
	}
	return evicted
}

func (m *Manager) snapshotIdleOlderThan(cutoff time.Time) []string {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	var ids []string
	for id, c := range m.clients {
		if c.LastUsed().Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// evictLiveOnly closes and unregisters the in-memory client without
// touching the Metadata Store record — used for idle eviction and
// pressure recovery, where the session's metadata stays status=active
// for a later resume.
func (m *Manager) evictLiveOnly(ctx context.Context, sessionID string) {
	m.clientsMu.Lock()
	client, ok := m.clients[sessionID]
	delete(m.clients, sessionID)
	m.clientsMu.Unlock()
	if !ok {
		return
	}

	m.locksMu.Lock()
	lock, hasLock := m.locks[sessionID]
	delete(m.locks, sessionID)
	m.locksMu.Unlock()
	if hasLock {
		lock.lockBlocking(ctx)
	}

	if err := client.Close(ctx); err != nil {
		m.logger.Warn("evict: close agent client failed", "session_id", sessionID, "error", err)
	}

	if sess, err := m.store.Get(ctx, sessionID); err == nil {
		m.perUserMu.Lock()
		if m.perUserCounts[sess.UserID] > 0 {
			m.perUserCounts[sess.UserID]--
		}
		m.perUserMu.Unlock()
	}
}

// CloseLiveForID is used by the Background Maintainer after a sweep
// removes a still-live session's metadata record.
func (m *Manager) CloseLiveForID(ctx context.Context, sessionID string) {
	m.evictLiveOnly(ctx, sessionID)
}

// EvictAscendingByLastUsed closes live clients in ascending last_used
// order, stopping as soon as shouldStop reports true or the fleet is
// empty — the pressure-recovery eviction loop.
func (m *Manager) EvictAscendingByLastUsed(ctx context.Context, shouldStop func() bool) []string {
	var evicted []string
	for {
		if shouldStop() {
			return evicted
		}
		id := m.oldestLive()
		if id == "" {
			return evicted
		}
		m.evictLiveOnly(ctx, id)
		evicted = append(evicted, id)
	}
}

func (m *Manager) oldestLive() string {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	var oldestID string
	var oldestTime time.Time
	for id, c := range m.clients {
		t := c.LastUsed()
		if oldestID == "" || t.Before(oldestTime) {
			oldestID = id
			oldestTime = t
		}
	}
	return oldestID
}

// CloseAll closes every live client in parallel, bounded by ctx —
// used at process shutdown by the Background Maintainer.
func (m *Manager) CloseAll(ctx context.Context) {
	m.clientsMu.Lock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.clientsMu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			m.evictLiveOnly(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}
