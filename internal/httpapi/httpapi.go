// Package httpapi exposes the Session Manager over HTTP: the external
// surface described by the broker's endpoint table, translating between
// JSON wire types and sessionmgr's Go API, and classifying errors into
// the status-code taxonomy.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/claude-session-broker/broker/internal/sessionmgr"
	"github.com/claude-session-broker/broker/internal/stream"
	"github.com/claude-session-broker/broker/internal/telemetry"
)

// Server wires the Session Manager to an http.ServeMux following the
// broker's route table.
type Server struct {
	sessions    *sessionmgr.Manager
	logger      *slog.Logger
	mux         *http.ServeMux
	startTime   time.Time
	version     string
	storageKind string
	metrics     MetricsRecorder
	metricsHandler http.Handler
}

// MetricsRecorder receives observations from the HTTP surface. Without
// WithMetrics the Server uses noopMetrics, which silently drops them.
type MetricsRecorder interface {
	ObserveAdmissionRejection(reason string)
	ObserveChatTurn()
}

type noopMetrics struct{}

func (noopMetrics) ObserveAdmissionRejection(string) {}
func (noopMetrics) ObserveChatTurn()                 {}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithVersion sets the version string reported at /healthz.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithStorageKind sets the storage_type string reported at /healthz.
func WithStorageKind(kind string) Option {
	return func(s *Server) { s.storageKind = kind }
}

// WithMetrics attaches a MetricsRecorder; handlers call it on
// admission rejections and completed chat turns.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics. Typically
// metrics.Registry.Handler(), kept separate from WithMetrics so a
// Server can record observations without necessarily exposing a
// scrape endpoint (e.g. in tests).
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// NewServer builds the broker's HTTP surface around an existing,
// already-constructed Session Manager.
func NewServer(sessions *sessionmgr.Manager, opts ...Option) *Server {
	s := &Server{
		sessions:  sessions,
		logger:    slog.Default(),
		startTime: time.Now(),
		version:   "dev",
		metrics:   noopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/resume", s.handleResumeSession)
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("POST /api/v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	s.mux = mux
	return s
}

// Handler returns the plain mux, with no auth/rate-limit middleware —
// tests exercise this directly. Production wiring wraps it via Wrap.
func (s *Server) Handler() http.Handler { return s.mux }

// Wrap applies the given middleware chain around the mux, outermost
// first — e.g. Wrap(mux, CorrelationMiddleware, auth.Middleware(...)).
func Wrap(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// CorrelationMiddleware stamps every request's context with a
// correlation ID, taken from the X-Correlation-ID header if present.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		ctx := telemetry.WithCorrelationID(r.Context(), id)
		w.Header().Set("X-Correlation-ID", telemetry.CorrelationID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type sessionInfoResponse struct {
	SessionID    string            `json:"session_id"`
	UserID       string            `json:"user_id"`
	CWD          string            `json:"cwd"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
	MessageCount int               `json:"message_count"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func toSessionInfoResponse(info sessionmgr.SessionInfo) sessionInfoResponse {
	return sessionInfoResponse{
		SessionID:    info.SessionID,
		UserID:       info.UserID,
		CWD:          info.CWD,
		CreatedAt:    info.CreatedAt,
		LastActiveAt: info.LastActiveAt,
		MessageCount: info.MessageCount,
		Status:       info.Status,
		Metadata:     info.Metadata,
	}
}

type createSessionRequest struct {
	UserID   string            `json:"user_id"`
	Subdir   string            `json:"subdir,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, newAPIError(http.StatusBadRequest, "malformed request body"))
		return
	}

	info, err := s.sessions.Create(r.Context(), req.UserID, req.Subdir, req.Metadata)
	if err != nil {
		apiErr := classify(err)
		if apiErr.Status == http.StatusTooManyRequests {
			s.metrics.ObserveAdmissionRejection(err.Error())
		}
		writeError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, toSessionInfoResponse(info))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	filter := r.URL.Query().Get("filter")
	infos, err := s.sessions.ListFiltered(r.Context(), userID, filter)
	if err != nil {
		writeError(w, classify(err))
		return
	}
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.SessionID
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, classify(err))
		return
	}
	writeJSON(w, http.StatusOK, toSessionInfoResponse(info))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, classify(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		apiErr := classify(err)
		if apiErr.Status == http.StatusTooManyRequests {
			s.metrics.ObserveAdmissionRejection(err.Error())
		}
		writeError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, toSessionInfoResponse(info))
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type toolCallResponse struct {
	Name   string      `json:"name"`
	Input  interface{} `json:"input"`
	Output interface{} `json:"output,omitempty"`
}

type chatResponse struct {
	SessionID string             `json:"session_id"`
	Text      string             `json:"text"`
	ToolCalls []toolCallResponse `json:"tool_calls"`
	Timestamp time.Time          `json:"timestamp"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, newAPIError(http.StatusBadRequest, "malformed request body"))
		return
	}
	if req.Message == "" {
		writeError(w, newAPIError(http.StatusBadRequest, "message must not be empty"))
		return
	}

	result, err := s.sessions.Chat(r.Context(), req.SessionID, req.Message)
	if err != nil {
		apiErr := classify(err)
		if apiErr.Status == http.StatusTooManyRequests {
			s.metrics.ObserveAdmissionRejection(err.Error())
		}
		writeError(w, apiErr)
		return
	}
	s.metrics.ObserveChatTurn()

	calls := make([]toolCallResponse, len(result.ToolCalls))
	for i, c := range result.ToolCalls {
		calls[i] = toolCallResponse{Name: c.Name, Input: c.Input, Output: c.Output}
	}
	writeJSON(w, http.StatusOK, chatResponse{
		SessionID: result.SessionID,
		Text:      result.Text,
		ToolCalls: calls,
		Timestamp: result.Timestamp,
	})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, newAPIError(http.StatusBadRequest, "malformed request body"))
		return
	}
	if req.Message == "" {
		writeError(w, newAPIError(http.StatusBadRequest, "message must not be empty"))
		return
	}

	sw, err := newSSEWriter(w)
	if err != nil {
		writeError(w, newAPIError(http.StatusInternalServerError, "streaming not supported"))
		return
	}

	// beginTurn failures (bad session, busy, overloaded) surface here
	// before any bytes are written, since the event loop hasn't started.
	err = s.sessions.ChatStream(r.Context(), req.SessionID, req.Message, func(rec stream.SSERecord) {
		sw.writeRecord(rec)
	})
	if err != nil {
		apiErr := classify(err)
		if apiErr.Status == http.StatusTooManyRequests {
			s.metrics.ObserveAdmissionRejection(err.Error())
		}
		writeError(w, apiErr)
		return
	}
	s.metrics.ObserveChatTurn()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": apiErr.Detail})
}

type healthResponse struct {
	Status              string  `json:"status"`
	Version             string  `json:"version"`
	ActiveSessionsLive  int     `json:"active_sessions_live"`
	ActiveSessionsTotal int     `json:"active_sessions_total"`
	StorageType         string  `json:"storage_type"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
	RSSMB               float64 `json:"rss_mb"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total := s.sessions.LiveCount()
	if all, err := s.sessions.List(r.Context(), ""); err == nil {
		total = len(all)
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:              "ok",
		Version:             s.version,
		ActiveSessionsLive:  s.sessions.LiveCount(),
		ActiveSessionsTotal: total,
		StorageType:         s.storageKind,
		UptimeSeconds:       time.Since(s.startTime).Seconds(),
		RSSMB:               float64(s.sessions.TotalRSS()),
	})
}
