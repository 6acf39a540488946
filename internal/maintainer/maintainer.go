// Package maintainer runs the Background Maintainer: a single
// cooperative job that sweeps expired sessions, evicts idle Agent
// Clients, and recovers from memory pressure, plus a parallel shutdown
// path for all live clients.
package maintainer

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/claude-session-broker/broker/internal/sessionmgr"
	"github.com/claude-session-broker/broker/internal/store"
)

// Metrics is the subset of metrics.Registry the maintainer reports
// into. Defined locally to avoid an import cycle with internal/metrics.
type Metrics interface {
	SetSessionCounts(live, total int)
	SetRSSMB(mb float64)
	ObserveEviction(cause string)
}

type noopMetrics struct{}

func (noopMetrics) SetSessionCounts(int, int) {}
func (noopMetrics) SetRSSMB(float64)          {}
func (noopMetrics) ObserveEviction(string)    {}

// Limits is the hot-reloadable subset the maintainer consults every
// tick — read fresh each time, never cached, so a config hot-reload
// takes effect on the very next run.
type Limits struct {
	TTL                time.Duration
	IdleSessionTimeout time.Duration
	MemoryLimitMB      int
}

// Maintainer owns the cron schedule and the tick logic.
type Maintainer struct {
	store    store.Store
	sessions *sessionmgr.Manager
	limits   func() Limits
	metrics  Metrics
	logger   *slog.Logger

	cron *cron.Cron
}

// Option configures a Maintainer.
type Option func(*Maintainer)

// WithMetrics attaches a Metrics sink.
func WithMetrics(m Metrics) Option {
	return func(mt *Maintainer) { mt.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(mt *Maintainer) { mt.logger = logger }
}

// New builds a Maintainer. limits is called fresh on every tick so it
// can read from a config.Snapshot's hot-reloadable values.
func New(st store.Store, sessions *sessionmgr.Manager, limits func() Limits, opts ...Option) *Maintainer {
	mt := &Maintainer{
		store:    st,
		sessions: sessions,
		limits:   limits,
		metrics:  noopMetrics{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(mt)
	}
	return mt
}

// Start schedules Tick to run every 60 seconds and returns immediately;
// the cron scheduler runs in its own goroutine.
func (mt *Maintainer) Start() error {
	c := cron.New()
	if _, err := c.AddFunc("@every 60s", func() {
		mt.Tick(context.Background())
	}); err != nil {
		return err
	}
	mt.cron = c
	c.Start()
	return nil
}

// Tick implements spec.md §4.7 steps 1-3: sweep expired sessions, evict
// idle live clients, and recover from memory pressure if needed.
func (mt *Maintainer) Tick(ctx context.Context) {
	limits := mt.limits()
	now := time.Now()

	expired, err := mt.store.SweepExpired(ctx, now, limits.TTL)
	if err != nil {
		mt.logger.Warn("sweep_expired failed", "error", err)
	}
	for _, id := range expired {
		mt.sessions.CloseLiveForID(ctx, id)
		mt.metrics.ObserveEviction("ttl_sweep")
	}

	idleEvicted := mt.sessions.EvictIdle(ctx, limits.IdleSessionTimeout)
	for range idleEvicted {
		mt.metrics.ObserveEviction("idle")
	}

	if limits.MemoryLimitMB > 0 {
		mt.recoverFromPressure(ctx, limits.MemoryLimitMB)
	}

	total := mt.sessions.LiveCount()
	if all, err := mt.sessions.List(ctx, ""); err == nil {
		total = len(all)
	}
	mt.metrics.SetSessionCounts(mt.sessions.LiveCount(), total)
	mt.metrics.SetRSSMB(float64(mt.sessions.TotalRSS()))
}

// recoverFromPressure evicts live clients in ascending last_used order
// until RSS falls below the threshold or the fleet is empty.
func (mt *Maintainer) recoverFromPressure(ctx context.Context, memoryLimitMB int) {
	shouldStop := func() bool { return mt.sessions.TotalRSS() <= memoryLimitMB }
	if shouldStop() {
		return
	}
	evicted := mt.sessions.EvictAscendingByLastUsed(ctx, shouldStop)
	for range evicted {
		mt.metrics.ObserveEviction("pressure")
	}
}

// Shutdown stops the cron schedule and closes every live client in
// parallel, bounded by ctx's deadline.
func (mt *Maintainer) Shutdown(ctx context.Context) {
	if mt.cron != nil {
		stopCtx := mt.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	mt.sessions.CloseAll(ctx)
}
