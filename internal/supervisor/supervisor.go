// Package supervisor owns the agent's lifecycle: it blocks until the local member
// record can be written, then runs the tick loop until asked to stop (whether the
// data directory is empty is checked by the HA engine on every tick, not here),
// extending the member
// TTL and releasing the leader lease on the way out. This is the Go re-expression of
// Patroni's Governor.initialize/run/shutdown sequence, with every signal handler and
// global the source relied on made an explicit, owned object instead.
package supervisor

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"haguard/internal/cluster"
	"haguard/internal/dbctl"
	"haguard/internal/dcs"
	"haguard/internal/events"
	"haguard/internal/ha"
	"haguard/internal/journal"
	"haguard/internal/metrics"
)

// shutdownMemberTTL is the long TTL the member record is extended to just before
// exit so peers do not flap: extend the member TTL well past its normal refresh
// interval (>= 5x loop_wait, default 300s) before process exit.
const shutdownMemberTTL = 300 * time.Second

// Config carries the supervisor's own tunables; the DCS/DB connections and the HA
// engine are constructed by the caller and handed in already wired.
type Config struct {
	MemberName    string
	ConnString    string
	APIBaseURL    string
	LoopWait      time.Duration
	TTL           time.Duration
	TouchRetry    time.Duration // how often to retry the first touch_member, default 5s
}

// Agent runs the bootstrap -> tick -> shutdown lifecycle for one member.
type Agent struct {
	cfg     Config
	dcs     dcs.Client
	db      dbctl.Controller
	engine  *ha.Engine
	journal *journal.Journal
	hub     *events.Hub
	metrics *metrics.Registry
	log     *zap.Logger

	tickCount uint64
}

// New constructs an Agent. All dependencies must already be initialized; New does
// not itself connect to anything.
func New(cfg Config, client dcs.Client, db dbctl.Controller, engine *ha.Engine,
	j *journal.Journal, hub *events.Hub, reg *metrics.Registry, log *zap.Logger) *Agent {
	if cfg.LoopWait == 0 {
		cfg.LoopWait = 10 * time.Second
	}
	if cfg.TouchRetry == 0 {
		cfg.TouchRetry = 5 * time.Second
	}
	return &Agent{cfg: cfg, dcs: client, db: db, engine: engine, journal: j, hub: hub, metrics: reg, log: log}
}

// Run blocks until ctx is cancelled, executing the bootstrap sequence once and then
// ticking every LoopWait. On return the shutdown sequence has already completed.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.bootstrap(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.cfg.LoopWait)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// bootstrap blocks until the first touch_member succeeds, retrying every
// TouchRetry with an info-level log each attempt, matching the source's
// initialize() loop.
func (a *Agent) bootstrap(ctx context.Context) error {
	member := cluster.Member{Name: a.cfg.MemberName, ConnString: a.cfg.ConnString, APIBaseURL: a.cfg.APIBaseURL}

	for {
		touchCtx, cancel := context.WithTimeout(ctx, a.cfg.LoopWait/2)
		err := a.dcs.TouchMember(touchCtx, member, a.cfg.TTL)
		cancel()
		if err == nil {
			break
		}
		a.log.Info("supervisor: waiting for dcs to accept member registration", zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.TouchRetry):
		}
	}

	a.log.Info("supervisor: member registered", zap.String("member", a.cfg.MemberName))
	return nil
}

// tick runs exactly one loop iteration: heartbeat, decide, log, broadcast, observe.
func (a *Agent) tick(ctx context.Context) {
	a.tickCount++
	tickCtx, cancel := context.WithTimeout(ctx, a.cfg.LoopWait)
	defer cancel()

	member := cluster.Member{Name: a.cfg.MemberName, ConnString: a.cfg.ConnString, APIBaseURL: a.cfg.APIBaseURL}
	if err := a.dcs.TouchMember(tickCtx, member, a.cfg.TTL); err != nil {
		a.log.Warn("supervisor: heartbeat failed", zap.Error(err))
		if a.metrics != nil {
			a.metrics.RecordDCSUnavailable()
		}
	}

	start := time.Now()
	status := a.engine.RunCycle(tickCtx)
	elapsed := time.Since(start)

	if status.Err != nil {
		a.log.Warn("supervisor: tick completed with error",
			zap.String("state", string(status.State)), zap.String("action", status.Action), zap.Error(status.Err))
	} else {
		a.log.Debug("supervisor: tick completed",
			zap.String("state", string(status.State)), zap.String("action", status.Action))
	}

	if a.journal != nil {
		a.journal.Record(a.cfg.MemberName, status)
	}
	if a.hub != nil {
		a.hub.Broadcast(a.cfg.MemberName, status)
	}
	if a.metrics != nil {
		a.metrics.Observe(status, elapsed.Seconds())
	}
}

// shutdown implements the source's termination path: extend the member TTL so
// peers do not treat this departure as a crash, stop the database, and release the
// leader lease if this node held it.
func (a *Agent) shutdown() {
	a.log.Info("supervisor: shutting down", zap.String("member", a.cfg.MemberName))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	member := cluster.Member{Name: a.cfg.MemberName, ConnString: a.cfg.ConnString, APIBaseURL: a.cfg.APIBaseURL}
	if err := a.retryTransient(ctx, func() error {
		return a.dcs.TouchMember(ctx, member, shutdownMemberTTL)
	}); err != nil {
		a.log.Warn("supervisor: failed to extend member ttl before exit", zap.Error(err))
	}

	if err := a.db.Stop(ctx, dbctl.StopModeFast); err != nil {
		a.log.Warn("supervisor: failed to stop database during shutdown", zap.Error(err))
	}

	if err := a.retryTransient(ctx, func() error {
		return a.dcs.DeleteLeader(ctx, a.cfg.MemberName)
	}); err != nil {
		a.log.Warn("supervisor: failed to release leader lease during shutdown", zap.Error(err))
	}

	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.log.Warn("supervisor: failed to close journal", zap.Error(err))
		}
	}
}

// retryTransient gives the shutdown path a few chances against a blip in the DCS
// connection before giving up - shutdown only gets one pass through these calls and
// a single dropped packet should not cost the node its graceful-exit TTL extension.
func (a *Agent) retryTransient(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}
