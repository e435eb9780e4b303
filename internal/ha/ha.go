// Package ha implements the per-tick decision procedure: given a cluster snapshot
// and the local database's observed state, decide and perform exactly one action,
// then report the resulting node state. Nothing in this package sleeps, retries, or
// owns a ticker - that is internal/supervisor's job. RunCycle is meant to be called
// once per tick and to return promptly; anything that could block for more than a
// moment is handed to internal/executor instead.
package ha

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"haguard/internal/cluster"
	"haguard/internal/dbctl"
	"haguard/internal/dcs"
	"haguard/internal/executor"
)

// State is the node's local view of its role in the cluster, reported to the REST
// API and metrics after each cycle. It is derived, never stored - the DCS records
// only the leader key and member presence, not this enum.
type State string

const (
	StateUninitialized      State = "uninitialized"
	StateBootstrappingLead  State = "bootstrapping_primary"
	StateBootstrappingRepl  State = "bootstrapping_replica"
	StateFollower           State = "follower"
	StateLeaderCandidate    State = "leader_candidate"
	StateLeader             State = "leader"
	StateDemoting           State = "demoting"
	StatePaused             State = "paused"
)

// Status is RunCycle's report of what happened this tick, consumed by the REST API,
// the metrics package and the journal.
type Status struct {
	State      State
	Leader     string
	Action     string // short human-readable description, e.g. "promoted to leader"
	Err        error
	ViaDCS     bool // true when the decision acted on a request read from the DCS failover key
}

// Config carries the tunables the engine itself needs; everything else (DCS
// endpoint, data directory paths, etc.) lives one layer down in dcs.Client and
// dbctl.Controller, which the engine is handed already constructed.
type Config struct {
	Name    string
	TTL     time.Duration
	ConnStr string
	APIURL  string

	// MaximumLagOnFailover bounds how far behind (in bytes) a replica may be and
	// still be considered an eligible promotion candidate. Negative (the
	// default) means unbounded - no replica is disqualified by lag unless the
	// operator opts into a cap.
	MaximumLagOnFailover int64
}

// Engine drives one local database instance through the cluster's decision table.
type Engine struct {
	cfg  Config
	dcs  dcs.Client
	db   dbctl.Controller
	exec *executor.Executor
	log  *zap.Logger

	lastState State
}

// New constructs an Engine. client, db and exec must already be initialized.
func New(cfg Config, client dcs.Client, db dbctl.Controller, exec *executor.Executor, log *zap.Logger) *Engine {
	return &Engine{cfg: cfg, dcs: client, db: db, exec: exec, log: log, lastState: StateUninitialized}
}

// LastState returns the state as of the most recently completed RunCycle.
func (e *Engine) LastState() State { return e.lastState }

// RunCycle reads one snapshot, decides one action, performs it, and returns the
// resulting status. It never blocks longer than the DCS/DB calls it makes directly;
// anything longer is delegated to the executor and observed as Busy on this and
// later ticks.
func (e *Engine) RunCycle(ctx context.Context) Status {
	snap, err := e.dcs.GetCluster(ctx)
	if err != nil {
		// A DCS read failure must never mutate local
		// database state and must not be treated as "I lost leadership" - only an
		// observed CAS failure does that.
		e.log.Warn("ha: dcs read failed, skipping tick", zap.Error(err))
		return Status{State: e.lastState, Err: fmt.Errorf("%w", dcs.ErrUnavailable), Action: "dcs unavailable, skipped"}
	}

	view := cluster.NewView(snap, e.cfg.Name)
	status := e.decide(ctx, view)
	e.lastState = status.State
	return status
}

func (e *Engine) decide(ctx context.Context, v *cluster.View) Status {
	// Bootstrap: no cluster exists yet.
	if !v.Initialized() {
		return e.decideBootstrap(ctx)
	}

	// A pending manual failover that names us takes priority over the steady-state
	// leader/replica branches below. The request always arrives through the DCS
	// failover key, whether the CLI wrote it directly or the leader's REST
	// /failover handler wrote it on the CLI's behalf.
	if v.FailoverTargetsMe() && v.IAmLeader() {
		return e.actOnFailoverRelease(ctx, v)
	}

	empty, err := e.db.DataDirectoryEmpty(ctx)
	if err != nil {
		return e.pause(fmt.Sprintf("data directory check failed: %v", err), err)
	}
	if empty {
		return e.decideClone(ctx, v)
	}

	if !e.db.IsRunning(ctx) {
		if e.exec.Busy() {
			return Status{State: StatePaused, Action: "restart already in progress"}
		}
		// RunAsync is handed context.Background(), not this tick's ctx: RunCycle
		// returns long before the scheduled work does, and the caller's ctx gets
		// cancelled on every tick's way out - threading it through here would
		// kill the task seconds after starting it.
		if err := e.exec.RunAsync(context.Background(), func(ctx context.Context) error {
			return e.db.Start(ctx)
		}); err != nil && !errors.Is(err, executor.ErrBusy) {
			return e.pause(fmt.Sprintf("failed to schedule restart: %v", err), err)
		}
		return Status{State: StatePaused, Action: "starting database"}
	}

	if v.IAmLeader() {
		return e.decideAsLeader(ctx, v)
	}
	return e.decideAsNonLeader(ctx, v)
}

func (e *Engine) decideBootstrap(ctx context.Context) Status {
	empty, err := e.db.DataDirectoryEmpty(ctx)
	if err != nil {
		return e.pause(fmt.Sprintf("data directory check failed: %v", err), err)
	}
	if !empty {
		// Someone initialized this node's disk out of band, or we're mid-recovery
		// from a previous run. Wait for a snapshot with the initialize marker.
		return Status{State: StateUninitialized, Action: "data directory non-empty, awaiting initialize marker"}
	}

	raceErr := e.dcs.Race(ctx, "initialize", e.cfg.Name)
	if raceErr != nil {
		if errors.Is(raceErr, dcs.ErrCASConflict) {
			// Lost the race: report bootstrapping_replica; next tick's snapshot
			// will carry the winner's leader key and we take the clone path.
			return Status{State: StateBootstrappingRepl, Action: "lost initialize race, awaiting leader"}
		}
		return Status{State: StateUninitialized, Err: raceErr, Action: "initialize race failed"}
	}

	// Won the race. I1 guarantees no prior leader can exist, so this is the one
	// place TakeLeader is used unconditionally rather than via CAS-acquire.
	if e.exec.Busy() {
		return Status{State: StateBootstrappingLead, Action: "initialize already in progress"}
	}
	// Long-lived: initdb/start can run well past this tick's deadline, so the
	// task must not inherit RunCycle's ctx.
	err = e.exec.RunAsync(context.Background(), func(ctx context.Context) error {
		if err := e.db.Initialize(ctx); err != nil {
			return err
		}
		if err := e.db.Start(ctx); err != nil {
			return err
		}
		if err := e.db.CreateReplicationUser(ctx); err != nil {
			return err
		}
		if err := e.db.CreateConnectionUsers(ctx); err != nil {
			return err
		}
		return e.dcs.TakeLeader(ctx, e.cfg.Name, e.cfg.TTL)
	})
	if err != nil && !errors.Is(err, executor.ErrBusy) {
		return Status{State: StateUninitialized, Err: err, Action: "failed to schedule bootstrap"}
	}
	return Status{State: StateBootstrappingLead, Leader: e.cfg.Name, Action: "bootstrapping as initial primary"}
}

func (e *Engine) decideClone(ctx context.Context, v *cluster.View) Status {
	leader := v.Leader()
	if leader == nil {
		return Status{State: StateBootstrappingRepl, Action: "awaiting leader before cloning"}
	}
	lm, ok := v.LeaderMember()
	if !ok {
		return Status{State: StateBootstrappingRepl, Action: "leader has no member record yet"}
	}
	if e.exec.Busy() {
		return Status{State: StateBootstrappingRepl, Action: "clone already in progress"}
	}
	// A base backup can take far longer than one tick; run it detached from
	// RunCycle's ctx the same way the bootstrap and restart paths do.
	err := e.exec.RunAsync(context.Background(), func(ctx context.Context) error {
		if err := e.db.SyncFromLeader(ctx, lm.ConnString); err != nil {
			return err
		}
		if err := e.db.WriteRecoveryConf(ctx, lm.ConnString); err != nil {
			return err
		}
		return e.db.Start(ctx)
	})
	if err != nil && !errors.Is(err, executor.ErrBusy) {
		return e.pause(fmt.Sprintf("clone from leader failed: %v", err), err)
	}
	return Status{State: StateBootstrappingRepl, Leader: leader.Name, Action: "cloning from leader " + leader.Name}
}

func (e *Engine) decideAsLeader(ctx context.Context, v *cluster.View) Status {
	isPrimary, err := e.db.IsLeader(ctx)
	if err != nil {
		return e.pause(fmt.Sprintf("could not query recovery state: %v", err), err)
	}

	if isPrimary {
		if err := e.dcs.UpdateLeader(ctx, e.cfg.Name, e.cfg.TTL); err != nil {
			if errors.Is(err, dcs.ErrNotLeader) {
				// Invariant 5: a lost CAS-refresh demotes before any further DB
				// mutation, no grace period.
				return Status{State: StateDemoting, Leader: v.Leader().Name, Action: "lease lost, demoting", Err: err}
			}
			return Status{State: StateLeader, Leader: e.cfg.Name, Err: err, Action: "leader lease refresh failed, will retry"}
		}
		return Status{State: StateLeader, Leader: e.cfg.Name, Action: "leader lease refreshed"}
	}

	// I hold the DCS lease but the database is still in recovery: finish becoming
	// primary (invariant 3).
	if err := e.db.Promote(ctx); err != nil {
		return e.pause(fmt.Sprintf("promote failed: %v", err), err)
	}
	return Status{State: StateLeader, Leader: e.cfg.Name, Action: "promoted to leader"}
}

func (e *Engine) decideAsNonLeader(ctx context.Context, v *cluster.View) Status {
	isPrimary, err := e.db.IsLeader(ctx)
	if err != nil {
		return e.pause(fmt.Sprintf("could not query recovery state: %v", err), err)
	}

	if v.HasLeader() {
		lm, _ := v.LeaderMember()
		if isPrimary {
			// Split-brain healing (invariant 2): I'm primary, but the DCS says
			// someone else holds the lease. Demote immediately.
			if err := e.db.Demote(ctx, lm.ConnString); err != nil {
				return e.pause(fmt.Sprintf("demote failed: %v", err), err)
			}
			return Status{State: StateFollower, Leader: v.Leader().Name, Action: "demoted to heal split-brain"}
		}
		if err := e.db.FollowTheLeader(ctx, lm.ConnString); err != nil {
			return e.pause(fmt.Sprintf("follow leader failed: %v", err), err)
		}
		return Status{State: StateFollower, Leader: v.Leader().Name, Action: "following leader " + v.Leader().Name}
	}

	// Leader slot is vacant. If a manual failover names someone else as
	// candidate, defer to it instead of racing.
	if fo := v.Failover(); fo != nil && !fo.Empty() && fo.Candidate != "" && fo.Candidate != e.cfg.Name {
		return Status{State: StateFollower, Action: "vacancy reserved for failover candidate " + fo.Candidate}
	}

	// A node that is already locally primary (its lease simply expired or was
	// stolen) does not need eligibility screening or a promote call - it only
	// needs to reclaim the lease it should still own.
	if isPrimary {
		if err := e.dcs.AttemptToAcquireLeader(ctx, e.cfg.Name, e.cfg.TTL); err != nil {
			if errors.Is(err, dcs.ErrCASConflict) {
				// Someone else won the vacancy while we were still primary: a
				// split-brain will be healed on the next tick once that leader
				// key is visible in our snapshot.
				return Status{State: StateDemoting, Action: "lease reclaim lost race, will heal split-brain next tick"}
			}
			return Status{State: StateLeaderCandidate, Err: err, Action: "lease reclaim attempt failed"}
		}
		return Status{State: StateLeaderCandidate, Leader: e.cfg.Name, Action: "reclaimed leadership after lease loss"}
	}

	eligible, reason := e.eligible(ctx, isPrimary)
	if !eligible {
		return Status{State: StateFollower, Action: "not an eligible candidate: " + reason}
	}

	if err := e.dcs.AttemptToAcquireLeader(ctx, e.cfg.Name, e.cfg.TTL); err != nil {
		if errors.Is(err, dcs.ErrCASConflict) {
			return Status{State: StateFollower, Action: "lost leader-acquisition race"}
		}
		return Status{State: StateLeaderCandidate, Err: err, Action: "leader acquisition attempt failed"}
	}
	if err := e.db.Promote(ctx); err != nil {
		return e.pause(fmt.Sprintf("promote after acquiring leadership failed: %v", err), err)
	}
	if fo := v.Failover(); fo != nil && fo.Candidate == e.cfg.Name {
		_ = e.dcs.ManualFailoverUnset(ctx)
	}
	return Status{State: StateLeaderCandidate, Leader: e.cfg.Name, Action: "acquired leadership and promoted"}
}

// eligible implements the promotion-eligibility policy: running, replica, and
// within the configured lag bound if one is set and the controller can report lag.
func (e *Engine) eligible(ctx context.Context, isPrimary bool) (bool, string) {
	if !e.db.IsRunning(ctx) {
		return false, "database not running"
	}
	if isPrimary {
		return false, "already primary outside DCS leadership"
	}
	if e.cfg.MaximumLagOnFailover < 0 {
		return true, ""
	}
	lag, err := e.db.ReplicationLag(ctx)
	if err != nil {
		// Unknown lag defaults to eligible.
		return true, ""
	}
	if lag > e.cfg.MaximumLagOnFailover {
		return false, fmt.Sprintf("replication lag %d exceeds maximum_lag_on_failover %d", lag, e.cfg.MaximumLagOnFailover)
	}
	return true, ""
}

// actOnFailoverRelease is the leader-side half of a manual failover: release the
// lease and step down toward the requested candidate (or any eligible replica if
// no candidate was named).
func (e *Engine) actOnFailoverRelease(ctx context.Context, v *cluster.View) Status {
	fo := v.Failover()
	target := fo.Candidate
	if target != "" {
		if _, ok := v.Member(target); !ok {
			// Candidate vanished between request and action; abandon the request
			// rather than demote toward nothing.
			_ = e.dcs.ManualFailoverUnset(ctx)
			return Status{State: StateLeader, Leader: e.cfg.Name, Action: "failover candidate no longer exists, request dropped"}
		}
	}

	if err := e.dcs.DeleteLeader(ctx, e.cfg.Name); err != nil {
		return Status{State: StateLeader, Leader: e.cfg.Name, Err: err, Action: "failover release failed"}
	}
	_ = e.dcs.ManualFailoverUnset(ctx)

	var newLeaderConn string
	if target != "" {
		if m, ok := v.Member(target); ok {
			newLeaderConn = m.ConnString
		}
	}
	if err := e.db.Demote(ctx, newLeaderConn); err != nil {
		return Status{State: StateDemoting, Err: err, Action: "demote during failover release failed"}
	}
	return Status{State: StateFollower, Action: "released leadership for manual failover", ViaDCS: true}
}

func (e *Engine) pause(reason string, err error) Status {
	e.log.Error("ha: pausing node", zap.String("reason", reason), zap.Error(err))
	return Status{State: StatePaused, Err: fmt.Errorf("%w: %s", dbctl.ErrFatal, reason), Action: reason}
}
