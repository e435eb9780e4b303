package ha

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"haguard/internal/cluster"
	"haguard/internal/dbctl"
	"haguard/internal/dcs"
	"haguard/internal/executor"
)

func memberOf(name, conn string) cluster.Member {
	return cluster.Member{Name: name, ConnString: conn, Role: "replica"}
}

func failoverOf(leader, candidate string) cluster.Failover {
	return cluster.Failover{Leader: leader, Candidate: candidate}
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func newEngine(name string, client dcs.Client, db dbctl.Controller) *Engine {
	cfg := Config{Name: name, TTL: 30 * time.Second, ConnStr: "host=" + name, MaximumLagOnFailover: -1}
	return New(cfg, client, db, executor.New(), testLogger())
}

func waitExecutorIdle(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !e.exec.Busy() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("executor never went idle")
}

// S1: bootstrap race between two agents against an empty DCS.
func TestS1_BootstrapRace(t *testing.T) {
	ctx := context.Background()
	store := dcs.NewFakeClient()

	dbA := dbctl.NewFakeController("a", "host=a")
	dbB := dbctl.NewFakeController("b", "host=b")
	engA := newEngine("a", store, dbA)
	engB := newEngine("b", store, dbB)

	statusA := engA.RunCycle(ctx)
	waitExecutorIdle(t, engA)
	assert.Equal(t, StateBootstrappingLead, statusA.State)

	snap, err := store.GetCluster(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.Leader)
	assert.Equal(t, "a", snap.Leader.Name)

	require.NoError(t, store.TouchMember(ctx, memberOf("a", "host=a"), 30*time.Second))
	require.NoError(t, store.TouchMember(ctx, memberOf("b", "host=b"), 30*time.Second))

	statusB := engB.RunCycle(ctx)
	waitExecutorIdle(t, engB)
	assert.Equal(t, StateBootstrappingRepl, statusB.State)
	assert.True(t, dbB.Running)

	statusB2 := engB.RunCycle(ctx)
	assert.Equal(t, StateFollower, statusB2.State)
	assert.Equal(t, "a", statusB2.Leader)
}

// S2: graceful manual failover between two established members.
func TestS2_GracefulFailover(t *testing.T) {
	ctx := context.Background()
	store := dcs.NewFakeClient()

	dbLeader := dbctl.NewFakeController("leader", "host=leader")
	dbLeader.Empty = false
	dbLeader.Running = true
	dbLeader.Primary = true
	dbOther := dbctl.NewFakeController("other", "host=other")
	dbOther.Empty = false
	dbOther.Running = true
	dbOther.Primary = false

	require.NoError(t, store.Race(ctx, "initialize", "leader"))
	require.NoError(t, store.TakeLeader(ctx, "leader", 30*time.Second))
	require.NoError(t, store.TouchMember(ctx, memberOf("leader", "host=leader"), 30*time.Second))
	require.NoError(t, store.TouchMember(ctx, memberOf("other", "host=other"), 30*time.Second))

	engLeader := newEngine("leader", store, dbLeader)
	engOther := newEngine("other", store, dbOther)

	require.NoError(t, store.SetFailoverValue(ctx, failoverOf("leader", "other")))

	st := engLeader.RunCycle(ctx)
	assert.Equal(t, StateFollower, st.State)
	assert.True(t, st.ViaDCS)
	assert.False(t, dbLeader.Primary)

	snap, _ := store.GetCluster(ctx)
	assert.Nil(t, snap.Leader)
	assert.Nil(t, snap.Failover)

	st2 := engOther.RunCycle(ctx)
	assert.Equal(t, StateLeaderCandidate, st2.State)
	assert.Equal(t, "other", st2.Leader)
	assert.True(t, dbOther.Primary)
}

// S5: leader lease loss simulated by externally clearing the leader key.
func TestS5_LeaseLoss(t *testing.T) {
	ctx := context.Background()
	store := dcs.NewFakeClient()

	db := dbctl.NewFakeController("leader", "host=leader")
	db.Empty = false
	db.Running = true
	db.Primary = true

	require.NoError(t, store.Race(ctx, "initialize", "leader"))
	require.NoError(t, store.TakeLeader(ctx, "leader", 30*time.Second))
	require.NoError(t, store.TouchMember(ctx, memberOf("leader", "host=leader"), 30*time.Second))

	eng := newEngine("leader", store, db)

	store.ExpireLeader()

	st := eng.RunCycle(ctx)
	assert.Equal(t, StateLeaderCandidate, st.State)
}

// S6: DCS outage must not mutate local database state.
func TestS6_DCSOutage(t *testing.T) {
	ctx := context.Background()
	store := dcs.NewFakeClient()
	store.Unavailable = true

	db := dbctl.NewFakeController("leader", "host=leader")
	db.Empty = false
	db.Running = true
	db.Primary = true

	eng := newEngine("leader", store, db)
	st := eng.RunCycle(ctx)

	assert.Equal(t, StateUninitialized, st.State) // unchanged from the initial lastState set by New
	assert.Error(t, st.Err)
	assert.True(t, db.Primary, "database role must be untouched during an outage")
	assert.True(t, db.Running)
}

// Invariant 2: a node that is primary but not DCS leader demotes within one tick.
func TestInvariant_SplitBrainHealing(t *testing.T) {
	ctx := context.Background()
	store := dcs.NewFakeClient()

	dbRogue := dbctl.NewFakeController("rogue", "host=rogue")
	dbRogue.Empty = false
	dbRogue.Running = true
	dbRogue.Primary = true // believes itself primary, but DCS disagrees

	require.NoError(t, store.Race(ctx, "initialize", "real-leader"))
	require.NoError(t, store.TakeLeader(ctx, "real-leader", 30*time.Second))
	require.NoError(t, store.TouchMember(ctx, memberOf("real-leader", "host=real-leader"), 30*time.Second))
	require.NoError(t, store.TouchMember(ctx, memberOf("rogue", "host=rogue"), 30*time.Second))

	eng := newEngine("rogue", store, dbRogue)
	st := eng.RunCycle(ctx)

	assert.Equal(t, StateFollower, st.State)
	assert.False(t, dbRogue.Primary)
}

// Invariant 3: DCS leader but not running primary promotes within one tick.
func TestInvariant_PromotesWhenLeaderButReplica(t *testing.T) {
	ctx := context.Background()
	store := dcs.NewFakeClient()

	db := dbctl.NewFakeController("leader", "host=leader")
	db.Empty = false
	db.Running = true
	db.Primary = false // still finishing recovery

	require.NoError(t, store.Race(ctx, "initialize", "leader"))
	require.NoError(t, store.TakeLeader(ctx, "leader", 30*time.Second))
	require.NoError(t, store.TouchMember(ctx, memberOf("leader", "host=leader"), 30*time.Second))

	eng := newEngine("leader", store, db)
	st := eng.RunCycle(ctx)

	assert.Equal(t, StateLeader, st.State)
	assert.True(t, db.Primary)
}

// Regression: decideBootstrap schedules initialize/start/TakeLeader via the
// executor. supervisor.tick() derives a per-tick context, calls RunCycle with it,
// then immediately defers that context's cancel on return - RunAsync must not let
// that cancellation reach a task it just scheduled, or every background task would
// be killed microseconds after starting.
func TestDecideBootstrap_SurvivesTickScopedContextCancellation(t *testing.T) {
	store := dcs.NewFakeClient()
	db := dbctl.NewFakeController("a", "host=a")
	db.InitializeDelay = 50 * time.Millisecond
	eng := newEngine("a", store, db)

	tickCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	status := eng.RunCycle(tickCtx)
	assert.Equal(t, StateBootstrappingLead, status.State)

	// Mirror tick(): the caller's context is cancelled right after RunCycle
	// returns, well before the scheduled work below would finish.
	cancel()

	waitExecutorIdle(t, eng)

	snap, err := store.GetCluster(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.Leader)
	assert.Equal(t, "a", snap.Leader.Name)
	assert.True(t, db.Running)
	assert.False(t, db.Empty)
}

// Eligibility: replication lag beyond MaximumLagOnFailover disqualifies a candidate.
func TestEligibility_LagExceedsMaximum(t *testing.T) {
	ctx := context.Background()
	store := dcs.NewFakeClient()

	db := dbctl.NewFakeController("replica", "host=replica")
	db.Empty = false
	db.Running = true
	db.Primary = false
	db.LagBytes = 1_000_000

	require.NoError(t, store.Race(ctx, "initialize", "replica"))
	require.NoError(t, store.TouchMember(ctx, memberOf("replica", "host=replica"), 30*time.Second))

	cfg := Config{Name: "replica", TTL: 30 * time.Second, MaximumLagOnFailover: 1000}
	eng := New(cfg, store, db, executor.New(), testLogger())

	st := eng.RunCycle(ctx)
	assert.Equal(t, StateFollower, st.State)
	assert.Contains(t, st.Action, "not an eligible candidate")
}
