package ctl

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"haguard/internal/cluster"
	"haguard/internal/dcs"
)

func newTestClient(t *testing.T) (*Client, *dcs.FakeClient, *bytes.Buffer) {
	t.Helper()
	store := dcs.NewFakeClient()
	var out bytes.Buffer
	return &Client{DCS: store, Out: &out}, store, &out
}

// S3: invalid failover where target equals the current leader.
func TestFailover_RejectsSameSourceAndTarget(t *testing.T) {
	ctx := context.Background()
	c, store, out := newTestClient(t)

	require.NoError(t, store.Race(ctx, "initialize", "leader"))
	require.NoError(t, store.TakeLeader(ctx, "leader", 30*time.Second))
	require.NoError(t, store.TouchMember(ctx, cluster.Member{Name: "leader"}, 30*time.Second))

	err := c.Failover(ctx, "leader", "leader")
	assert.Error(t, err)
	assert.Contains(t, out.String(), "target and source are the same")
}

// S4: failover targeting an unknown member.
func TestFailover_RejectsUnknownCandidate(t *testing.T) {
	ctx := context.Background()
	c, store, out := newTestClient(t)

	require.NoError(t, store.Race(ctx, "initialize", "leader"))
	require.NoError(t, store.TakeLeader(ctx, "leader", 30*time.Second))
	require.NoError(t, store.TouchMember(ctx, cluster.Member{Name: "leader"}, 30*time.Second))

	err := c.Failover(ctx, "leader", "ghost")
	assert.Error(t, err)
	assert.Contains(t, out.String(), "does not exist")
}

func TestFailover_RejectsWrongCurrentLeader(t *testing.T) {
	ctx := context.Background()
	c, store, out := newTestClient(t)

	require.NoError(t, store.Race(ctx, "initialize", "leader"))
	require.NoError(t, store.TakeLeader(ctx, "leader", 30*time.Second))
	require.NoError(t, store.TouchMember(ctx, cluster.Member{Name: "leader"}, 30*time.Second))
	require.NoError(t, store.TouchMember(ctx, cluster.Member{Name: "other"}, 30*time.Second))

	err := c.Failover(ctx, "other", "leader")
	assert.Error(t, err)
	assert.Contains(t, out.String(), "is not the leader of cluster")
}

// S2-adjacent: a valid failover with no reachable REST API falls back to the DCS
// slow path and reports it.
func TestFailover_FallsBackToDCS(t *testing.T) {
	ctx := context.Background()
	c, store, out := newTestClient(t)

	require.NoError(t, store.Race(ctx, "initialize", "leader"))
	require.NoError(t, store.TakeLeader(ctx, "leader", 30*time.Second))
	require.NoError(t, store.TouchMember(ctx, cluster.Member{Name: "leader", APIBaseURL: "http://127.0.0.1:1"}, 30*time.Second))
	require.NoError(t, store.TouchMember(ctx, cluster.Member{Name: "other"}, 30*time.Second))

	err := c.Failover(ctx, "leader", "other")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "via DCS")

	snap, _ := store.GetCluster(ctx)
	require.NotNil(t, snap.Failover)
	assert.Equal(t, "other", snap.Failover.Candidate)
}

// S7: remove with wrong confirmation text.
func TestRemove_RejectsWrongConfirmation(t *testing.T) {
	ctx := context.Background()
	c, _, out := newTestClient(t)

	err := c.Remove(ctx, "mycluster", "not-mycluster", "leader")
	assert.Error(t, err)
	assert.Contains(t, out.String(), "You did not exactly type")
}

// S7: remove with correct confirmation but wrong master name.
func TestRemove_RejectsWrongMaster(t *testing.T) {
	ctx := context.Background()
	c, store, out := newTestClient(t)

	require.NoError(t, store.Race(ctx, "initialize", "leader"))
	require.NoError(t, store.TakeLeader(ctx, "leader", 30*time.Second))

	err := c.Remove(ctx, "mycluster", "mycluster", "not-the-leader")
	assert.Error(t, err)
	assert.Contains(t, out.String(), "You did not specify the current master")
}

func TestRemove_SucceedsWithCorrectInputs(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestClient(t)

	require.NoError(t, store.Race(ctx, "initialize", "leader"))
	require.NoError(t, store.TakeLeader(ctx, "leader", 30*time.Second))

	err := c.Remove(ctx, "mycluster", "mycluster", "leader")
	assert.NoError(t, err)

	snap, _ := store.GetCluster(ctx)
	assert.Nil(t, snap.Leader)
}

func TestQuery_ReturnsLeaderConnectionStringByDefault(t *testing.T) {
	ctx := context.Background()
	c, store, out := newTestClient(t)

	require.NoError(t, store.Race(ctx, "initialize", "leader"))
	require.NoError(t, store.TakeLeader(ctx, "leader", 30*time.Second))
	require.NoError(t, store.TouchMember(ctx, cluster.Member{Name: "leader", ConnString: "host=leader"}, 30*time.Second))

	require.NoError(t, c.Query(ctx, ""))
	assert.Contains(t, out.String(), "host=leader")
}
