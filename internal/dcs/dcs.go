// Package dcs abstracts the distributed consensus store the agent races and leases
// leadership against. It is modeled on Patroni's dynamic DCS binding: a single
// Client interface with one implementation per backend, so the HA engine never
// imports an etcd/Consul/ZooKeeper package directly.
package dcs

import (
	"context"
	"errors"
	"time"

	"haguard/internal/cluster"
)

// Sentinel errors every backend maps its own failures onto. Callers branch on these
// with errors.Is, never on backend-specific types or string matching.
var (
	// ErrUnavailable means the store could not be reached at all (network, timeout,
	// no quorum). The caller should treat this tick as indeterminate, not as "I'm not
	// the leader" for eligibility purposes.
	ErrUnavailable = errors.New("dcs: store unavailable")

	// ErrCASConflict means a compare-and-swap write lost the race: someone else's
	// value was present instead of the expected one.
	ErrCASConflict = errors.New("dcs: compare-and-swap conflict")

	// ErrNotLeader is returned by UpdateLeader when the leader key is absent or
	// held by another member.
	ErrNotLeader = errors.New("dcs: not the leader")

	// ErrKeyNotFound is returned by reads against a key that does not exist.
	ErrKeyNotFound = errors.New("dcs: key not found")
)

// Client is the contract every DCS backend implements. All methods take a context
// and every blocking call must respect its deadline/cancellation.
type Client interface {
	// GetCluster performs an atomic read of initialize/leader/members/failover and
	// returns them as a single cluster.Snapshot.
	GetCluster(ctx context.Context) (cluster.Snapshot, error)

	// TouchMember writes/refreshes this member's own registration entry under a
	// lease of ttl. Called every tick with the configured member TTL, and once
	// more with a long TTL (a shutdown grace period) just before
	// the agent exits so peers do not mistake a graceful departure for a crash.
	TouchMember(ctx context.Context, m cluster.Member, ttl time.Duration) error

	// AttemptToAcquireLeader does a CAS-create-if-absent on the leader key: it
	// succeeds only if no leader key currently exists. Returns ErrCASConflict if
	// someone beat us to it.
	AttemptToAcquireLeader(ctx context.Context, name string, ttl time.Duration) error

	// UpdateLeader refreshes the TTL on a leader key this member currently holds.
	// Returns ErrNotLeader if the stored value no longer matches name.
	UpdateLeader(ctx context.Context, name string, ttl time.Duration) error

	// TakeLeader force-writes the leader key regardless of its current value. The
	// HA engine uses it only after winning the initialize race, when no prior
	// leader can exist; a manual failover's candidate goes through
	// AttemptToAcquireLeader instead.
	TakeLeader(ctx context.Context, name string, ttl time.Duration) error

	// Race performs a CAS-create-if-absent on an arbitrary key, used for the
	// `initialize` bootstrap marker. Returns ErrCASConflict if the key already
	// exists, whatever value it holds.
	Race(ctx context.Context, key, value string) error

	// DeleteLeader removes the leader key, but only if it currently holds name.
	// Used on graceful demotion/shutdown. A mismatch is not an error: the leader
	// key may have already expired or been taken by someone else.
	DeleteLeader(ctx context.Context, name string) error

	// SetFailoverValue writes a manual failover request.
	SetFailoverValue(ctx context.Context, f cluster.Failover) error

	// ManualFailoverUnset clears the failover key once it has been consumed or
	// has expired.
	ManualFailoverUnset(ctx context.Context) error

	// Watch delivers a cluster.Snapshot on ch every time the underlying keyspace
	// changes, until ctx is cancelled or the store connection is lost. It is an
	// optimization only: the HA engine still polls GetCluster on its own ticker
	// and must not assume Watch delivers every change.
	Watch(ctx context.Context, ch chan<- cluster.Snapshot) error

	// Close releases the backend connection.
	Close() error
}
