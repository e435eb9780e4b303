package dcs

import (
	"context"
	"sync"
	"time"

	"haguard/internal/cluster"
)

// FakeClient is an in-process Client used by the HA engine's tests to exercise the
// S1-S7 scenarios without a real etcd cluster. It is intentionally not goroutine-safe
// beyond a single mutex-guarded snapshot: good enough to script a sequence of ticks.
type FakeClient struct {
	mu       sync.Mutex
	init     string
	leader   *cluster.Leader
	members  map[string]cluster.Member
	failover *cluster.Failover
	rev      uint64

	// Unavailable, when set, makes every call return ErrUnavailable - used to
	// simulate a DCS outage mid-test.
	Unavailable bool
}

// NewFakeClient returns an empty fake cluster.
func NewFakeClient() *FakeClient {
	return &FakeClient{members: make(map[string]cluster.Member)}
}

func (f *FakeClient) bump() uint64 {
	f.rev++
	return f.rev
}

func (f *FakeClient) GetCluster(ctx context.Context) (cluster.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return cluster.Snapshot{}, ErrUnavailable
	}
	snap := cluster.Snapshot{Initialize: f.init, Revision: f.rev}
	if f.leader != nil {
		l := *f.leader
		snap.Leader = &l
	}
	if f.failover != nil {
		fo := *f.failover
		snap.Failover = &fo
	}
	for _, m := range f.members {
		snap.Members = append(snap.Members, m)
	}
	return snap, nil
}

func (f *FakeClient) TouchMember(ctx context.Context, m cluster.Member, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return ErrUnavailable
	}
	m.LastSeen = time.Now()
	f.members[m.Name] = m
	f.bump()
	return nil
}

func (f *FakeClient) AttemptToAcquireLeader(ctx context.Context, name string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return ErrUnavailable
	}
	if f.leader != nil {
		return ErrCASConflict
	}
	f.leader = &cluster.Leader{Name: name, TTL: ttl, Index: f.bump()}
	return nil
}

func (f *FakeClient) UpdateLeader(ctx context.Context, name string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return ErrUnavailable
	}
	if f.leader == nil || f.leader.Name != name {
		return ErrNotLeader
	}
	f.leader.TTL = ttl
	f.leader.Index = f.bump()
	return nil
}

func (f *FakeClient) TakeLeader(ctx context.Context, name string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return ErrUnavailable
	}
	f.leader = &cluster.Leader{Name: name, TTL: ttl, Index: f.bump()}
	return nil
}

func (f *FakeClient) Race(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return ErrUnavailable
	}
	if key != "initialize" {
		return nil
	}
	if f.init != "" {
		return ErrCASConflict
	}
	f.init = value
	f.bump()
	return nil
}

func (f *FakeClient) DeleteLeader(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return ErrUnavailable
	}
	if f.leader != nil && f.leader.Name == name {
		f.leader = nil
		f.bump()
	}
	return nil
}

func (f *FakeClient) SetFailoverValue(ctx context.Context, fo cluster.Failover) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return ErrUnavailable
	}
	f.failover = &fo
	f.bump()
	return nil
}

func (f *FakeClient) ManualFailoverUnset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return ErrUnavailable
	}
	f.failover = nil
	f.bump()
	return nil
}

func (f *FakeClient) Watch(ctx context.Context, ch chan<- cluster.Snapshot) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *FakeClient) Close() error { return nil }

// ExpireLeader simulates a lease expiring without a graceful DeleteLeader call, e.g.
// a crashed leader that never renewed in time.
func (f *FakeClient) ExpireLeader() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leader = nil
	f.bump()
}
