package dbctl

import (
	"context"
	"sync"
	"time"
)

// FakeController is an in-memory Controller double used by the HA engine's tests.
// It tracks just enough state (empty/running/primary/lag) to drive the decision
// table's branches without ever touching disk or a real postmaster.
type FakeController struct {
	mu sync.Mutex

	name    string
	connStr string

	Empty     bool
	Running   bool
	Primary   bool
	LagBytes  int64
	LagErr    error

	InitializeErr error
	StartErr      error
	PromoteErr    error
	DemoteErr     error
	FollowErr     error
	SyncErr       error

	FollowedLeader string
	DemotedTo      string
	LastStopMode   StopMode

	// InitializeDelay simulates a slow initdb/base-backup so tests can observe
	// whether a task scheduled via the executor survives past its caller's
	// context, the way a real subprocess must.
	InitializeDelay time.Duration
}

// NewFakeController returns a controller with an empty, stopped database.
func NewFakeController(name, connStr string) *FakeController {
	return &FakeController{name: name, connStr: connStr, Empty: true}
}

func (f *FakeController) Name() string              { return f.name }
func (f *FakeController) ConnectionString() string   { return f.connStr }

func (f *FakeController) DataDirectoryEmpty(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Empty, nil
}

func (f *FakeController) Initialize(ctx context.Context) error {
	f.mu.Lock()
	delay := f.InitializeDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InitializeErr != nil {
		return f.InitializeErr
	}
	f.Empty = false
	f.Primary = true
	return nil
}

func (f *FakeController) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	f.Running = true
	return nil
}

func (f *FakeController) Stop(ctx context.Context, mode StopMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Running = false
	f.LastStopMode = mode
	return nil
}

func (f *FakeController) IsRunning(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Running
}

func (f *FakeController) IsLeader(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Primary, nil
}

func (f *FakeController) Promote(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PromoteErr != nil {
		return f.PromoteErr
	}
	f.Primary = true
	return nil
}

func (f *FakeController) Demote(ctx context.Context, newLeaderConnInfo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DemoteErr != nil {
		return f.DemoteErr
	}
	f.Primary = false
	f.DemotedTo = newLeaderConnInfo
	return nil
}

func (f *FakeController) FollowTheLeader(ctx context.Context, leaderConnInfo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FollowErr != nil {
		return f.FollowErr
	}
	f.Primary = false
	f.FollowedLeader = leaderConnInfo
	return nil
}

func (f *FakeController) SyncFromLeader(ctx context.Context, leaderConnInfo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SyncErr != nil {
		return f.SyncErr
	}
	f.Empty = false
	f.FollowedLeader = leaderConnInfo
	return nil
}

func (f *FakeController) WriteRecoveryConf(ctx context.Context, leaderConnInfo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FollowedLeader = leaderConnInfo
	return nil
}

func (f *FakeController) CreateReplicationUser(ctx context.Context) error  { return nil }
func (f *FakeController) CreateConnectionUsers(ctx context.Context) error { return nil }

func (f *FakeController) ReplicationLag(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LagBytes, f.LagErr
}

func (f *FakeController) Reinitialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Running = false
	f.Primary = false
	f.Empty = true
	return nil
}
