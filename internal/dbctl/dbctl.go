// Package dbctl drives the local PostgreSQL instance: starting, stopping, promoting,
// demoting and rewiring it as a replica, and reporting how much received WAL it has
// yet to replay. It shells out to the Postgres binaries without a shell; the data
// and binary directories are checked against a closed character set, while the
// superuser name and leader connection strings are passed through unchecked.
package dbctl

import (
	"context"
	"errors"
)

// Sentinel errors the HA engine branches on with errors.Is. Kinds map onto
// a simple contract for the decision engine: transient errors get retried next tick,
// fatal ones pause the node until an operator intervenes.
var (
	// ErrTransient covers failures expected to clear on their own: a connection
	// drop mid-query, a timeout waiting for the server to accept connections.
	ErrTransient = errors.New("dbctl: transient database error")

	// ErrFatal covers failures that will not clear without operator action: a
	// corrupt data directory, a missing binary, a permission failure.
	ErrFatal = errors.New("dbctl: fatal database error")

	// ErrNotRunning is returned by operations that require a running postmaster
	// when none is up.
	ErrNotRunning = errors.New("dbctl: postgres is not running")

	// ErrDataDirNotMounted guards against treating an unmounted data directory as
	// "empty and eligible for initialize".
	ErrDataDirNotMounted = errors.New("dbctl: data directory mount guard failed")
)

// StopMode selects how forcefully Stop shuts postmaster down, mirroring pg_ctl's
// own -m flag.
type StopMode string

const (
	// StopModeSmart waits for all clients to disconnect before exiting.
	StopModeSmart StopMode = "smart"
	// StopModeFast (the default) disconnects clients immediately but lets
	// in-flight transactions roll back cleanly; used for ordinary restarts and
	// graceful agent shutdown.
	StopModeFast StopMode = "fast"
	// StopModeImmediate aborts all transactions and exits without a checkpoint;
	// used when the data directory is about to be wiped anyway (reinitialize) and
	// a clean shutdown would just be wasted time.
	StopModeImmediate StopMode = "immediate"
)

// Controller is the contract the HA engine drives the local database through. One
// implementation exists today (Postgres, via pg_ctl/initdb/pg_basebackup + pgx), but
// the engine only ever depends on this interface.
type Controller interface {
	// Name is this member's identity as registered in the DCS.
	Name() string

	// ConnectionString is the libpq connection string other members use to reach
	// this instance (reported in cluster.Member.ConnString).
	ConnectionString() string

	// DataDirectoryEmpty reports whether the data directory looks uninitialized.
	// Returns ErrDataDirNotMounted if the configured mount guard file is missing,
	// to avoid ever mistaking an unmounted volume for an empty one.
	DataDirectoryEmpty(ctx context.Context) (bool, error)

	// Initialize runs initdb to create a brand-new data directory.
	Initialize(ctx context.Context) error

	// Start starts postmaster if it is not already running. Idempotent.
	Start(ctx context.Context) error

	// Stop stops postmaster in the given mode. A zero mode is treated as
	// StopModeFast.
	Stop(ctx context.Context, mode StopMode) error

	// IsRunning reports whether postmaster currently accepts connections.
	IsRunning(ctx context.Context) bool

	// IsLeader reports whether the instance is currently in primary (not
	// recovery) mode, independent of what the DCS leader key says.
	IsLeader(ctx context.Context) (bool, error)

	// Promote takes the instance out of recovery and makes it writable.
	Promote(ctx context.Context) error

	// Demote stops the instance and restarts it in follower mode pointed at
	// newLeaderConnInfo, used when a running leader is asked to step down.
	Demote(ctx context.Context, newLeaderConnInfo string) error

	// FollowTheLeader rewrites recovery configuration to track a (possibly new)
	// leader and reloads/restarts as needed. Used by replicas every tick to stay
	// pointed at the current leader.
	FollowTheLeader(ctx context.Context, leaderConnInfo string) error

	// SyncFromLeader takes a fresh base backup from leaderConnInfo into the data
	// directory, used during Initialize's replica bootstrap path.
	SyncFromLeader(ctx context.Context, leaderConnInfo string) error

	// WriteRecoveryConf produces standby configuration referencing leaderConnInfo
	// without starting or restarting anything. Exposed separately from
	// FollowTheLeader/Demote so the clone path can author it once up front.
	WriteRecoveryConf(ctx context.Context, leaderConnInfo string) error

	// CreateReplicationUser ensures the replication role used by
	// FollowTheLeader/SyncFromLeader exists, called once after a fresh initdb.
	CreateReplicationUser(ctx context.Context) error

	// CreateConnectionUsers ensures application-facing roles configured for this
	// cluster exist, called once after a fresh initdb.
	CreateConnectionUsers(ctx context.Context) error

	// ReplicationLag reports how many bytes of WAL this replica has received but
	// not yet replayed. It does not compare against the leader's current WAL
	// position. Only meaningful when the instance is not the leader.
	ReplicationLag(ctx context.Context) (int64, error)

	// Reinitialize stops the instance and empties the data directory (short of
	// removing the directory itself, which the mount guard still needs to find),
	// leaving the next HA tick to re-clone from whoever is leader. Used by the
	// `reinit` CLI/REST action; never called by the HA engine's own decision loop.
	Reinitialize(ctx context.Context) error
}
