package dbctl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config wires a Postgres Controller to one on-disk instance.
type Config struct {
	MemberName        string
	DataDir           string
	PGBinDir          string // directory holding pg_ctl, initdb, pg_basebackup
	ListenAddress     string
	Port              int
	SuperuserName     string
	ReplicationUser   string
	ReplicationPass   string
	ConnectionUsers    map[string]string // name -> password, created after initdb
}

// Postgres implements Controller by shelling out to the pg_ctl/initdb/pg_basebackup
// binaries and, for anything queryable, dialing in over pgx.
type Postgres struct {
	cfg   Config
	guard *mountGuard
	pool  *pgxpool.Pool
	log   *zap.Logger
}

// New constructs a Postgres controller. It does not connect or start anything.
func New(cfg Config, log *zap.Logger) (*Postgres, error) {
	if err := validateArg("data directory", cfg.DataDir); err != nil {
		return nil, err
	}
	if err := validateArg("pg bin directory", cfg.PGBinDir); err != nil {
		return nil, err
	}
	return &Postgres{
		cfg:   cfg,
		guard: newMountGuard(cfg.DataDir),
		log:   log,
	}, nil
}

func (p *Postgres) Name() string { return p.cfg.MemberName }

func (p *Postgres) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=postgres sslmode=prefer",
		p.cfg.ListenAddress, p.cfg.Port, p.cfg.SuperuserName)
}

func (p *Postgres) bin(name string) string {
	return filepath.Join(p.cfg.PGBinDir, name)
}

func (p *Postgres) DataDirectoryEmpty(ctx context.Context) (bool, error) {
	if err := p.guard.checkMounted(); err != nil {
		return false, err
	}
	return p.guard.empty()
}

func (p *Postgres) Initialize(ctx context.Context) error {
	if _, err := runCommand(ctx, timeoutSlow, p.bin("initdb"),
		"-D", p.cfg.DataDir,
		"-U", p.cfg.SuperuserName,
		"--auth=scram-sha-256",
	); err != nil {
		return err
	}
	return p.writeRecoveryConf("")
}

func (p *Postgres) Start(ctx context.Context) error {
	if p.IsRunning(ctx) {
		return nil
	}
	logFile := filepath.Join(p.cfg.DataDir, "log", "postgres.log")
	if err := os.MkdirAll(filepath.Dir(logFile), 0o750); err != nil {
		return fmt.Errorf("%w: create log dir: %v", ErrFatal, err)
	}
	_, err := runCommand(ctx, timeoutMedium, p.bin("pg_ctl"),
		"start", "-w",
		"-D", p.cfg.DataDir,
		"-l", logFile,
		"-o", fmt.Sprintf("-p %d", p.cfg.Port),
	)
	if err != nil {
		return err
	}
	return p.connect(ctx)
}

func (p *Postgres) Stop(ctx context.Context, mode StopMode) error {
	if !p.IsRunning(ctx) {
		return nil
	}
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	if mode == "" {
		mode = StopModeFast
	}
	timeout := timeoutMedium
	if mode == StopModeSmart {
		timeout = timeoutSlow
	}
	_, err := runCommand(ctx, timeout, p.bin("pg_ctl"),
		"stop", "-w", "-m", string(mode),
		"-D", p.cfg.DataDir,
	)
	return err
}

func (p *Postgres) IsRunning(ctx context.Context) bool {
	out, err := runCommand(ctx, timeoutFast, p.bin("pg_ctl"), "status", "-D", p.cfg.DataDir)
	if err != nil {
		return false
	}
	return strings.Contains(out, "server is running")
}

func (p *Postgres) connect(ctx context.Context) error {
	if p.pool != nil {
		return nil
	}
	pool, err := pgxpool.New(ctx, p.ConnectionString())
	if err != nil {
		return fmt.Errorf("%w: connect: %v", ErrTransient, err)
	}
	p.pool = pool
	return nil
}

func (p *Postgres) IsLeader(ctx context.Context) (bool, error) {
	if err := p.connect(ctx); err != nil {
		return false, err
	}
	var inRecovery bool
	if err := p.pool.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return false, fmt.Errorf("%w: query recovery state: %v", ErrTransient, err)
	}
	return !inRecovery, nil
}

func (p *Postgres) Promote(ctx context.Context) error {
	_, err := runCommand(ctx, timeoutMedium, p.bin("pg_ctl"), "promote", "-w", "-D", p.cfg.DataDir)
	return err
}

func (p *Postgres) Demote(ctx context.Context, newLeaderConnInfo string) error {
	if err := p.Stop(ctx, StopModeFast); err != nil {
		return err
	}
	if err := p.writeRecoveryConf(newLeaderConnInfo); err != nil {
		return err
	}
	return p.Start(ctx)
}

func (p *Postgres) FollowTheLeader(ctx context.Context, leaderConnInfo string) error {
	if err := p.writeRecoveryConf(leaderConnInfo); err != nil {
		return err
	}
	if !p.IsRunning(ctx) {
		return p.Start(ctx)
	}
	_, err := runCommand(ctx, timeoutMedium, p.bin("pg_ctl"), "reload", "-D", p.cfg.DataDir)
	return err
}

// WriteRecoveryConf is the exported entry point used by the clone path; Initialize,
// Demote and FollowTheLeader call the internal helper directly since they already
// hold the distinction between "become a standby" and "stay a primary".
func (p *Postgres) WriteRecoveryConf(ctx context.Context, leaderConnInfo string) error {
	return p.writeRecoveryConf(leaderConnInfo)
}

// writeRecoveryConf writes standby.signal plus postgresql.auto.conf's
// primary_conninfo, the way Postgres >= 12 expects; leaderConnInfo empty means
// "not a standby" and removes the signal file instead.
func (p *Postgres) writeRecoveryConf(leaderConnInfo string) error {
	signalPath := filepath.Join(p.cfg.DataDir, "standby.signal")
	if leaderConnInfo == "" {
		_ = os.Remove(signalPath)
		return nil
	}
	if err := os.WriteFile(signalPath, nil, 0o600); err != nil {
		return fmt.Errorf("%w: write standby.signal: %v", ErrFatal, err)
	}
	confLine := fmt.Sprintf("primary_conninfo = '%s'\nprimary_slot_name = '%s'\n",
		strings.ReplaceAll(leaderConnInfo, "'", "''"), p.cfg.MemberName)
	confPath := filepath.Join(p.cfg.DataDir, "postgresql.auto.conf")
	f, err := os.OpenFile(confPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: open postgresql.auto.conf: %v", ErrFatal, err)
	}
	defer f.Close()
	if _, err := f.WriteString(confLine); err != nil {
		return fmt.Errorf("%w: write postgresql.auto.conf: %v", ErrFatal, err)
	}
	return nil
}

func (p *Postgres) SyncFromLeader(ctx context.Context, leaderConnInfo string) error {
	empty, err := p.DataDirectoryEmpty(ctx)
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("%w: refusing to base-backup into non-empty data directory", ErrFatal)
	}
	if _, err := runCommand(ctx, timeoutSlow, p.bin("pg_basebackup"),
		"-D", p.cfg.DataDir,
		"-d", leaderConnInfo,
		"-R", // writes standby.signal + primary_conninfo for us
		"-X", "stream",
	); err != nil {
		return err
	}
	return nil
}

func (p *Postgres) CreateReplicationUser(ctx context.Context) error {
	if err := p.connect(ctx); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx,
		fmt.Sprintf("CREATE ROLE %s WITH REPLICATION LOGIN PASSWORD '%s'",
			pgx.Identifier{p.cfg.ReplicationUser}.Sanitize(), escapeLiteral(p.cfg.ReplicationPass)))
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("%w: create replication user: %v", ErrTransient, err)
	}
	return nil
}

func (p *Postgres) CreateConnectionUsers(ctx context.Context) error {
	if err := p.connect(ctx); err != nil {
		return err
	}
	for name, pass := range p.cfg.ConnectionUsers {
		_, err := p.pool.Exec(ctx,
			fmt.Sprintf("CREATE ROLE %s WITH LOGIN PASSWORD '%s'",
				pgx.Identifier{name}.Sanitize(), escapeLiteral(pass)))
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("%w: create connection user %s: %v", ErrTransient, name, err)
		}
	}
	return nil
}

func (p *Postgres) Reinitialize(ctx context.Context) error {
	// The data directory is about to be wiped regardless, so there's nothing to
	// gain from a graceful checkpointed shutdown here.
	if err := p.Stop(ctx, StopModeImmediate); err != nil {
		return err
	}
	entries, err := os.ReadDir(p.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("%w: read data dir: %v", ErrFatal, err)
	}
	marker := filepath.Base(p.guard.markerPath)
	for _, e := range entries {
		if e.Name() == marker {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.cfg.DataDir, e.Name())); err != nil {
			return fmt.Errorf("%w: remove %s: %v", ErrFatal, e.Name(), err)
		}
	}
	return nil
}

func (p *Postgres) ReplicationLag(ctx context.Context) (int64, error) {
	if err := p.connect(ctx); err != nil {
		return 0, err
	}
	var lagBytes int64
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(pg_wal_lsn_diff(pg_last_wal_receive_lsn(), pg_last_wal_replay_lsn()), 0)`,
	).Scan(&lagBytes)
	if err != nil {
		return 0, fmt.Errorf("%w: query replication lag: %v", ErrTransient, err)
	}
	return lagBytes, nil
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
