package dcs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"haguard/internal/cluster"
)

// etcdClient is the default Client binding, backed by go.etcd.io/etcd/client/v3.
// Keys are namespaced under <prefix> = <namespace>/<cluster> the same way Patroni
// lays out its etcd keyspace:
//
//	<prefix>/initialize
//	<prefix>/leader
//	<prefix>/failover
//	<prefix>/members/<name>
type etcdClient struct {
	cli    *clientv3.Client
	prefix string
	log    *zap.Logger
}

// EtcdConfig configures the etcd backend.
type EtcdConfig struct {
	Endpoints   string // comma-separated
	ClusterName string
	Namespace   string // defaults to "/haguard"
	DialTimeout time.Duration
	Username    string
	Password    string
}

// NewEtcdClient dials the given endpoints and returns a Client bound to ClusterName.
func NewEtcdClient(cfg EtcdConfig, log *zap.Logger) (Client, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "/haguard"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	endpoints := strings.Split(cfg.Endpoints, ",")
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("dcs: dial etcd: %w", err)
	}
	prefix := strings.TrimSuffix(cfg.Namespace, "/") + "/" + cfg.ClusterName
	return &etcdClient{cli: cli, prefix: prefix, log: log}, nil
}

func (e *etcdClient) key(parts ...string) string {
	return e.prefix + "/" + strings.Join(parts, "/")
}

func mapEtcdErr(err error) error {
	if err == nil {
		return nil
	}
	switch err {
	case context.DeadlineExceeded, context.Canceled:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (e *etcdClient) GetCluster(ctx context.Context) (cluster.Snapshot, error) {
	resp, err := e.cli.Get(ctx, e.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return cluster.Snapshot{}, mapEtcdErr(err)
	}

	snap := cluster.Snapshot{Revision: uint64(resp.Header.Revision)}
	membersPrefix := e.key("members") + "/"

	for _, kv := range resp.Kvs {
		k := string(kv.Key)
		switch {
		case k == e.key("initialize"):
			snap.Initialize = string(kv.Value)
		case k == e.key("leader"):
			snap.Leader = &cluster.Leader{
				Name:  string(kv.Value),
				Index: uint64(kv.ModRevision),
			}
			if lease := kv.Lease; lease != 0 {
				if ttl, err := e.cli.TimeToLive(ctx, clientv3.LeaseID(lease)); err == nil && ttl.TTL > 0 {
					snap.Leader.TTL = time.Duration(ttl.TTL) * time.Second
				}
			}
		case k == e.key("failover"):
			var f cluster.Failover
			if err := json.Unmarshal(kv.Value, &f); err == nil {
				snap.Failover = &f
			}
		case strings.HasPrefix(k, membersPrefix):
			var m cluster.Member
			if err := json.Unmarshal(kv.Value, &m); err != nil {
				e.log.Warn("dcs: skipping malformed member record", zap.String("key", k), zap.Error(err))
				continue
			}
			snap.Members = append(snap.Members, m)
		}
	}
	return snap, nil
}

func (e *etcdClient) TouchMember(ctx context.Context, m cluster.Member, ttl time.Duration) error {
	m.LastSeen = time.Now()
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("dcs: marshal member: %w", err)
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lease, err := e.cli.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return mapEtcdErr(err)
	}
	_, err = e.cli.Put(ctx, e.key("members", m.Name), string(payload), clientv3.WithLease(lease.ID))
	return mapEtcdErr(err)
}

func (e *etcdClient) AttemptToAcquireLeader(ctx context.Context, name string, ttl time.Duration) error {
	lease, err := e.cli.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return mapEtcdErr(err)
	}
	key := e.key("leader")
	txn := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, name, clientv3.WithLease(lease.ID)))
	resp, err := txn.Commit()
	if err != nil {
		return mapEtcdErr(err)
	}
	if !resp.Succeeded {
		return ErrCASConflict
	}
	return nil
}

func (e *etcdClient) UpdateLeader(ctx context.Context, name string, ttl time.Duration) error {
	key := e.key("leader")
	resp, err := e.cli.Get(ctx, key)
	if err != nil {
		return mapEtcdErr(err)
	}
	if len(resp.Kvs) == 0 || string(resp.Kvs[0].Value) != name {
		return ErrNotLeader
	}
	lease := clientv3.LeaseID(resp.Kvs[0].Lease)
	if lease == 0 {
		return e.TakeLeader(ctx, name, ttl)
	}
	_, err = e.cli.KeepAliveOnce(ctx, lease)
	if err != nil {
		return mapEtcdErr(err)
	}
	return nil
}

func (e *etcdClient) TakeLeader(ctx context.Context, name string, ttl time.Duration) error {
	lease, err := e.cli.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return mapEtcdErr(err)
	}
	_, err = e.cli.Put(ctx, e.key("leader"), name, clientv3.WithLease(lease.ID))
	return mapEtcdErr(err)
}

func (e *etcdClient) Race(ctx context.Context, key, value string) error {
	full := e.key(key)
	txn := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(full), "=", 0)).
		Then(clientv3.OpPut(full, value))
	resp, err := txn.Commit()
	if err != nil {
		return mapEtcdErr(err)
	}
	if !resp.Succeeded {
		return ErrCASConflict
	}
	return nil
}

func (e *etcdClient) DeleteLeader(ctx context.Context, name string) error {
	key := e.key("leader")
	txn := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", name)).
		Then(clientv3.OpDelete(key))
	_, err := txn.Commit()
	return mapEtcdErr(err)
}

func (e *etcdClient) SetFailoverValue(ctx context.Context, f cluster.Failover) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("dcs: marshal failover: %w", err)
	}
	_, err = e.cli.Put(ctx, e.key("failover"), string(payload))
	return mapEtcdErr(err)
}

func (e *etcdClient) ManualFailoverUnset(ctx context.Context) error {
	_, err := e.cli.Delete(ctx, e.key("failover"))
	return mapEtcdErr(err)
}

func (e *etcdClient) Watch(ctx context.Context, ch chan<- cluster.Snapshot) error {
	wch := e.cli.Watch(ctx, e.prefix+"/", clientv3.WithPrefix())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-wch:
			if !ok {
				return ErrUnavailable
			}
			if resp.Err() != nil {
				return mapEtcdErr(resp.Err())
			}
			snap, err := e.GetCluster(ctx)
			if err != nil {
				e.log.Warn("dcs: watch-triggered refresh failed", zap.Error(err))
				continue
			}
			select {
			case ch <- snap:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (e *etcdClient) Close() error {
	return e.cli.Close()
}
