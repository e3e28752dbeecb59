// Package etcd stores leases as etcd keys bound to etcd leases. The key holds
// the owner; expiry is the etcd lease, so the server deletes stale records.
package etcd

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/leaselock/pkg/store"
	"github.com/pixperk/leaselock/pkg/types"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	DefaultPort      = 2379
	DefaultNamespace = "leaselock"
)

type Config struct {
	Endpoints []string
	Namespace string //key prefix, DefaultNamespace when empty
	Username  string
	Password  string
	Timeout   time.Duration
	Logger    hclog.Logger
}

// Backend is an open etcd client.
type Backend struct {
	cli    *clientv3.Client
	prefix string
	owned  bool
	logger hclog.Logger
}

var _ store.Backend = (*Backend)(nil)

// Open connects and asks the first endpoint for its status.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: etcd %s: %v", types.ErrStoreUnavailable, strings.Join(cfg.Endpoints, ","), err)
	}

	statusCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := cli.Status(statusCtx, cfg.Endpoints[0]); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: etcd %s: %v", types.ErrStoreUnavailable, cfg.Endpoints[0], err)
	}

	b := New(cli, cfg.Namespace, cfg.Logger)
	b.owned = true
	return b, nil
}

// New wraps an existing client. The caller keeps ownership of it.
func New(cli *clientv3.Client, namespace string, logger hclog.Logger) *Backend {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Backend{
		cli:    cli,
		prefix: keyPrefix(namespace),
		logger: logger.Named("etcd"),
	}
}

func keyPrefix(namespace string) string {
	namespace = strings.Trim(namespace, "/")
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return "/" + namespace + "/leases/"
}

// nothing to compile for etcd, the transactions are built per call
func (b *Backend) Prepare(ctx context.Context) (store.LeaseStore, error) {
	b.logger.Debug("lease store ready", "prefix", b.prefix)
	return &leaseStore{cli: b.cli, prefix: b.prefix, logger: b.logger}, nil
}

func (b *Backend) Close() error {
	if !b.owned {
		return nil
	}
	return b.cli.Close()
}

type leaseStore struct {
	cli    *clientv3.Client
	prefix string
	logger hclog.Logger
}

func (s *leaseStore) key(name string) string {
	return s.prefix + name
}

// etcd leases are whole seconds, round up so a lease never ends early
func seconds(ttl time.Duration) int64 {
	return int64(math.Ceil(ttl.Seconds()))
}

func checkArgs(name, owner string, ttl time.Duration) error {
	if err := types.ValidateName(name); err != nil {
		return err
	}
	if err := types.ValidateOwner(owner); err != nil {
		return err
	}
	return types.ValidateTTL(ttl)
}

// revokes a lease nobody references, failure only delays its expiry
func (s *leaseStore) revoke(id clientv3.LeaseID) {
	if id == clientv3.NoLease {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.cli.Revoke(ctx, id); err != nil {
		s.logger.Debug("revoke unused lease failed", "lease", int64(id), "error", err)
	}
}

func (s *leaseStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, *types.Lease, error) {
	if err := checkArgs(name, owner, ttl); err != nil {
		return false, nil, err
	}

	grant, err := s.cli.Grant(ctx, seconds(ttl))
	if err != nil {
		return false, nil, fmt.Errorf("etcd grant: %w", err)
	}

	key := s.key(name)
	resp, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, owner, clientv3.WithLease(grant.ID))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		s.revoke(grant.ID)
		return false, nil, fmt.Errorf("etcd acquire: %w", err)
	}
	if resp.Succeeded {
		return true, nil, nil
	}

	s.revoke(grant.ID)
	kvs := resp.Responses[0].GetResponseRange().GetKvs()
	if len(kvs) == 0 {
		return false, nil, nil
	}
	return false, &types.Lease{Name: name, Owner: string(kvs[0].Value)}, nil
}

func (s *leaseStore) Inspect(ctx context.Context, name string) (*types.Lease, bool, error) {
	resp, err := s.cli.Get(ctx, s.key(name))
	if err != nil {
		return nil, false, fmt.Errorf("etcd inspect: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}

	kv := resp.Kvs[0]
	lease := &types.Lease{Name: name, Owner: string(kv.Value)}

	//remaining time is best effort, the owner is what conflict resolution needs
	if kv.Lease != 0 {
		ttlResp, err := s.cli.TimeToLive(ctx, clientv3.LeaseID(kv.Lease))
		if err == nil && ttlResp.TTL > 0 {
			lease.TTL = time.Duration(ttlResp.GrantedTTL) * time.Second
			lease.ExpiresAt = time.Now().Add(time.Duration(ttlResp.TTL) * time.Second)
		}
	}
	return lease, true, nil
}

func (s *leaseStore) Release(ctx context.Context, name, owner string) (bool, error) {
	key := s.key(name)
	resp, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", owner)).
		Then(clientv3.OpGet(key), clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, fmt.Errorf("etcd release: %w", err)
	}
	if !resp.Succeeded {
		return false, nil
	}

	if kvs := resp.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 {
		s.revoke(clientv3.LeaseID(kvs[0].Lease))
	}
	return true, nil
}

// Renew moves the key to a fresh etcd lease so the ttl can change between calls.
func (s *leaseStore) Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := checkArgs(name, owner, ttl); err != nil {
		return false, err
	}

	grant, err := s.cli.Grant(ctx, seconds(ttl))
	if err != nil {
		return false, fmt.Errorf("etcd grant: %w", err)
	}

	key := s.key(name)
	resp, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", owner)).
		Then(clientv3.OpGet(key), clientv3.OpPut(key, owner, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		s.revoke(grant.ID)
		return false, fmt.Errorf("etcd renew: %w", err)
	}
	if !resp.Succeeded {
		s.revoke(grant.ID)
		return false, nil
	}

	if kvs := resp.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 {
		s.revoke(clientv3.LeaseID(kvs[0].Lease))
	}
	return true, nil
}
