// Package redis stores leases in Redis. Each lease is a hash holding the owner
// and ttl, expired by PEXPIRE; the conditional operations are Lua scripts so the
// owner comparison and the write happen in one atomic step on the server.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/leaselock/pkg/store"
	"github.com/pixperk/leaselock/pkg/types"
	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultPort      = 6379
	DefaultNamespace = "leaselock"
)

// returns {1} when inserted, {0, owner, ttl, pttl} for the live holder
var acquireScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("HSET", KEYS[1], "owner", ARGV[1], "ttl", ARGV[2])
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return {1}
end
return {0, redis.call("HGET", KEYS[1], "owner"), redis.call("HGET", KEYS[1], "ttl"), redis.call("PTTL", KEYS[1])}
`)

var inspectScript = goredis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "owner")
if not owner then
	return {}
end
return {owner, redis.call("HGET", KEYS[1], "ttl"), redis.call("PTTL", KEYS[1])}
`)

var releaseScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "owner") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "owner") == ARGV[1] then
	redis.call("HSET", KEYS[1], "owner", ARGV[1], "ttl", ARGV[2])
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

var scripts = []*goredis.Script{acquireScript, inspectScript, releaseScript, renewScript}

type Config struct {
	Addr      string
	Namespace string //key prefix, DefaultNamespace when empty
	Username  string
	Password  string
	DB        int
	Timeout   time.Duration
	Logger    hclog.Logger
}

// Backend is an open redis connection.
type Backend struct {
	client    goredis.UniversalClient
	namespace string
	owned     bool
	logger    hclog.Logger
}

var _ store.Backend = (*Backend)(nil)

// Open dials redis and checks it answers.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	opts := &goredis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.Timeout > 0 {
		opts.DialTimeout = cfg.Timeout
		opts.ReadTimeout = cfg.Timeout
		opts.WriteTimeout = cfg.Timeout
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis %s: %v", types.ErrStoreUnavailable, cfg.Addr, err)
	}

	b := New(client, cfg.Namespace, cfg.Logger)
	b.owned = true
	return b, nil
}

// New wraps an existing client. The caller keeps ownership of it.
func New(client goredis.UniversalClient, namespace string, logger hclog.Logger) *Backend {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Backend{
		client:    client,
		namespace: namespace,
		logger:    logger.Named("redis"),
	}
}

// Prepare loads the four scripts so later calls go by sha.
func (b *Backend) Prepare(ctx context.Context) (store.LeaseStore, error) {
	for _, s := range scripts {
		if err := s.Load(ctx, b.client).Err(); err != nil {
			return nil, fmt.Errorf("%w: load script: %v", types.ErrStoreUnavailable, err)
		}
	}
	b.logger.Debug("lease scripts loaded", "namespace", b.namespace)
	return &leaseStore{client: b.client, namespace: b.namespace}, nil
}

func (b *Backend) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

type leaseStore struct {
	client    goredis.UniversalClient
	namespace string
}

func (s *leaseStore) key(name string) string {
	return s.namespace + ":lease:" + name
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

// redis keeps millisecond expiry, round partial milliseconds up
func millis(ttl time.Duration) int64 {
	ms := int64(ttl / time.Millisecond)
	if ttl%time.Millisecond > 0 {
		ms++
	}
	return ms
}

func (s *leaseStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, *types.Lease, error) {
	if err := checkArgs(name, owner, ttl); err != nil {
		return false, nil, err
	}

	res, err := acquireScript.Run(ctx, s.client, []string{s.key(name)}, owner, millis(ttl)).Slice()
	if err != nil {
		return false, nil, fmt.Errorf("redis acquire: %w", err)
	}
	if len(res) > 0 && asInt(res[0]) == 1 {
		return true, nil, nil
	}
	if len(res) < 4 {
		//holder vanished between the checks of a racing script, let the lock inspect
		return false, nil, nil
	}

	lease, err := toLease(name, res[1:])
	if err != nil {
		return false, nil, err
	}
	return false, lease, nil
}

func (s *leaseStore) Inspect(ctx context.Context, name string) (*types.Lease, bool, error) {
	res, err := inspectScript.Run(ctx, s.client, []string{s.key(name)}).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("redis inspect: %w", err)
	}
	if len(res) < 3 {
		return nil, false, nil
	}

	lease, err := toLease(name, res)
	if err != nil {
		return nil, false, err
	}
	return lease, true, nil
}

func (s *leaseStore) Release(ctx context.Context, name, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{s.key(name)}, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("redis release: %w", err)
	}
	return n == 1, nil
}

func (s *leaseStore) Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := checkArgs(name, owner, ttl); err != nil {
		return false, err
	}

	n, err := renewScript.Run(ctx, s.client, []string{s.key(name)}, owner, millis(ttl)).Int64()
	if err != nil {
		return false, fmt.Errorf("redis renew: %w", err)
	}
	return n == 1, nil
}

// builds a lease from {owner, ttl ms, pttl ms}
func toLease(name string, row []any) (*types.Lease, error) {
	owner, ok := row[0].(string)
	if !ok {
		return nil, fmt.Errorf("redis: unexpected owner %T", row[0])
	}

	lease := &types.Lease{Name: name, Owner: owner}
	if raw, ok := row[1].(string); ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis: bad ttl %q: %w", raw, err)
		}
		lease.TTL = time.Duration(ms) * time.Millisecond
	}
	if pttl := asInt(row[2]); pttl > 0 {
		lease.ExpiresAt = time.Now().Add(time.Duration(pttl) * time.Millisecond)
	}
	return lease, nil
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
