// Package nats stores leases in a NATS JetStream key-value bucket. Every write
// is conditional on the entry revision, which gives compare-and-swap on one key.
// The bucket holds one entry per lease with the owner, ttl and expiry encoded
// by pkg/wire; expiry is judged with the caller's clock.
package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
	"github.com/pixperk/leaselock/pkg/store"
	ltime "github.com/pixperk/leaselock/pkg/time"
	"github.com/pixperk/leaselock/pkg/types"
	"github.com/pixperk/leaselock/pkg/wire"
)

const (
	DefaultPort   = 4222
	DefaultBucket = "leaselock"
)

type Config struct {
	Servers  []string //host:port or nats:// urls
	Bucket   string   //DefaultBucket when empty, must already exist
	Username string
	Password string
	Timeout  time.Duration
	Logger   hclog.Logger
}

type Option func(*Backend)

func WithClock(c ltime.Clock) Option {
	return func(b *Backend) { b.clock = c }
}

func WithLogger(logger hclog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Backend is a bound key-value bucket.
type Backend struct {
	conn   *nats.Conn //set only when Open dialed it
	kv     nats.KeyValue
	clock  ltime.Clock
	logger hclog.Logger
}

var _ store.Backend = (*Backend)(nil)

func serverURLs(servers []string) string {
	urls := make([]string, len(servers))
	for i, s := range servers {
		if !strings.Contains(s, "://") {
			s = "nats://" + s
		}
		urls[i] = s
	}
	return strings.Join(urls, ",")
}

// Open connects and binds the bucket. A missing bucket is reported as
// types.ErrNamespaceNotFound.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := []nats.Option{nats.Name("leaselock")}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}

	conn, err := nats.Connect(serverURLs(cfg.Servers), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: nats %s: %v", types.ErrStoreUnavailable, strings.Join(cfg.Servers, ","), err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: jetstream: %v", types.ErrStoreUnavailable, err)
	}

	b, err := Bind(js, cfg.Bucket, WithLogger(cfg.Logger))
	if err != nil {
		conn.Close()
		return nil, err
	}
	b.conn = conn
	return b, nil
}

// Bind looks up an existing bucket through js. The caller keeps the connection.
func Bind(js nats.JetStreamContext, bucket string, opts ...Option) (*Backend, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("%w: bucket %q", types.ErrNamespaceNotFound, bucket)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: bucket %q: %v", types.ErrStoreUnavailable, bucket, err)
	}

	b := &Backend{
		kv:     kv,
		clock:  ltime.System(),
		logger: hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("nats")
	return b, nil
}

// CreateBucket creates the lease bucket with a single revision of history.
func CreateBucket(js nats.JetStreamContext, bucket string) error {
	if bucket == "" {
		bucket = DefaultBucket
	}
	_, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucket,
		Description: "leaselock leases",
		History:     1,
	})
	if err != nil {
		return fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return nil
}

// the bucket is bound already, every op is a revision checked write
func (b *Backend) Prepare(ctx context.Context) (store.LeaseStore, error) {
	b.logger.Debug("lease bucket bound", "bucket", b.kv.Bucket())
	return &leaseStore{kv: b.kv, clock: b.clock}, nil
}

func (b *Backend) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}

type leaseStore struct {
	kv    nats.KeyValue
	clock ltime.Clock
}

// kv keys allow a narrow alphabet, lease names do not
func key(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name))
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

// another writer moved the revision first
func isConflict(err error) bool {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return errors.Is(err, nats.ErrKeyExists)
}

// current entry and its live lease; a nil lease means absent or expired
func (s *leaseStore) load(name string, now time.Time) (nats.KeyValueEntry, *types.Lease, error) {
	entry, err := s.kv.Get(key(name))
	if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	lease, err := wire.DecodeLease(entry.Value())
	if err != nil {
		return nil, nil, fmt.Errorf("decode lease %q: %w", name, err)
	}
	if lease.IsExpired(now) {
		return entry, nil, nil
	}
	return entry, lease, nil
}

func (s *leaseStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, *types.Lease, error) {
	if err := checkArgs(name, owner, ttl); err != nil {
		return false, nil, err
	}
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}

	now := s.clock.Now()
	value := wire.EncodeLease(&types.Lease{Name: name, Owner: owner, TTL: ttl, ExpiresAt: now.Add(ttl)})

	entry, current, err := s.load(name, now)
	if err != nil {
		return false, nil, fmt.Errorf("nats acquire: %w", err)
	}
	if current != nil {
		return false, current, nil
	}

	if entry == nil {
		_, err = s.kv.Create(key(name), value)
	} else {
		//take over the expired record only if nobody else did
		_, err = s.kv.Update(key(name), value, entry.Revision())
	}
	if isConflict(err) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("nats acquire: %w", err)
	}
	return true, nil, nil
}

func (s *leaseStore) Inspect(ctx context.Context, name string) (*types.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	_, lease, err := s.load(name, s.clock.Now())
	if err != nil {
		return nil, false, fmt.Errorf("nats inspect: %w", err)
	}
	return lease, lease != nil, nil
}

func (s *leaseStore) Release(ctx context.Context, name, owner string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	entry, current, err := s.load(name, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("nats release: %w", err)
	}
	if current == nil || current.Owner != owner {
		return false, nil
	}

	err = s.kv.Delete(key(name), nats.LastRevision(entry.Revision()))
	if isConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("nats release: %w", err)
	}
	return true, nil
}

func (s *leaseStore) Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := checkArgs(name, owner, ttl); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	now := s.clock.Now()
	entry, current, err := s.load(name, now)
	if err != nil {
		return false, fmt.Errorf("nats renew: %w", err)
	}
	if current == nil || current.Owner != owner {
		return false, nil
	}

	value := wire.EncodeLease(&types.Lease{Name: name, Owner: owner, TTL: ttl, ExpiresAt: now.Add(ttl)})
	_, err = s.kv.Update(key(name), value, entry.Revision())
	if isConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("nats renew: %w", err)
	}
	return true, nil
}
