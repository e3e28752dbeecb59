// Package cql stores leases in a Cassandra table with lightweight
// transactions. Writes are paxos rounds at QUORUM; expiry is the cell TTL, so
// the cluster drops stale rows on its own.
package cql

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/leaselock/pkg/store"
	"github.com/pixperk/leaselock/pkg/types"
)

const (
	DefaultPort  = 9042
	DefaultTable = "lock_leases"
)

type Config struct {
	Hosts      []string //host:port contact points
	Keyspace   string
	Username   string
	Password   string
	Datacenter string //local dc for host selection, any dc when empty
	Timeout    time.Duration
	Logger     hclog.Logger
}

// Backend is an open session bound to a keyspace.
type Backend struct {
	session  *gocql.Session
	keyspace string
	table    string
	owned    bool
	logger   hclog.Logger
}

var _ store.Backend = (*Backend)(nil)

// reads at SERIAL see the outcome of any in flight paxos round
const serialRead = gocql.Consistency(gocql.Serial)

var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,47}$`)

// Open connects to the contact points and checks the keyspace exists.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if !identRe.MatchString(cfg.Keyspace) {
		return nil, fmt.Errorf("%w: invalid keyspace %q", types.ErrNamespaceNotFound, cfg.Keyspace)
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.Serial
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
		cluster.ConnectTimeout = cfg.Timeout
	}
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	if cfg.Datacenter != "" {
		cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.DCAwareRoundRobinPolicy(cfg.Datacenter))
	} else {
		cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("%w: cassandra %s: %v", types.ErrStoreUnavailable, strings.Join(cfg.Hosts, ","), err)
	}

	if _, err := session.KeyspaceMetadata(cfg.Keyspace); err != nil {
		session.Close()
		if errors.Is(err, gocql.ErrKeyspaceDoesNotExist) {
			return nil, fmt.Errorf("%w: keyspace %q", types.ErrNamespaceNotFound, cfg.Keyspace)
		}
		return nil, fmt.Errorf("%w: keyspace %q: %v", types.ErrStoreUnavailable, cfg.Keyspace, err)
	}

	b, err := New(session, cfg.Keyspace, cfg.Logger)
	if err != nil {
		session.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// New wraps an existing session. The caller keeps ownership of it.
func New(session *gocql.Session, keyspace string, logger hclog.Logger) (*Backend, error) {
	if !identRe.MatchString(keyspace) {
		return nil, fmt.Errorf("%w: invalid keyspace %q", types.ErrNamespaceNotFound, keyspace)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Backend{
		session:  session,
		keyspace: keyspace,
		table:    DefaultTable,
		logger:   logger.Named("cql"),
	}, nil
}

func (b *Backend) qualified() string {
	return b.keyspace + "." + b.table
}

// CreateSchema creates the lease table when it is missing.
func (b *Backend) CreateSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name text PRIMARY KEY,
	owner text,
	ttl int
)`, b.qualified())
	if err := b.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create table %s: %w", b.qualified(), err)
	}
	return nil
}

// Prepare checks the table is there. gocql prepares each statement on first
// use and caches it per session.
func (b *Backend) Prepare(ctx context.Context) (store.LeaseStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meta, err := b.session.KeyspaceMetadata(b.keyspace)
	if err != nil {
		return nil, fmt.Errorf("keyspace %q: %w", b.keyspace, err)
	}
	if _, ok := meta.Tables[b.table]; !ok {
		return nil, fmt.Errorf("%w: table %s", types.ErrNamespaceNotFound, b.qualified())
	}

	t := b.qualified()
	b.logger.Debug("lease statements ready", "table", t)
	return &leaseStore{
		session:   b.session,
		insertCQL: "INSERT INTO " + t + " (name, owner, ttl) VALUES (?, ?, ?) IF NOT EXISTS USING TTL ?",
		selectCQL: "SELECT owner, ttl, TTL(owner) FROM " + t + " WHERE name = ?",
		deleteCQL: "DELETE FROM " + t + " WHERE name = ? IF owner = ?",
		updateCQL: "UPDATE " + t + " USING TTL ? SET owner = ?, ttl = ? WHERE name = ? IF owner = ?",
		logger:    b.logger,
	}, nil
}

func (b *Backend) Close() error {
	if b.owned {
		b.session.Close()
	}
	return nil
}

type leaseStore struct {
	session   *gocql.Session
	insertCQL string
	selectCQL string
	deleteCQL string
	updateCQL string
	logger    hclog.Logger
}

// cell ttls are whole seconds, round up so a lease never ends early
func seconds(ttl time.Duration) int {
	return int(math.Ceil(ttl.Seconds()))
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

// runs a conditional statement; the returned row is only filled when the
// condition failed
func (s *leaseStore) cas(ctx context.Context, stmt string, args ...any) (bool, map[string]any, error) {
	row := make(map[string]any)
	applied, err := s.session.Query(stmt, args...).WithContext(ctx).MapScanCAS(row)
	if err != nil {
		return false, nil, err
	}
	return applied, row, nil
}

// Acquire returns the conflicting row from the lwt reply when the insert is
// not applied.
func (s *leaseStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, *types.Lease, error) {
	if err := checkArgs(name, owner, ttl); err != nil {
		return false, nil, err
	}

	secs := seconds(ttl)
	applied, row, err := s.cas(ctx, s.insertCQL, name, owner, secs, secs)
	if err != nil {
		return false, nil, fmt.Errorf("cql acquire: %w", err)
	}
	if !applied {
		return false, holderFromRow(name, row), nil
	}
	return true, nil, nil
}

// the row a failed lwt returns; its remaining ttl is not part of the reply,
// so ExpiresAt stays zero
func holderFromRow(name string, row map[string]any) *types.Lease {
	owner, ok := row["owner"].(string)
	if !ok || owner == "" {
		return nil
	}
	lease := &types.Lease{Name: name, Owner: owner}
	if ttl, ok := row["ttl"].(int); ok {
		lease.TTL = time.Duration(ttl) * time.Second
	}
	return lease
}

func (s *leaseStore) Inspect(ctx context.Context, name string) (*types.Lease, bool, error) {
	var (
		owner     string
		ttl       int
		remaining int
	)
	err := s.session.Query(s.selectCQL, name).
		WithContext(ctx).
		Consistency(serialRead).
		Scan(&owner, &ttl, &remaining)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cql inspect: %w", err)
	}

	return &types.Lease{
		Name:      name,
		Owner:     owner,
		TTL:       time.Duration(ttl) * time.Second,
		ExpiresAt: time.Now().Add(time.Duration(remaining) * time.Second),
	}, true, nil
}

func (s *leaseStore) Release(ctx context.Context, name, owner string) (bool, error) {
	applied, _, err := s.cas(ctx, s.deleteCQL, name, owner)
	if err != nil {
		return false, fmt.Errorf("cql release: %w", err)
	}
	return applied, nil
}

func (s *leaseStore) Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := checkArgs(name, owner, ttl); err != nil {
		return false, err
	}

	secs := seconds(ttl)
	applied, _, err := s.cas(ctx, s.updateCQL, secs, owner, secs, name, owner)
	if err != nil {
		return false, fmt.Errorf("cql renew: %w", err)
	}
	return applied, nil
}
