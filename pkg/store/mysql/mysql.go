// Package mysql stores leases in a MySQL table. Expiry is computed by the
// server clock (NOW(6)) so clients never compare their own clocks.
//
//	CREATE TABLE lock_leases (
//		name       VARCHAR(255) NOT NULL PRIMARY KEY,
//		owner      VARCHAR(255) NOT NULL,
//		ttl_us     BIGINT       NOT NULL,
//		expires_at DATETIME(6)  NOT NULL
//	);
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/leaselock/pkg/store"
	"github.com/pixperk/leaselock/pkg/types"
)

const (
	DefaultPort  = 3306
	DefaultTable = "lock_leases"

	errBadDB = 1049 // ER_BAD_DB_ERROR
)

const schema = "CREATE TABLE IF NOT EXISTS `%s` (" +
	"name VARCHAR(255) NOT NULL PRIMARY KEY, " +
	"owner VARCHAR(255) NOT NULL, " +
	"ttl_us BIGINT NOT NULL, " +
	"expires_at DATETIME(6) NOT NULL)"

// a live row is left untouched; the assignments all test the old expires_at,
// so expires_at itself must be assigned last
const acquireSQL = "INSERT INTO `%s` (name, owner, ttl_us, expires_at) " +
	"VALUES (?, ?, ?, NOW(6) + INTERVAL ? MICROSECOND) " +
	"ON DUPLICATE KEY UPDATE " +
	"owner = IF(expires_at <= NOW(6), VALUES(owner), owner), " +
	"ttl_us = IF(expires_at <= NOW(6), VALUES(ttl_us), ttl_us), " +
	"expires_at = IF(expires_at <= NOW(6), VALUES(expires_at), expires_at)"

const inspectSQL = "SELECT owner, ttl_us, TIMESTAMPDIFF(MICROSECOND, NOW(6), expires_at) " +
	"FROM `%s` WHERE name = ? AND expires_at > NOW(6)"

const releaseSQL = "DELETE FROM `%s` WHERE name = ? AND owner = ? AND expires_at > NOW(6)"

const renewSQL = "UPDATE `%s` SET owner = ?, ttl_us = ?, expires_at = NOW(6) + INTERVAL ? MICROSECOND " +
	"WHERE name = ? AND owner = ? AND expires_at > NOW(6)"

type Config struct {
	Addr     string
	Database string
	Table    string //DefaultTable when empty
	Username string
	Password string
	Timeout  time.Duration
	Logger   hclog.Logger
}

// Backend is an open database handle.
type Backend struct {
	db     *sql.DB
	table  string
	owned  bool
	logger hclog.Logger
}

var _ store.Backend = (*Backend)(nil)

// Open connects and pings the database. An unknown database is reported as
// types.ErrNamespaceNotFound, any other failure as types.ErrStoreUnavailable.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	dsn := mysql.NewConfig()
	dsn.Net = "tcp"
	dsn.Addr = cfg.Addr
	dsn.User = cfg.Username
	dsn.Passwd = cfg.Password
	dsn.DBName = cfg.Database
	dsn.ParseTime = true
	if cfg.Timeout > 0 {
		dsn.Timeout = cfg.Timeout
		dsn.ReadTimeout = cfg.Timeout
		dsn.WriteTimeout = cfg.Timeout
	}

	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql config: %w", err)
	}

	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()

		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == errBadDB {
			return nil, fmt.Errorf("%w: database %q: %v", types.ErrNamespaceNotFound, cfg.Database, err)
		}
		return nil, fmt.Errorf("%w: mysql %s: %v", types.ErrStoreUnavailable, cfg.Addr, err)
	}

	b, err := New(db, cfg.Table, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// New wraps an existing handle. The caller keeps ownership of db.
func New(db *sql.DB, table string, logger hclog.Logger) (*Backend, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validIdent(table) {
		return nil, fmt.Errorf("mysql: invalid table name %q", table)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Backend{db: db, table: table, logger: logger.Named("mysql")}, nil
}

func validIdent(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return s != ""
}

// CreateSchema creates the lease table if it is missing.
func (b *Backend) CreateSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf(schema, b.table)); err != nil {
		return fmt.Errorf("create table %s: %w", b.table, err)
	}
	return nil
}

// Prepare builds the four statements once for the life of the factory.
func (b *Backend) Prepare(ctx context.Context) (store.LeaseStore, error) {
	s := &leaseStore{}

	stmts := []struct {
		dst   **sql.Stmt
		query string
		op    string
	}{
		{&s.acquire, acquireSQL, "acquire"},
		{&s.inspect, inspectSQL, "inspect"},
		{&s.release, releaseSQL, "release"},
		{&s.renew, renewSQL, "renew"},
	}

	for _, st := range stmts {
		stmt, err := b.db.PrepareContext(ctx, fmt.Sprintf(st.query, b.table))
		if err != nil {
			s.close()
			return nil, fmt.Errorf("prepare %s: %w", st.op, err)
		}
		*st.dst = stmt
	}

	b.logger.Debug("lease statements prepared", "table", b.table)
	return s, nil
}

func (b *Backend) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}

type leaseStore struct {
	acquire *sql.Stmt
	inspect *sql.Stmt
	release *sql.Stmt
	renew   *sql.Stmt
}

func (s *leaseStore) close() {
	for _, stmt := range []*sql.Stmt{s.acquire, s.inspect, s.release, s.renew} {
		if stmt != nil {
			stmt.Close()
		}
	}
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

// mysql interval math is in microseconds, round partial microseconds up
func micros(ttl time.Duration) int64 {
	us := int64(ttl / time.Microsecond)
	if ttl%time.Microsecond > 0 {
		us++
	}
	return us
}

// Acquire cannot return the holder's row: the statement reports only how many
// rows it touched, 1 for an insert, 2 for a takeover of an expired row.
func (s *leaseStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, *types.Lease, error) {
	if err := checkArgs(name, owner, ttl); err != nil {
		return false, nil, err
	}

	us := micros(ttl)
	res, err := s.acquire.ExecContext(ctx, name, owner, us, us)
	if err != nil {
		return false, nil, fmt.Errorf("mysql acquire: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("mysql acquire: %w", err)
	}
	return n == 1 || n == 2, nil, nil
}

func (s *leaseStore) Inspect(ctx context.Context, name string) (*types.Lease, bool, error) {
	var (
		owner     string
		ttlUs     int64
		remaining int64
	)
	err := s.inspect.QueryRowContext(ctx, name).Scan(&owner, &ttlUs, &remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mysql inspect: %w", err)
	}

	return &types.Lease{
		Name:      name,
		Owner:     owner,
		TTL:       time.Duration(ttlUs) * time.Microsecond,
		ExpiresAt: time.Now().Add(time.Duration(remaining) * time.Microsecond),
	}, true, nil
}

func (s *leaseStore) Release(ctx context.Context, name, owner string) (bool, error) {
	res, err := s.release.ExecContext(ctx, name, owner)
	if err != nil {
		return false, fmt.Errorf("mysql release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mysql release: %w", err)
	}
	return n == 1, nil
}

func (s *leaseStore) Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := checkArgs(name, owner, ttl); err != nil {
		return false, err
	}

	us := micros(ttl)
	res, err := s.renew.ExecContext(ctx, owner, us, us, name, owner)
	if err != nil {
		return false, fmt.Errorf("mysql renew: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mysql renew: %w", err)
	}
	return n == 1, nil
}
