package mysql_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pixperk/leaselock/pkg/lock"
	"github.com/pixperk/leaselock/pkg/store"
	mstore "github.com/pixperk/leaselock/pkg/store/mysql"
	"github.com/pixperk/leaselock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type prepared struct {
	acquire *sqlmock.ExpectedPrepare
	inspect *sqlmock.ExpectedPrepare
	release *sqlmock.ExpectedPrepare
	renew   *sqlmock.ExpectedPrepare
}

func newMockStore(t *testing.T) (*mstore.Backend, sqlmock.Sqlmock, prepared) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b, err := mstore.New(db, "", nil)
	require.NoError(t, err)

	p := prepared{
		acquire: mock.ExpectPrepare("INSERT INTO `lock_leases`"),
		inspect: mock.ExpectPrepare("SELECT owner, ttl_us"),
		release: mock.ExpectPrepare("DELETE FROM `lock_leases`"),
		renew:   mock.ExpectPrepare("UPDATE `lock_leases` SET"),
	}
	return b, mock, p
}

func prepare(t *testing.T, b *mstore.Backend) store.LeaseStore {
	t.Helper()
	ops, err := b.Prepare(context.Background())
	require.NoError(t, err)
	return ops
}

func TestMySQLConditionalOps(t *testing.T) {
	b, mock, p := newMockStore(t)
	ops := prepare(t, b)
	ctx := context.Background()

	p.acquire.ExpectExec().
		WithArgs("orders", "a", int64(60000000), int64(60000000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	p.acquire.ExpectExec().
		WithArgs("orders", "b", int64(60000000), int64(60000000)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	p.inspect.ExpectQuery().
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"owner", "ttl_us", "remaining"}).AddRow("a", int64(60000000), int64(59000000)))
	p.renew.ExpectExec().
		WithArgs("a", int64(60000000), int64(60000000), "orders", "a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	p.release.ExpectExec().
		WithArgs("orders", "b").
		WillReturnResult(sqlmock.NewResult(0, 0))
	p.release.ExpectExec().
		WithArgs("orders", "a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	p.inspect.ExpectQuery().
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"owner", "ttl_us", "remaining"}))

	applied, current, err := ops.Acquire(ctx, "orders", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Nil(t, current)

	applied, current, err = ops.Acquire(ctx, "orders", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Nil(t, current, "mysql cannot return the holder with the write")

	lease, found, err := ops.Inspect(ctx, "orders")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", lease.Owner)
	assert.Equal(t, time.Minute, lease.TTL)
	assert.True(t, lease.ExpiresAt.After(time.Now()))

	renewed, err := ops.Renew(ctx, "orders", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)

	released, err := ops.Release(ctx, "orders", "b")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = ops.Release(ctx, "orders", "a")
	require.NoError(t, err)
	assert.True(t, released)

	_, found, err = ops.Inspect(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLTakeoverCountsAsApplied(t *testing.T) {
	b, mock, p := newMockStore(t)
	ops := prepare(t, b)

	//ON DUPLICATE KEY UPDATE reports 2 when it rewrote an expired row
	p.acquire.ExpectExec().
		WithArgs("cron", "b", int64(1000000), int64(1000000)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	applied, _, err := ops.Acquire(context.Background(), "cron", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLErrorsSurface(t *testing.T) {
	b, mock, p := newMockStore(t)
	ops := prepare(t, b)
	boom := errors.New("connection reset")

	p.acquire.ExpectExec().WillReturnError(boom)
	p.inspect.ExpectQuery().WillReturnError(boom)

	_, _, err := ops.Acquire(context.Background(), "orders", "a", time.Second)
	assert.ErrorIs(t, err, boom)

	_, _, err = ops.Inspect(context.Background(), "orders")
	assert.ErrorIs(t, err, boom)

	_, _, err = ops.Acquire(context.Background(), "orders", "a", 0)
	assert.ErrorIs(t, err, types.ErrInvalidTTL, "rejected before any round trip")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLPrepareFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	b, err := mstore.New(db, "", nil)
	require.NoError(t, err)

	mock.ExpectPrepare("INSERT INTO `lock_leases`")
	mock.ExpectPrepare("SELECT owner").WillReturnError(errors.New("Table 'locks.lock_leases' doesn't exist"))

	_, err = b.Prepare(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "prepare inspect")
}

func TestMySQLTableName(t *testing.T) {
	_, err := mstore.New(&sql.DB{}, "leases; DROP TABLE x", nil)
	assert.Error(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	b, err := mstore.New(db, "custom_leases", nil)
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS `custom_leases`").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, b.CreateSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLockInspectsOnConflict(t *testing.T) {
	b, mock, p := newMockStore(t)

	factory, err := lock.NewFactory(context.Background(), b, lock.WithDefaultTTL(time.Minute))
	require.NoError(t, err)

	p.acquire.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	p.inspect.ExpectQuery().
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"owner", "ttl_us", "remaining"}).AddRow("me", int64(60000000), int64(30000000)))
	p.acquire.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	p.inspect.ExpectQuery().
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"owner", "ttl_us", "remaining"}).AddRow("me", int64(60000000), int64(30000000)))
	p.renew.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := factory.GetLock("orders", lock.WithOwner("me")).TryLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "own live row means already held")

	other := factory.GetLock("orders", lock.WithOwner("someone-else"))
	ok, err = other.TryLock(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, other.KeepAlive(context.Background()), types.ErrLeaseLost)
	require.NoError(t, mock.ExpectationsWereMet())
}
