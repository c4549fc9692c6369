package storage

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

// fakeQuerier 在内存中模拟 document_snapshots 表，只识别本包发出的语句。
type fakeQuerier struct {
	rows    map[string]Record
	execErr error
	stmts   []string
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{rows: map[string]Record{}}
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.stmts = append(f.stmts, sql)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	switch {
	case strings.HasPrefix(sql, "INSERT"):
		f.rows[args[0].(string)] = Record{Snapshot: args[1].([]byte), UpdatedAt: args[2].(time.Time)}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.HasPrefix(sql, "DELETE"):
		delete(f.rows, args[0].(string))
		return pgconn.NewCommandTag("DELETE 1"), nil
	default:
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	}
}

func (f *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.stmts = append(f.stmts, sql)
	record, ok := f.rows[args[0].(string)]
	return fakeRow{record: record, ok: ok}
}

type fakeRow struct {
	record Record
	ok     bool
}

func (r fakeRow) Scan(dest ...any) error {
	if !r.ok {
		return pgx.ErrNoRows
	}
	*dest[0].(*[]byte) = r.record.Snapshot
	*dest[1].(*time.Time) = r.record.UpdatedAt
	return nil
}

func TestPostgresStoreWithFake(t *testing.T) {
	suite.Run(t, &storeContractSuite{newStore: func() SnapshotStore {
		return newPostgresStore(newFakeQuerier(), "")
	}})
}

func TestPostgresStoreStatements(t *testing.T) {
	ctx := context.Background()
	q := newFakeQuerier()
	store := newPostgresStore(q, "snapshots")

	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.Put(ctx, "ws-1", Record{}))
	assert.Contains(t, q.stmts[0], `CREATE TABLE IF NOT EXISTS "snapshots"`)
	assert.Contains(t, q.stmts[1], "ON CONFLICT (document_id)")

	record, err := store.Get(ctx, "ws-1")
	require.NoError(t, err)
	assert.Empty(t, record.Snapshot)
	assert.False(t, record.UpdatedAt.IsZero())

	q.execErr = errors.New("connection reset")
	assert.ErrorIs(t, store.Put(ctx, "ws-1", Record{}), merr.ErrIoFailed)
	assert.Error(t, store.EnsureSchema(ctx))
}

// TestPostgresStoreLive 在设置 COLLAB_TEST_POSTGRES_DSN 时连接真实数据库。
func TestPostgresStoreLive(t *testing.T) {
	dsn := os.Getenv("COLLAB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COLLAB_TEST_POSTGRES_DSN not set")
	}
	suite.Run(t, &storeContractSuite{newStore: func() SnapshotStore {
		store, err := NewPostgresStore(context.Background(), PostgresConfig{DSN: dsn, Table: "collab_test_snapshots", AutoMigrate: true})
		if err != nil {
			t.Fatal(err)
		}
		return store
	}})
}
