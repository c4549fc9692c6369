package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

// PostgresConfig 为 postgres 快照存储配置。
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"maxConns"`
	// AutoMigrate 为 true 时启动阶段自动建表。
	AutoMigrate bool `mapstructure:"autoMigrate"`
}

const defaultSnapshotTable = "document_snapshots"

// pgQuerier 为存储用到的 pgx 能力子集，*pgxpool.Pool 与 pgx.Tx 均满足。
type pgQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore 以 postgres 表保存快照，适合多实例共享的持久化部署。
type PostgresStore struct {
	db    pgQuerier
	pool  *pgxpool.Pool
	table string
}

var _ SnapshotStore = (*PostgresStore)(nil)

// NewPostgresStore 建立连接池并校验连通性。
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, merr.WrapErrParameterMissing("storage.postgres.dsn")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, merr.WrapErrParameterInvalidMsg("invalid postgres dsn: %s", err.Error())
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to connect to postgres")
	}

	s := newPostgresStore(pool, cfg.Table)
	s.pool = pool
	if cfg.AutoMigrate {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func newPostgresStore(db pgQuerier, table string) *PostgresStore {
	if table == "" {
		table = defaultSnapshotTable
	}
	return &PostgresStore{db: db, table: table}
}

func (s *PostgresStore) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// EnsureSchema 创建快照表（若不存在）。
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.ident()+` (
	document_id TEXT PRIMARY KEY,
	snapshot    BYTEA NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return errors.Wrap(err, "failed to create snapshot table")
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, documentID string) (*Record, error) {
	record := &Record{}
	err := s.db.QueryRow(ctx,
		`SELECT snapshot, updated_at FROM `+s.ident()+` WHERE document_id = $1`,
		documentID,
	).Scan(&record.Snapshot, &record.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, merr.WrapErrIoKeyNotFound(documentID)
	}
	if err != nil {
		return nil, merr.WrapErrIoFailed(documentID, err)
	}
	return record, nil
}

func (s *PostgresStore) Put(ctx context.Context, documentID string, record Record) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	snapshot := record.Snapshot
	if snapshot == nil {
		snapshot = []byte{}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO `+s.ident()+` (document_id, snapshot, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (document_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at`,
		documentID, snapshot, record.UpdatedAt,
	)
	if err != nil {
		return merr.WrapErrIoFailed(documentID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, documentID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM `+s.ident()+` WHERE document_id = $1`, documentID)
	if err != nil {
		return merr.WrapErrIoFailed(documentID, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
