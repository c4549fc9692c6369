package membership

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

// PostgresConfig 为 postgres 成员关系后端配置。
//
// 表结构：workspace_members(workspace_id TEXT, user_id TEXT, role TEXT)。
type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

const defaultMembersTable = "workspace_members"

type pgRowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresResolver struct {
	db    pgRowQuerier
	pool  *pgxpool.Pool
	table string
}

var _ Resolver = (*PostgresResolver)(nil)

func NewPostgresResolver(ctx context.Context, cfg PostgresConfig) (*PostgresResolver, error) {
	if cfg.DSN == "" {
		return nil, merr.WrapErrParameterMissing("membership.postgres.dsn")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to connect to postgres")
	}
	r := newPostgresResolver(pool, cfg.Table)
	r.pool = pool
	return r, nil
}

func newPostgresResolver(db pgRowQuerier, table string) *PostgresResolver {
	if table == "" {
		table = defaultMembersTable
	}
	return &PostgresResolver{db: db, table: table}
}

func (r *PostgresResolver) Role(ctx context.Context, workspaceID, userID string) (Role, error) {
	var name string
	err := r.db.QueryRow(ctx,
		`SELECT role FROM `+pgx.Identifier{r.table}.Sanitize()+` WHERE workspace_id = $1 AND user_id = $2`,
		workspaceID, userID,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", merr.WrapErrNotMember(workspaceID, userID)
	}
	if err != nil {
		return "", merr.WrapErrIoFailed(workspaceID, err)
	}
	return ParseRole(name)
}

func (r *PostgresResolver) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}
