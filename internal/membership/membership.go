// Package membership 解析 (workspaceId, userId) 对应的工作区角色。
//
// 角色数据由外部系统维护，这里只提供只读查询。
package membership

import (
	"context"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
	RoleViewer Role = "VIEWER"
)

// ParseRole 解析角色名，大小写不敏感。
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return r, nil
	default:
		return "", merr.WrapErrParameterInvalid("OWNER|ADMIN|MEMBER|VIEWER", s, "role")
	}
}

// ReadOnly 报告该角色是否只能读取文档。
func (r Role) ReadOnly() bool {
	return r == RoleViewer
}

// Resolver 查询用户在工作区中的角色。
//
// 用户不是成员时返回 merr.ErrNotMember。
type Resolver interface {
	Role(ctx context.Context, workspaceID, userID string) (Role, error)
}

const (
	BackendStatic   = "static"
	BackendEtcd     = "etcd"
	BackendPostgres = "postgres"
)

// Config 为成员关系后端配置。
type Config struct {
	Backend string `mapstructure:"backend"`
	// Static 为 workspaceId → userId → role，仅 static 后端使用。
	Static   map[string]map[string]string `mapstructure:"static"`
	Etcd     EtcdConfig                   `mapstructure:"etcd"`
	Postgres PostgresConfig               `mapstructure:"postgres"`
}

// New 根据配置构造 Resolver。etcd 后端复用调用方传入的客户端。
func New(ctx context.Context, cfg Config, etcdCli *clientv3.Client) (Resolver, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendStatic:
		static, err := NewStatic(cfg.Static)
		if err != nil {
			return nil, err
		}
		return static, nil
	case BackendEtcd:
		if etcdCli == nil {
			return nil, merr.WrapErrParameterMissing("etcd client", "membership.backend=etcd")
		}
		return NewEtcdResolver(etcdCli, cfg.Etcd), nil
	case BackendPostgres:
		resolver, err := NewPostgresResolver(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return resolver, nil
	default:
		return nil, merr.WrapErrParameterInvalid("static|etcd|postgres", cfg.Backend, "membership.backend")
	}
}
