package membership

import (
	"context"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

// EtcdConfig 为 etcd 成员关系后端配置，key 形如 <prefix>/<workspaceId>/<userId>，value 为角色名。
type EtcdConfig struct {
	Prefix         string        `mapstructure:"prefix"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
}

const defaultEtcdMembersPrefix = "collab/members"

type EtcdResolver struct {
	kv      clientv3.KV
	prefix  string
	timeout time.Duration
}

var _ Resolver = (*EtcdResolver)(nil)

func NewEtcdResolver(kv clientv3.KV, cfg EtcdConfig) *EtcdResolver {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultEtcdMembersPrefix
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	return &EtcdResolver{kv: kv, prefix: cfg.Prefix, timeout: cfg.RequestTimeout}
}

func (r *EtcdResolver) key(workspaceID, userID string) string {
	return path.Join(r.prefix, workspaceID, userID)
}

func (r *EtcdResolver) Role(ctx context.Context, workspaceID, userID string) (Role, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.kv.Get(ctx, r.key(workspaceID, userID))
	if err != nil {
		return "", merr.WrapErrIoFailed(r.key(workspaceID, userID), err)
	}
	if len(resp.Kvs) == 0 {
		return "", merr.WrapErrNotMember(workspaceID, userID)
	}
	return ParseRole(string(resp.Kvs[0].Value))
}

// Grant 写入一条成员关系，供运维脚本与测试使用。
func (r *EtcdResolver) Grant(ctx context.Context, workspaceID, userID string, role Role) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.kv.Put(ctx, r.key(workspaceID, userID), string(role)); err != nil {
		return merr.WrapErrIoFailed(r.key(workspaceID, userID), err)
	}
	return nil
}
