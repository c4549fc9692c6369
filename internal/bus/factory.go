package bus

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

type Config struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
	Etcd    EtcdConfig  `mapstructure:"etcd"`
}

// Dependencies 为构造总线所需的共享资源。Hub 为空时 local 后端使用独立的 LocalHub。
type Dependencies struct {
	Etcd *clientv3.Client
	Hub  *LocalHub
}

// New 按 cfg.Backend 创建总线。
func New(ctx context.Context, cfg Config, deps Dependencies) (Bus, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		hub := deps.Hub
		if hub == nil {
			hub = NewLocalHub()
		}
		return NewLocalBus(hub), nil
	case BackendRedis:
		b, err := NewRedisBus(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendEtcd:
		b, err := NewEtcdBus(deps.Etcd, cfg.Etcd)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, merr.WrapErrParameterInvalid("local|redis|etcd", cfg.Backend, "bus backend")
	}
}
