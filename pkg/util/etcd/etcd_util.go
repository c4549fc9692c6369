package etcd

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/pkg/log"
)

// ClientConfig 描述连接外部 etcd 集群所需参数。
type ClientConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	// UseEmbed 为 true 时忽略 Endpoints，使用进程内嵌入式 etcd。
	UseEmbed bool   `mapstructure:"useEmbed"`
	DataDir  string `mapstructure:"dataDir"`
}

// Connect 根据配置返回 etcd 客户端。
//
// 嵌入式模式下会先启动单例 etcd 服务。
func Connect(ctx context.Context, cfg ClientConfig) (*clientv3.Client, error) {
	if cfg.UseEmbed {
		if err := InitEtcdServer(true, "", cfg.DataDir, "default", "warn"); err != nil {
			return nil, err
		}
		return GetEmbedEtcdClient()
	}
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints are empty")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Context:     ctx,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create etcd client")
	}

	statusCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if _, err := cli.Status(statusCtx, cfg.Endpoints[0]); err != nil {
		cli.Close()
		return nil, errors.Wrap(err, "etcd endpoint is not reachable")
	}
	log.Info("etcd client connected", zap.Strings("endpoints", cfg.Endpoints))
	return cli, nil
}
