package etcd

import (
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.etcd.io/etcd/server/v3/etcdserver/api/v3client"
	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/pkg/log"
)

// EtcdServer 是嵌入式 etcd 服务的单例实例。
var (
	initOnce   sync.Once
	closeOnce  sync.Once
	etcdServer *embed.Etcd
)

// GetEmbedEtcdClient 返回嵌入式 etcd 服务对应的 v3 客户端。
func GetEmbedEtcdClient() (*clientv3.Client, error) {
	if etcdServer == nil {
		return nil, errors.New("embedded etcd server is not initialized")
	}
	client := v3client.New(etcdServer.Server)
	return client, nil
}

// InitEtcdServer 初始化嵌入式 etcd 单例服务。
//
// 单实例部署时使用，使 etcd 总线/存储/成员后端无需外部集群即可运行。
func InitEtcdServer(
	useEmbedEtcd bool,
	configPath string,
	dataDir string,
	logPath string,
	logLevel string,
) error {
	if useEmbedEtcd {
		var initError error
		initOnce.Do(func() {
			path := configPath
			var cfg *embed.Config
			if len(path) > 0 {
				cfgFromFile, err := embed.ConfigFromFile(path)
				if err != nil {
					initError = err
					return
				}
				cfg = cfgFromFile
			} else {
				cfg = embed.NewConfig()
			}
			cfg.Dir = dataDir
			cfg.LogOutputs = []string{logPath}
			cfg.LogLevel = logLevel
			e, err := embed.StartEtcd(cfg)
			if err != nil {
				log.Error("failed to init embedded Etcd server", zap.Error(err))
				initError = err
				return
			}
			select {
			case <-e.Server.ReadyNotify():
			case <-time.After(time.Minute):
				e.Close()
				initError = errors.New("embedded etcd server took too long to start")
				return
			}
			etcdServer = e
			log.Info("finish init Etcd config", zap.String("path", path), zap.String("data", dataDir))
		})
		return initError
	}
	return nil
}

func HasServer() bool {
	return etcdServer != nil
}

// StopEtcdServer stops embedded etcd server singleton.
func StopEtcdServer() {
	if etcdServer != nil {
		closeOnce.Do(func() {
			etcdServer.Close()
		})
	}
}

// StartTestEmbedEtcdServer 在临时目录与随机端口上启动一个独立的 etcd，供单元测试使用。
//
// 调用方负责 server.Close() 以及删除返回的目录。
func StartTestEmbedEtcdServer() (*embed.Etcd, string, error) {
	dir, err := os.MkdirTemp(os.TempDir(), "collab_ut")
	if err != nil {
		return nil, "", err
	}
	config := embed.NewConfig()
	config.Dir = dir
	config.LogLevel = "warn"
	config.LogOutputs = []string{"default"}
	u, err := url.Parse("http://localhost:0")
	if err != nil {
		return nil, "", err
	}
	config.ListenClientUrls = []url.URL{*u}
	u, err = url.Parse("http://localhost:0")
	if err != nil {
		return nil, "", err
	}
	config.ListenPeerUrls = []url.URL{*u}

	server, err := embed.StartEtcd(config)
	if err != nil {
		return nil, dir, err
	}
	select {
	case <-server.Server.ReadyNotify():
	case <-time.After(30 * time.Second):
		server.Close()
		return nil, dir, errors.New("test etcd server took too long to start")
	}
	return server, dir, nil
}
