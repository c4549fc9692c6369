// Package config 汇总 collabd 各组件配置，负责加载、默认值与校验。
package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/lk2023060901/collab-sync-go/internal/bus"
	"github.com/lk2023060901/collab-sync-go/internal/collab"
	"github.com/lk2023060901/collab-sync-go/internal/crdt"
	"github.com/lk2023060901/collab-sync-go/internal/docstate"
	"github.com/lk2023060901/collab-sync-go/internal/membership"
	"github.com/lk2023060901/collab-sync-go/internal/network/acceptor"
	"github.com/lk2023060901/collab-sync-go/internal/network/handshake"
	"github.com/lk2023060901/collab-sync-go/internal/storage"
	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/util/etcd"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
	zviper "github.com/lk2023060901/collab-sync-go/pkg/util/viper"
)

const (
	// EnvPrefix 为环境变量覆盖前缀，例如 COLLAB_SERVER_LISTEN。
	EnvPrefix = "COLLAB"
	// EnvConfigPath 指定配置文件路径，优先级低于命令行 --config。
	EnvConfigPath = "COLLAB_CONFIG_FILE_PATH"
	// DefaultConfigPath 为默认配置文件路径，文件不存在时只使用默认值与环境变量。
	DefaultConfigPath = "./config.yaml"
)

// ServerConfig 为 HTTP 服务配置。
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
	// ShutdownTimeout 为优雅退出的总时长，包括等待连接关闭与排空文档缓存。
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// PoolConfig 为防抖落盘所用协程池配置，Size <= 0 时按 CPU 核数计算。
type PoolConfig struct {
	Size int `mapstructure:"size"`
}

// ClusterConfig 为节点注册配置，只在配置了 etcd 时生效。
type ClusterConfig struct {
	Root string `mapstructure:"root"`
	// AdvertiseAddr 为注册到 etcd 的对外地址，为空时使用实际监听地址。
	AdvertiseAddr string `mapstructure:"advertiseAddr"`
	TTL           int64  `mapstructure:"ttl"`
}

type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Cluster    ClusterConfig     `mapstructure:"cluster"`
	Log        log.Config        `mapstructure:"log"`
	Etcd       etcd.ClientConfig `mapstructure:"etcd"`
	Acceptor   acceptor.Config   `mapstructure:"acceptor"`
	Handshake  handshake.Config  `mapstructure:"handshake"`
	Collab     collab.Config     `mapstructure:"collab"`
	DocState   docstate.Config   `mapstructure:"docstate"`
	Pool       PoolConfig        `mapstructure:"pool"`
	Codec      crdt.Config       `mapstructure:"codec"`
	Storage    storage.Config    `mapstructure:"storage"`
	Bus        bus.Config        `mapstructure:"bus"`
	Membership membership.Config `mapstructure:"membership"`
}

// defaults 返回全部标量配置的默认值。
// 只有注册过默认值的 key 才能被环境变量覆盖，新增配置项时需要同步补充。
func defaults() map[string]any {
	accCfg := acceptor.DefaultConfig()
	collabCfg := collab.DefaultConfig()
	docCfg := docstate.DefaultConfig()
	return map[string]any{
		"server.listen":          ":8080",
		"server.shutdownTimeout": 30 * time.Second,

		"cluster.root":          "collab/nodes",
		"cluster.advertiseAddr": "",
		"cluster.ttl":           10,

		"log.level":              "info",
		"log.format":             "json",
		"log.stdout":             true,
		"log.disable-timestamp":  false,
		"log.file.rootpath":      "",
		"log.file.filename":      "",
		"log.file.max-size":      300,
		"log.file.max-days":      0,
		"log.file.max-backups":   0,
		"log.disable-caller":     false,
		"log.disable-stacktrace": false,
		"log.development":        false,

		"log.rate-limit.enable":            false,
		"log.rate-limit.credit-per-second": 1.0,
		"log.rate-limit.max-balance":       60.0,

		"etcd.endpoints":   []string{"127.0.0.1:2379"},
		"etcd.dialTimeout": 5 * time.Second,
		"etcd.username":    "",
		"etcd.password":    "",
		"etcd.useEmbed":    false,
		"etcd.dataDir":     "./data/etcd",

		"acceptor.path":              accCfg.Path,
		"acceptor.readBufferSize":    accCfg.ReadBufferSize,
		"acceptor.writeBufferSize":   accCfg.WriteBufferSize,
		"acceptor.upgradeTimeout":    accCfg.UpgradeTimeout,
		"acceptor.allowedOrigins":    []string{},
		"acceptor.enableCompression": accCfg.EnableCompression,
		"handshake.protocolRange":    handshake.DefaultProtocolRange,

		"collab.nodeId":                 "",
		"collab.publishTimeout":         collabCfg.PublishTimeout,
		"collab.finalizeTimeout":        collabCfg.FinalizeTimeout,
		"collab.session.sendQueueSize":  collabCfg.Session.SendQueueSize,
		"collab.session.writeTimeout":   collabCfg.Session.WriteTimeout,
		"collab.session.pingInterval":   collabCfg.Session.PingInterval,
		"collab.session.readTimeout":    collabCfg.Session.ReadTimeout,
		"collab.session.maxMessageSize": collabCfg.Session.MaxMessageSize,

		"docstate.debounceInterval":  docCfg.DebounceInterval,
		"docstate.maxDebounceDelay":  docCfg.MaxDebounceDelay,
		"docstate.persistTimeout":    docCfg.PersistTimeout,
		"docstate.persistAttempts":   docCfg.PersistAttempts,
		"docstate.persistRetrySleep": docCfg.PersistRetrySleep,
		"pool.size":                  0,

		"codec.backend":             crdt.BackendReference,
		"codec.remote.target":       "",
		"codec.remote.callTimeout":  5 * time.Second,
		"codec.remote.maxRetries":   3,
		"codec.remote.retryBackoff": 50 * time.Millisecond,

		"storage.backend":               storage.BackendBadger,
		"storage.badger.dir":            "./data/snapshots",
		"storage.badger.inMemory":       false,
		"storage.badger.gcInterval":     10 * time.Minute,
		"storage.etcd.prefix":           "collab/snapshots",
		"storage.etcd.requestTimeout":   5 * time.Second,
		"storage.etcd.maxValueSize":     1 << 20,
		"storage.postgres.dsn":          "",
		"storage.postgres.table":        "document_snapshots",
		"storage.postgres.maxConns":     16,
		"storage.postgres.autoMigrate":  true,
		"storage.seal.compression":      "zstd",
		"storage.seal.compressionLevel": 0,
		"storage.seal.minCompressSize":  512,
		"storage.seal.encryptionKey":    "",
		"storage.seal.macKey":           "",
		"storage.seal.keyId":            0,

		"bus.backend":           bus.BackendLocal,
		"bus.redis.addr":        "",
		"bus.redis.password":    "",
		"bus.redis.db":          0,
		"bus.redis.channel":     bus.DefaultRedisChannel,
		"bus.redis.dialTimeout": 5 * time.Second,
		"bus.etcd.prefix":       bus.DefaultEtcdPrefix,
		"bus.etcd.messageTTL":   10,

		"membership.backend":             membership.BackendStatic,
		"membership.etcd.prefix":         "collab/members",
		"membership.etcd.requestTimeout": 3 * time.Second,
		"membership.postgres.dsn":        "",
		"membership.postgres.table":      "workspace_members",
	}
}

// ResolvePath 按 命令行 > 环境变量 > 默认值 的顺序确定配置文件路径。
// explicit 为 true 表示路径由用户显式给出，文件必须存在。
func ResolvePath(flagPath string) (path string, explicit bool) {
	if flagPath != "" {
		return flagPath, true
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env, true
	}
	return DefaultConfigPath, false
}

// Load 加载配置文件、叠加环境变量并校验。
func Load(flagPath string) (*Config, error) {
	path, explicit := ResolvePath(flagPath)

	v := zviper.New(EnvPrefix)
	v.SetDefaults(defaults())
	if explicit {
		if err := v.LoadFile(path); err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %q", path)
		}
	} else if _, err := v.LoadOptionalFile(path); err != nil {
		return nil, errors.Wrapf(err, "failed to load config file %q", path)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NeedsEtcd 返回是否有后端依赖 etcd 客户端。
func (c *Config) NeedsEtcd() bool {
	return strings.EqualFold(c.Storage.Backend, storage.BackendEtcd) ||
		strings.EqualFold(c.Bus.Backend, bus.BackendEtcd) ||
		strings.EqualFold(c.Membership.Backend, membership.BackendEtcd)
}

// Validate 校验配置的完整性，只检查启动前能够发现的问题。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Listen) == "" {
		return merr.WrapErrParameterMissing("server.listen")
	}
	if !strings.HasPrefix(c.Acceptor.Path, "/") {
		return merr.WrapErrParameterInvalidMsg("acceptor.path must start with '/', got %q", c.Acceptor.Path)
	}

	if err := oneOf("storage.backend", c.Storage.Backend,
		storage.BackendMemory, storage.BackendBadger, storage.BackendEtcd, storage.BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("bus.backend", c.Bus.Backend, bus.BackendLocal, bus.BackendRedis, bus.BackendEtcd); err != nil {
		return err
	}
	if err := oneOf("membership.backend", c.Membership.Backend,
		membership.BackendStatic, membership.BackendEtcd, membership.BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("codec.backend", c.Codec.Backend, crdt.BackendReference, crdt.BackendRemote); err != nil {
		return err
	}

	switch {
	case strings.EqualFold(c.Storage.Backend, storage.BackendBadger) && !c.Storage.Badger.InMemory && c.Storage.Badger.Dir == "":
		return merr.WrapErrParameterMissing("storage.badger.dir")
	case strings.EqualFold(c.Storage.Backend, storage.BackendPostgres) && c.Storage.Postgres.DSN == "":
		return merr.WrapErrParameterMissing("storage.postgres.dsn")
	case strings.EqualFold(c.Bus.Backend, bus.BackendRedis) && c.Bus.Redis.Addr == "":
		return merr.WrapErrParameterMissing("bus.redis.addr")
	case strings.EqualFold(c.Membership.Backend, membership.BackendPostgres) && c.Membership.Postgres.DSN == "":
		return merr.WrapErrParameterMissing("membership.postgres.dsn")
	case strings.EqualFold(c.Codec.Backend, crdt.BackendRemote) && c.Codec.Remote.Target == "":
		return merr.WrapErrParameterMissing("codec.remote.target")
	case c.NeedsEtcd() && !c.Etcd.UseEmbed && len(c.Etcd.Endpoints) == 0:
		return merr.WrapErrParameterMissing("etcd.endpoints")
	}

	if c.DocState.DebounceInterval > 0 && c.DocState.MaxDebounceDelay > 0 &&
		c.DocState.MaxDebounceDelay < c.DocState.DebounceInterval {
		return merr.WrapErrParameterInvalidMsg("docstate.maxDebounceDelay (%s) must not be shorter than docstate.debounceInterval (%s)",
			c.DocState.MaxDebounceDelay, c.DocState.DebounceInterval)
	}
	if c.Collab.Session.SendQueueSize < 0 {
		return merr.WrapErrParameterInvalidMsg("collab.session.sendQueueSize must not be negative, got %d", c.Collab.Session.SendQueueSize)
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	if lo.Contains(allowed, strings.ToLower(value)) {
		return nil
	}
	return merr.WrapErrParameterInvalid(strings.Join(allowed, "|"), value, key)
}
