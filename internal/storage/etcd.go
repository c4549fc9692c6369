package storage

import (
	"context"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

// EtcdConfig 为 etcd 快照存储配置。
type EtcdConfig struct {
	Prefix         string        `mapstructure:"prefix"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	// MaxValueSize 为单条记录允许的最大字节数，超过时拒绝写入。
	MaxValueSize int `mapstructure:"maxValueSize"`
}

const (
	defaultEtcdSnapshotPrefix = "collab/snapshots"
	defaultEtcdRequestTimeout = 5 * time.Second
	// etcd 默认单请求上限为 1.5MiB，留出信封开销。
	defaultEtcdMaxValueSize = 1 << 20
)

// EtcdStore 以 etcd 作为共享快照存储，适合小文档、多实例部署。
type EtcdStore struct {
	kv           clientv3.KV
	prefix       string
	timeout      time.Duration
	maxValueSize int
}

var _ SnapshotStore = (*EtcdStore)(nil)

func NewEtcdStore(kv clientv3.KV, cfg EtcdConfig) *EtcdStore {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultEtcdSnapshotPrefix
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultEtcdRequestTimeout
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = defaultEtcdMaxValueSize
	}
	return &EtcdStore{
		kv:           kv,
		prefix:       cfg.Prefix,
		timeout:      cfg.RequestTimeout,
		maxValueSize: cfg.MaxValueSize,
	}
}

func (s *EtcdStore) key(documentID string) string {
	return path.Join(s.prefix, documentID)
}

func (s *EtcdStore) Get(ctx context.Context, documentID string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.kv.Get(ctx, s.key(documentID))
	if err != nil {
		return nil, merr.WrapErrIoFailed(documentID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, merr.WrapErrIoKeyNotFound(documentID)
	}
	return decodeRecord(documentID, resp.Kvs[0].Value)
}

func (s *EtcdStore) Put(ctx context.Context, documentID string, record Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return merr.WrapErrIoFailed(documentID, err)
	}
	if len(data) > s.maxValueSize {
		return merr.WrapErrParameterTooLarge("snapshot record", len(data), s.maxValueSize)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.kv.Put(ctx, s.key(documentID), string(data)); err != nil {
		return merr.WrapErrIoFailed(documentID, err)
	}
	return nil
}

func (s *EtcdStore) Delete(ctx context.Context, documentID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.kv.Delete(ctx, s.key(documentID)); err != nil {
		return merr.WrapErrIoFailed(documentID, err)
	}
	return nil
}

// Close 不关闭共享的 etcd 客户端，由创建方负责。
func (s *EtcdStore) Close() error {
	return nil
}
