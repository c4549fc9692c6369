// Package storage 把不同的持久化引擎适配为 documentId → 快照记录 的键值存储。
package storage

import (
	"context"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lk2023060901/collab-sync-go/internal/json"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendEtcd     = "etcd"
	BackendPostgres = "postgres"
)

// Record 为一个文档的持久化快照。
type Record struct {
	Snapshot  []byte    `json:"snapshot"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SnapshotStore 为快照的键值存储，Put 为 upsert 语义。
//
// Get 在 key 不存在时返回 merr.ErrIoKeyNotFound。
type SnapshotStore interface {
	Get(ctx context.Context, documentID string) (*Record, error)
	Put(ctx context.Context, documentID string, record Record) error
	Delete(ctx context.Context, documentID string) error
	Close() error
}

func encodeRecord(record Record) ([]byte, error) {
	return json.Marshal(record)
}

func decodeRecord(documentID string, data []byte) (*Record, error) {
	record := &Record{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, merr.WrapErrIoFailed(documentID, err)
	}
	return record, nil
}

// Config 为快照存储配置。
type Config struct {
	Backend  string         `mapstructure:"backend"`
	Badger   BadgerConfig   `mapstructure:"badger"`
	Etcd     EtcdConfig     `mapstructure:"etcd"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Seal     SealConfig     `mapstructure:"seal"`
}

// Dependencies 为构造存储时可复用的外部连接。
type Dependencies struct {
	Etcd *clientv3.Client
}

// New 根据配置构造存储，并按需包裹压缩与加密层。
func New(ctx context.Context, cfg Config, deps Dependencies) (SnapshotStore, error) {
	var (
		store SnapshotStore
		err   error
	)
	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		store, err = NewBadgerStore(BadgerConfig{InMemory: true})
	case BackendBadger:
		store, err = NewBadgerStore(cfg.Badger)
	case BackendEtcd:
		if deps.Etcd == nil {
			return nil, merr.WrapErrParameterMissing("etcd client", "storage.backend=etcd")
		}
		store = NewEtcdStore(deps.Etcd, cfg.Etcd)
	case BackendPostgres:
		store, err = NewPostgresStore(ctx, cfg.Postgres)
	default:
		return nil, merr.WrapErrParameterInvalid("memory|badger|etcd|postgres", cfg.Backend, "storage.backend")
	}
	if err != nil {
		return nil, err
	}
	return Seal(store, cfg.Seal)
}
