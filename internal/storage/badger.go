package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

const badgerKeyPrefix = "snapshot/"

// BadgerConfig 为嵌入式 badger 存储配置。
type BadgerConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"inMemory"`
	// GCInterval 为 value log GC 周期，<= 0 时不启动。
	GCInterval time.Duration `mapstructure:"gcInterval"`
}

// BadgerStore 把快照保存在进程内嵌的 badger 中，适合单实例部署。
type BadgerStore struct {
	db     *badger.DB
	stopGC chan struct{}
	gcDone chan struct{}
}

var _ SnapshotStore = (*BadgerStore)(nil)

func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, merr.WrapErrParameterMissing("storage.badger.dir")
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger")
	}
	s := &BadgerStore{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.gcLoop(cfg.GCInterval)
	}
	return s, nil
}

func (s *BadgerStore) gcLoop(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						log.Warn("badger value log gc failed", zap.Error(err))
					}
					break
				}
			}
		}
	}
}

func (s *BadgerStore) Get(_ context.Context, documentID string) (*Record, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + documentID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, merr.WrapErrIoKeyNotFound(documentID)
	}
	if err != nil {
		return nil, merr.WrapErrIoFailed(documentID, err)
	}
	return decodeRecord(documentID, data)
}

func (s *BadgerStore) Put(_ context.Context, documentID string, record Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return merr.WrapErrIoFailed(documentID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+documentID), data)
	})
	if err != nil {
		return merr.WrapErrIoFailed(documentID, err)
	}
	return nil
}

func (s *BadgerStore) Delete(_ context.Context, documentID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerKeyPrefix + documentID))
	})
	if err != nil {
		return merr.WrapErrIoFailed(documentID, err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}
