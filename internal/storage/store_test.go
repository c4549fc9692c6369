package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/collab-sync-go/pkg/util/etcd"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

// storeContractSuite 校验所有后端共同遵守的 upsert / not-found 语义。
type storeContractSuite struct {
	suite.Suite
	newStore func() SnapshotStore
	store    SnapshotStore
}

func (s *storeContractSuite) SetupTest() {
	s.store = s.newStore()
}

func (s *storeContractSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *storeContractSuite) TestNotFound() {
	_, err := s.store.Get(context.Background(), "missing")
	s.ErrorIs(err, merr.ErrIoKeyNotFound)
}

func (s *storeContractSuite) TestUpsert() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	s.Require().NoError(s.store.Put(ctx, "ws-1/doc-1", Record{Snapshot: []byte("v1"), UpdatedAt: now}))
	s.Require().NoError(s.store.Put(ctx, "ws-1/doc-1", Record{Snapshot: []byte("v2"), UpdatedAt: now.Add(time.Second)}))

	record, err := s.store.Get(ctx, "ws-1/doc-1")
	s.Require().NoError(err)
	s.Equal([]byte("v2"), record.Snapshot)
	s.True(record.UpdatedAt.Equal(now.Add(time.Second)))

	s.Require().NoError(s.store.Delete(ctx, "ws-1/doc-1"))
	_, err = s.store.Get(ctx, "ws-1/doc-1")
	s.ErrorIs(err, merr.ErrIoKeyNotFound)
}

func (s *storeContractSuite) TestLargeSnapshot() {
	ctx := context.Background()
	snapshot := bytes.Repeat([]byte("task-board "), 4096)
	s.Require().NoError(s.store.Put(ctx, "ws-2", Record{Snapshot: snapshot, UpdatedAt: time.Now()}))

	record, err := s.store.Get(ctx, "ws-2")
	s.Require().NoError(err)
	s.Equal(snapshot, record.Snapshot)
}

func TestBadgerInMemoryStore(t *testing.T) {
	suite.Run(t, &storeContractSuite{newStore: func() SnapshotStore {
		store, err := NewBadgerStore(BadgerConfig{InMemory: true})
		if err != nil {
			t.Fatal(err)
		}
		return store
	}})
}

func TestBadgerDiskStore(t *testing.T) {
	suite.Run(t, &storeContractSuite{newStore: func() SnapshotStore {
		store, err := NewBadgerStore(BadgerConfig{Dir: t.TempDir(), GCInterval: time.Minute})
		if err != nil {
			t.Fatal(err)
		}
		return store
	}})
}

func TestSealedStore(t *testing.T) {
	encKey := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32))
	macKey := base64.StdEncoding.EncodeToString([]byte("mac"))
	suite.Run(t, &storeContractSuite{newStore: func() SnapshotStore {
		inner, err := NewBadgerStore(BadgerConfig{InMemory: true})
		if err != nil {
			t.Fatal(err)
		}
		store, err := Seal(inner, SealConfig{
			Compression:     "zstd",
			MinCompressSize: 16,
			EncryptionKey:   encKey,
			MacKey:          macKey,
		})
		if err != nil {
			t.Fatal(err)
		}
		return store
	}})
}

func TestEtcdStore(t *testing.T) {
	server, dir, err := etcd.StartTestEmbedEtcdServer()
	if err != nil {
		t.Skipf("embedded etcd unavailable: %v", err)
	}
	defer os.RemoveAll(dir)
	defer server.Close()

	client, err := etcdClientForTest(server)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	suite.Run(t, &storeContractSuite{newStore: func() SnapshotStore {
		return NewEtcdStore(client, EtcdConfig{Prefix: "test/snapshots"})
	}})
}
