package docstate

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/lk2023060901/collab-sync-go/internal/crdt"
	"github.com/lk2023060901/collab-sync-go/internal/storage"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

// countingStore 记录调用次数，并可按需让 Put 失败。
type countingStore struct {
	storage.SnapshotStore
	gets     atomic.Int64
	puts     atomic.Int64
	failPuts atomic.Int64
	getDelay time.Duration
}

func (s *countingStore) Get(ctx context.Context, documentID string) (*storage.Record, error) {
	s.gets.Inc()
	if s.getDelay > 0 {
		time.Sleep(s.getDelay)
	}
	return s.SnapshotStore.Get(ctx, documentID)
}

func (s *countingStore) Put(ctx context.Context, documentID string, record storage.Record) error {
	s.puts.Inc()
	if s.failPuts.Load() > 0 {
		s.failPuts.Dec()
		return errors.New("disk unavailable")
	}
	return s.SnapshotStore.Put(ctx, documentID, record)
}

type brokenCodec struct{ crdt.Reference }

func (brokenCodec) Merge(context.Context, []byte, []byte) ([]byte, []byte, error) {
	return nil, nil, errors.New("corrupted update")
}

// unionCodec 把文档视为只增不减的元素集合，快照为排序后以逗号连接的元素。
type unionCodec struct{}

func (unionCodec) elements(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return strings.Split(string(data), ",")
}

func (c unionCodec) Merge(_ context.Context, snapshot, update []byte) ([]byte, []byte, error) {
	merged := append(c.elements(snapshot), c.elements(update)...)
	slices.Sort(merged)
	merged = slices.Compact(merged)
	out := []byte(strings.Join(merged, ","))
	return out, out, nil
}

func (c unionCodec) EncodeDelta(_ context.Context, snapshot, clientVector []byte) ([]byte, error) {
	known := c.elements(clientVector)
	var missing []string
	for _, el := range c.elements(snapshot) {
		if !slices.Contains(known, el) {
			missing = append(missing, el)
		}
	}
	return []byte(strings.Join(missing, ",")), nil
}

func (unionCodec) EncodeStateVector(_ context.Context, snapshot []byte) ([]byte, error) {
	return snapshot, nil
}

type ManagerSuite struct {
	suite.Suite
	store *countingStore
	m     *Manager

	mu       sync.Mutex
	reported map[string]error
}

func (s *ManagerSuite) SetupTest() {
	inner, err := storage.NewBadgerStore(storage.BadgerConfig{InMemory: true})
	s.Require().NoError(err)
	s.store = &countingStore{SnapshotStore: inner}
	s.reported = make(map[string]error)
	s.m = NewManager(crdt.NewReference(), s.store, Config{
		DebounceInterval:  20 * time.Millisecond,
		MaxDebounceDelay:  60 * time.Millisecond,
		PersistAttempts:   2,
		PersistRetrySleep: time.Millisecond,
	}, WithErrorHandler(func(documentID string, err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.reported[documentID] = err
	}))
}

func (s *ManagerSuite) TearDownTest() {
	s.m.Close(context.Background())
	s.store.Close()
}

func (s *ManagerSuite) stored(documentID string) []byte {
	record, err := s.store.SnapshotStore.Get(context.Background(), documentID)
	if err != nil {
		return nil
	}
	return record.Snapshot
}

func (s *ManagerSuite) apply(documentID string, update string) {
	s.Require().NoError(s.m.ApplyLocalUpdate(context.Background(), documentID, []byte(update), "sess", "user", nil))
}

func (s *ManagerSuite) TestComputeDeltaOnEmptyDocument() {
	delta, err := s.m.ComputeDelta(context.Background(), "ws-1", nil)
	s.NoError(err)
	s.Empty(delta)
	s.True(s.m.Cached("ws-1"))
}

func (s *ManagerSuite) TestComputeDeltaCatchUp() {
	ctx := context.Background()
	s.apply("ws-1", "hello")

	delta, err := s.m.ComputeDelta(ctx, "ws-1", nil)
	s.NoError(err)
	s.Equal([]byte("hello"), delta)

	_, vector, ok := s.m.Snapshot("ws-1")
	s.Require().True(ok)
	delta, err = s.m.ComputeDelta(ctx, "ws-1", vector)
	s.NoError(err)
	s.Empty(delta)
}

func (s *ManagerSuite) TestHydrateFromStore() {
	ctx := context.Background()
	s.Require().NoError(s.store.Put(ctx, "ws-2", storage.Record{Snapshot: []byte("persisted"), UpdatedAt: time.Now()}))

	delta, err := s.m.ComputeDelta(ctx, "ws-2", nil)
	s.NoError(err)
	s.Equal([]byte("persisted"), delta)
	snapshot, vector, ok := s.m.Snapshot("ws-2")
	s.True(ok)
	s.Equal([]byte("persisted"), snapshot)
	s.NotEmpty(vector)
}

func (s *ManagerSuite) TestConcurrentHydrateReadsStoreOnce() {
	s.store.getDelay = 20 * time.Millisecond
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.m.ComputeDelta(context.Background(), "ws-hot", nil)
			s.NoError(err)
		}()
	}
	wg.Wait()
	s.EqualValues(1, s.store.gets.Load())
	s.Equal(1, s.m.Len())
}

func (s *ManagerSuite) TestApplyRunsThenUnderLock() {
	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, update := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(update string) {
			defer wg.Done()
			err := s.m.ApplyLocalUpdate(context.Background(), "ws-1", []byte(update), "s-"+update, "u", func() {
				// then 执行时仍持有文档锁，直接读取缓存字段。
				e, _ := s.m.entries.Get("ws-1")
				snapshot := e.snapshot
				mu.Lock()
				order = append(order, update+"="+string(snapshot))
				mu.Unlock()
			})
			s.NoError(err)
		}(update)
	}
	wg.Wait()
	s.Len(order, 4)
	for _, item := range order {
		s.Equal(item[:1], item[2:])
	}
}

func (s *ManagerSuite) TestCodecFailureLeavesStateUntouched() {
	s.apply("ws-1", "good")
	s.Require().NoError(s.m.PersistSnapshotImmediately(context.Background(), "ws-1", "user"))
	m := NewManager(brokenCodec{}, s.store, Config{})
	defer m.Close(context.Background())

	called := false
	err := m.ApplyLocalUpdate(context.Background(), "ws-1", []byte("bad"), "s", "u", func() { called = true })
	s.ErrorIs(err, merr.ErrCodecFailure)
	s.False(called)
	snapshot, _, _ := m.Snapshot("ws-1")
	s.Equal([]byte("good"), snapshot)
}

func (s *ManagerSuite) TestDebouncedPersistCoalesces() {
	for _, update := range []string{"v1", "v2", "v3", "v4"} {
		s.apply("ws-1", update)
		s.m.PersistSnapshot("ws-1", "user")
	}
	s.Eventually(func() bool { return string(s.stored("ws-1")) == "v4" }, time.Second, 5*time.Millisecond)
	s.EqualValues(1, s.store.puts.Load())
}

func (s *ManagerSuite) TestDebounceBoundedByMaxDelay() {
	deadline := time.Now().Add(200 * time.Millisecond)
	i := 0
	for time.Now().Before(deadline) {
		i++
		s.apply("ws-1", string(rune('a'+i%26)))
		s.m.PersistSnapshot("ws-1", "user")
		time.Sleep(5 * time.Millisecond)
	}
	// 持续写入期间仍应至少落盘一次。
	s.GreaterOrEqual(s.store.puts.Load(), int64(1))
}

func (s *ManagerSuite) TestDebouncedFailureRescheduled() {
	s.store.failPuts.Store(2)
	s.apply("ws-1", "v1")
	s.m.PersistSnapshot("ws-1", "user")
	s.Eventually(func() bool { return string(s.stored("ws-1")) == "v1" }, 2*time.Second, 5*time.Millisecond)
	s.GreaterOrEqual(s.store.puts.Load(), int64(3))
}

func (s *ManagerSuite) TestPersistImmediatelyThenEvict() {
	ctx := context.Background()
	s.apply("ws-1", "final")
	s.m.PersistSnapshot("ws-1", "user")

	s.Require().NoError(s.m.PersistSnapshotImmediately(ctx, "ws-1", "user"))
	s.Equal([]byte("final"), s.stored("ws-1"))
	s.True(s.m.EvictWorkspace("ws-1"))
	s.False(s.m.Cached("ws-1"))
	s.False(s.m.EvictWorkspace("ws-1"))

	// 驱逐后再访问会从存储重新加载。
	delta, err := s.m.ComputeDelta(ctx, "ws-1", nil)
	s.NoError(err)
	s.Equal([]byte("final"), delta)
}

func (s *ManagerSuite) TestEvictRefusedAfterLateWrite() {
	ctx := context.Background()
	s.apply("ws-1", "v1")
	s.Require().NoError(s.m.PersistSnapshotImmediately(ctx, "ws-1", "user"))
	s.apply("ws-1", "v2")

	s.False(s.m.EvictWorkspace("ws-1"))
	s.True(s.m.Cached("ws-1"))

	s.Require().NoError(s.m.PersistSnapshotImmediately(ctx, "ws-1", "user"))
	s.True(s.m.EvictWorkspace("ws-1"))
	s.Equal([]byte("v2"), s.stored("ws-1"))
}

func (s *ManagerSuite) TestEvictWithoutPersistRefused() {
	s.apply("ws-1", "v1")
	s.False(s.m.EvictWorkspace("ws-1"))
}

func (s *ManagerSuite) TestImmediateFailureReportedAndEvictionProceeds() {
	ctx := context.Background()
	s.apply("ws-1", "v1")
	s.store.failPuts.Store(10)

	err := s.m.PersistSnapshotImmediately(ctx, "ws-1", "user")
	s.ErrorIs(err, merr.ErrPersistenceFailure)
	s.EqualValues(2, s.store.puts.Load())

	s.mu.Lock()
	s.ErrorIs(s.reported["ws-1"], merr.ErrPersistenceFailure)
	s.mu.Unlock()

	s.True(s.m.EvictWorkspace("ws-1"))
}

func (s *ManagerSuite) TestPersistImmediatelyUncached() {
	s.NoError(s.m.PersistSnapshotImmediately(context.Background(), "ws-none", "user"))
	s.Zero(s.store.puts.Load())
}

func (s *ManagerSuite) TestApplyRemoteUpdate() {
	ctx := context.Background()
	applied, err := s.m.ApplyRemoteUpdate(ctx, "ws-1", []byte("remote"))
	s.NoError(err)
	s.False(applied)
	s.False(s.m.Cached("ws-1"))

	_, err = s.m.ComputeDelta(ctx, "ws-1", nil)
	s.Require().NoError(err)
	applied, err = s.m.ApplyRemoteUpdate(ctx, "ws-1", []byte("remote"))
	s.NoError(err)
	s.True(applied)

	snapshot, _, _ := s.m.Snapshot("ws-1")
	s.Equal([]byte("remote"), snapshot)
	// 远端更新不算本地写入，无需再次立即持久化即可驱逐。
	s.True(s.m.EvictWorkspace("ws-1"))
	s.Zero(s.store.puts.Load())
}

func (s *ManagerSuite) TestCloseDrainsDirtyEntries() {
	m := NewManager(crdt.NewReference(), s.store, Config{DebounceInterval: time.Hour})
	ctx := context.Background()
	s.Require().NoError(m.ApplyLocalUpdate(ctx, "ws-a", []byte("a"), "s", "u", nil))
	s.Require().NoError(m.ApplyLocalUpdate(ctx, "ws-b", []byte("b"), "s", "u", nil))
	m.PersistSnapshot("ws-a", "u")

	s.NoError(m.Close(ctx))
	s.Equal([]byte("a"), s.stored("ws-a"))
	s.Equal([]byte("b"), s.stored("ws-b"))

	err := m.ApplyLocalUpdate(ctx, "ws-a", []byte("late"), "s", "u", nil)
	s.ErrorIs(err, merr.ErrServiceNotReady)
	s.NoError(m.Close(ctx))
}

func (s *ManagerSuite) TestEvictConcurrentWithClose() {
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		m := NewManager(crdt.NewReference(), s.store, Config{DebounceInterval: time.Hour})
		documents := make([]string, 500)
		for i := range documents {
			documents[i] = fmt.Sprintf("ws-%d-%d", round, i)
			_, err := m.ComputeDelta(ctx, documents[i], nil)
			s.Require().NoError(err)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			var wg sync.WaitGroup
			for _, documentID := range documents {
				wg.Add(1)
				go func(documentID string) {
					defer wg.Done()
					m.EvictWorkspace(documentID)
				}(documentID)
			}
			s.NoError(m.Close(ctx))
			wg.Wait()
		}()

		select {
		case <-done:
		case <-time.After(10 * time.Second):
			s.FailNow("evict and close deadlocked", "round %d", round)
		}
	}
}

func (s *ManagerSuite) TestPersistMergesWithStoredSnapshot() {
	ctx := context.Background()
	cfg := Config{DebounceInterval: time.Hour, PersistAttempts: 1}
	first := NewManager(unionCodec{}, s.store, cfg)
	second := NewManager(unionCodec{}, s.store, cfg)
	defer first.Close(ctx)
	defer second.Close(ctx)

	s.Require().NoError(first.ApplyLocalUpdate(ctx, "ws-1", []byte("u1"), "a", "alice", nil))
	// second 在 u1 落盘之前加载，缓存中永远不会有 u1。
	_, err := second.ComputeDelta(ctx, "ws-1", nil)
	s.Require().NoError(err)
	s.Require().NoError(second.ApplyLocalUpdate(ctx, "ws-1", []byte("u2"), "b", "bob", nil))

	applied, err := first.ApplyRemoteUpdate(ctx, "ws-1", []byte("u2"))
	s.Require().NoError(err)
	s.True(applied)
	s.Require().NoError(first.PersistSnapshotImmediately(ctx, "ws-1", "alice"))
	s.True(first.EvictWorkspace("ws-1"))
	s.Equal("u1,u2", string(s.stored("ws-1")))

	s.Require().NoError(second.PersistSnapshotImmediately(ctx, "ws-1", "bob"))
	s.Equal("u1,u2", string(s.stored("ws-1")))

	// 合并结果回写缓存，后续增量包含其他实例落盘的更新。
	snapshot, _, ok := second.Snapshot("ws-1")
	s.True(ok)
	s.Equal("u1,u2", string(snapshot))
	s.True(second.EvictWorkspace("ws-1"))
}

func TestManager(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}
