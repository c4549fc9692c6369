// Package docstate 维护每个文档在本进程内唯一的状态缓存，并负责其持久化与驱逐。
package docstate

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lk2023060901/collab-sync-go/internal/crdt"
	"github.com/lk2023060901/collab-sync-go/internal/storage"
	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/metrics"
	"github.com/lk2023060901/collab-sync-go/pkg/util/conc"
	"github.com/lk2023060901/collab-sync-go/pkg/util/hardware"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
	"github.com/lk2023060901/collab-sync-go/pkg/util/retry"
	"github.com/lk2023060901/collab-sync-go/pkg/util/typeutil"
)

// entry 为单个文档的缓存。
//
// mu 保护除 persistMu 以外的全部字段；persistMu 串行化对存储的写入，
// 加锁顺序固定为 persistMu -> mu；持有 mu 时不可再获取 entries 的分片锁。
type entry struct {
	mu        sync.Mutex
	persistMu sync.Mutex

	snapshot []byte
	vector   []byte
	dirty    bool

	// version 在每次本地写入后递增，远端更新不改变它。
	version uint64
	// persistedVersion 为最近一次成功落盘时的 version。
	persistedVersion uint64
	// attemptedVersion 为最近一次立即持久化尝试时的 version，驱逐据此判断期间是否有新写入。
	attemptedVersion uint64
	lastPersistedAt  time.Time

	timer     *time.Timer
	timerSeq  uint64
	pendingAt time.Time
	evicted   bool
}

// Manager 为文档状态管理器。
type Manager struct {
	codec crdt.Codec
	store storage.SnapshotStore
	cfg   Config

	entries *typeutil.ShardedMap[*entry]
	loader  singleflight.Group

	pool    *conc.Pool[any]
	ownPool bool
	onError ErrorHandler

	closed atomic.Bool
}

func NewManager(codec crdt.Codec, store storage.SnapshotStore, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		codec:   codec,
		store:   store,
		cfg:     cfg.withDefaults(),
		entries: typeutil.NewShardedMap[*entry](typeutil.DefaultShardCount),
		ownPool: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pool == nil {
		m.pool = conc.NewPool[any](hardware.DefaultPoolSize(), conc.WithConcealPanic(true))
		m.ownPool = true
	}
	return m
}

// load 返回文档的缓存，不存在时从存储加载；同一文档的并发加载只会读一次存储。
func (m *Manager) load(ctx context.Context, documentID string) (*entry, error) {
	if e, ok := m.entries.Get(documentID); ok {
		return e, nil
	}
	v, err, _ := m.loader.Do(documentID, func() (any, error) {
		if e, ok := m.entries.Get(documentID); ok {
			return e, nil
		}
		e, err := m.hydrate(ctx, documentID)
		if err != nil {
			return nil, err
		}
		actual, loaded := m.entries.GetOrInsert(documentID, e)
		if !loaded {
			metrics.CachedDocuments.Inc()
		}
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

func (m *Manager) hydrate(ctx context.Context, documentID string) (*entry, error) {
	e := &entry{}
	record, err := m.store.Get(ctx, documentID)
	switch {
	case err == nil:
		e.snapshot = record.Snapshot
		e.lastPersistedAt = record.UpdatedAt
	case errors.Is(err, merr.ErrIoKeyNotFound):
	default:
		return nil, merr.WrapErrIoFailed(documentID, err)
	}
	if len(e.snapshot) > 0 {
		vector, err := m.codec.EncodeStateVector(ctx, e.snapshot)
		if err != nil {
			metrics.CodecFailures.WithLabelValues("encode_state_vector").Inc()
			return nil, merr.WrapErrCodecFailure("encode_state_vector", documentID, err)
		}
		e.vector = vector
	}
	log.Ctx(ctx).Debug("document hydrated",
		log.FieldDocument(documentID),
		zap.Int("snapshotSize", len(e.snapshot)))
	return e, nil
}

// lockEntry 返回已加锁且未被驱逐的缓存。加锁前被驱逐的缓存会被重新加载。
func (m *Manager) lockEntry(ctx context.Context, documentID string) (*entry, error) {
	for {
		if m.closed.Load() {
			return nil, merr.WrapErrServiceNotReady("docstate", "manager closed")
		}
		e, err := m.load(ctx, documentID)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if !e.evicted {
			return e, nil
		}
		e.mu.Unlock()
	}
}

// ComputeDelta 返回客户端处于 clientVector 时所需的增量，客户端已是最新时返回空。
func (m *Manager) ComputeDelta(ctx context.Context, documentID string, clientVector []byte) ([]byte, error) {
	e, err := m.lockEntry(ctx, documentID)
	if err != nil {
		return nil, err
	}
	snapshot := e.snapshot
	e.mu.Unlock()

	delta, err := m.codec.EncodeDelta(ctx, snapshot, clientVector)
	if err != nil {
		metrics.CodecFailures.WithLabelValues("encode_delta").Inc()
		return nil, merr.WrapErrCodecFailure("encode_delta", documentID, err)
	}
	return delta, nil
}

// ApplyLocalUpdate 把客户端的 update 合并进缓存，并在仍持有文档锁时执行 then，
// 使同一文档的 合并 -> 广播 -> 发布 整体有序。合并失败时缓存保持不变，then 不会执行。
func (m *Manager) ApplyLocalUpdate(ctx context.Context, documentID string, update []byte, sessionID, userID string, then func()) error {
	e, err := m.lockEntry(ctx, documentID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	merged, vector, err := m.codec.Merge(ctx, e.snapshot, update)
	if err != nil {
		metrics.CodecFailures.WithLabelValues("merge").Inc()
		metrics.AppliedUpdates.WithLabelValues(metrics.LocalSourceLabel, metrics.FailLabel).Inc()
		log.Ctx(ctx).Warn("failed to merge local update",
			log.FieldDocument(documentID),
			log.FieldSession(sessionID),
			log.FieldUser(userID),
			zap.Error(err))
		return merr.WrapErrCodecFailure("merge", documentID, err)
	}
	e.snapshot, e.vector = merged, vector
	e.dirty = true
	e.version++
	metrics.AppliedUpdates.WithLabelValues(metrics.LocalSourceLabel, metrics.SuccessLabel).Inc()

	if then != nil {
		then()
	}
	return nil
}

// ApplyRemoteUpdate 合并来自其他实例的更新，只作用于本进程已缓存的文档，不会触发持久化。
// 返回是否实际应用。
func (m *Manager) ApplyRemoteUpdate(ctx context.Context, documentID string, update []byte) (bool, error) {
	e, ok := m.entries.Get(documentID)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return false, nil
	}

	merged, vector, err := m.codec.Merge(ctx, e.snapshot, update)
	if err != nil {
		metrics.CodecFailures.WithLabelValues("merge").Inc()
		metrics.AppliedUpdates.WithLabelValues(metrics.RemoteSourceLabel, metrics.FailLabel).Inc()
		return false, merr.WrapErrCodecFailure("merge", documentID, err)
	}
	e.snapshot, e.vector = merged, vector
	metrics.AppliedUpdates.WithLabelValues(metrics.RemoteSourceLabel, metrics.SuccessLabel).Inc()
	return true, nil
}

// PersistSnapshot 调度一次防抖落盘。每次调用都会替换尚未触发的定时器，
// 但距首个未落盘写入不超过 MaxDebounceDelay。
func (m *Manager) PersistSnapshot(documentID, userID string) {
	if m.closed.Load() {
		return
	}
	e, ok := m.entries.Get(documentID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted || !e.dirty {
		return
	}
	m.scheduleLocked(documentID, userID, e)
}

func (m *Manager) scheduleLocked(documentID, userID string, e *entry) {
	now := time.Now()
	if e.timer == nil {
		e.pendingAt = now
	} else {
		e.timer.Stop()
	}
	delay := m.cfg.DebounceInterval
	if deadline := e.pendingAt.Add(m.cfg.MaxDebounceDelay); now.Add(delay).After(deadline) {
		delay = max(deadline.Sub(now), 0)
	}
	e.timerSeq++
	seq := e.timerSeq
	e.timer = time.AfterFunc(delay, func() {
		m.fire(documentID, userID, e, seq)
	})
}

func (m *Manager) fire(documentID, userID string, e *entry, seq uint64) {
	e.mu.Lock()
	if e.timerSeq != seq || e.evicted || m.closed.Load() {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.mu.Unlock()

	m.pool.Submit(func() (any, error) {
		return nil, m.flushDebounced(documentID, userID, e)
	})
}

func (m *Manager) flushDebounced(documentID, userID string, e *entry) error {
	ctx := context.Background()
	_, err := m.persist(ctx, documentID, e, metrics.DebouncedModeLabel, false)
	if err == nil {
		return nil
	}
	log.Warn("debounced snapshot persistence failed, rescheduled",
		log.FieldDocument(documentID),
		log.FieldUser(userID),
		zap.Error(err))

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.evicted && e.dirty && e.timer == nil && !m.closed.Load() {
		m.scheduleLocked(documentID, userID, e)
	}
	return err
}

// persist 把缓存的最新快照与存储中的快照合并后写回。force 为 false 时跳过没有未落盘写入的缓存。
// 返回写入时对应的 version。
//
// 存储中的快照可能包含其他实例已落盘、但本实例缓存从未收到的更新，
// 因此写入前总是先读取并合并，而不是直接覆盖。
func (m *Manager) persist(ctx context.Context, documentID string, e *entry, mode string, force bool) (uint64, error) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	snapshot, version := e.snapshot, e.version
	skip := !force && (!e.dirty || version <= e.persistedVersion)
	e.mu.Unlock()
	if skip {
		return version, nil
	}

	start := time.Now()
	var (
		merged, vector []byte
		err            error
	)
	if mode == metrics.ImmediateModeLabel {
		err = retry.Do(ctx, func() error {
			merged, vector, err = m.write(ctx, documentID, snapshot, start)
			return err
		}, retry.Attempts(m.cfg.PersistAttempts), retry.Sleep(m.cfg.PersistRetrySleep))
	} else {
		merged, vector, err = m.write(ctx, documentID, snapshot, start)
	}
	if err != nil {
		metrics.PersistTotal.WithLabelValues(mode, metrics.FailLabel).Inc()
		return version, merr.WrapErrPersistenceFailure(documentID, err)
	}
	metrics.PersistTotal.WithLabelValues(mode, metrics.SuccessLabel).Inc()
	metrics.PersistLatency.WithLabelValues(mode).Observe(float64(time.Since(start).Milliseconds()))
	metrics.SnapshotSize.Observe(float64(len(merged)))

	e.mu.Lock()
	if version > e.persistedVersion {
		e.persistedVersion = version
	}
	if e.version == version {
		e.dirty = false
		if !e.evicted && bytes.Equal(e.snapshot, snapshot) {
			e.snapshot, e.vector = merged, vector
		}
	}
	e.lastPersistedAt = start
	e.mu.Unlock()
	return version, nil
}

// write 读取存储中的快照，与 snapshot 合并后写回，返回合并结果及其向量。
func (m *Manager) write(ctx context.Context, documentID string, snapshot []byte, at time.Time) ([]byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PersistTimeout)
	defer cancel()

	var stored []byte
	record, err := m.store.Get(ctx, documentID)
	switch {
	case err == nil:
		stored = record.Snapshot
	case errors.Is(err, merr.ErrIoKeyNotFound):
	default:
		return nil, nil, err
	}
	merged, vector, err := m.codec.Merge(ctx, stored, snapshot)
	if err != nil {
		metrics.CodecFailures.WithLabelValues("merge").Inc()
		return nil, nil, merr.WrapErrCodecFailure("merge", documentID, err)
	}
	if err := m.store.Put(ctx, documentID, storage.Record{Snapshot: merged, UpdatedAt: at}); err != nil {
		return nil, nil, err
	}
	return merged, vector, nil
}

// PersistSnapshotImmediately 同步写入缓存中的当前快照，失败时按配置重试。
// 文档未缓存时没有可写的内容，直接返回。
//
// 最终失败会上报运维错误通道，但仍记为一次尝试，后续驱逐照常进行。
func (m *Manager) PersistSnapshotImmediately(ctx context.Context, documentID, userID string) error {
	e, ok := m.entries.Get(documentID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return nil
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		e.timerSeq++
	}
	e.mu.Unlock()

	version, err := m.persist(ctx, documentID, e, metrics.ImmediateModeLabel, true)

	e.mu.Lock()
	if version > e.attemptedVersion {
		e.attemptedVersion = version
	}
	e.mu.Unlock()

	if err != nil {
		log.Ctx(ctx).Error("immediate snapshot persistence failed",
			log.FieldDocument(documentID),
			log.FieldUser(userID),
			zap.Error(err))
		m.report(documentID, err)
		return err
	}
	log.Ctx(ctx).Debug("snapshot persisted", log.FieldDocument(documentID), log.FieldUser(userID))
	return nil
}

// EvictWorkspace 移除文档缓存。若最近一次立即持久化之后缓存又有本地写入，拒绝驱逐并返回 false。
func (m *Manager) EvictWorkspace(documentID string) bool {
	e, ok := m.entries.Get(documentID)
	if !ok {
		return false
	}
	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return false
	}
	if e.version != e.attemptedVersion {
		log.Info("skip eviction, document changed after final persist",
			log.FieldDocument(documentID),
			zap.Uint64("version", e.version),
			zap.Uint64("attemptedVersion", e.attemptedVersion))
		e.mu.Unlock()
		return false
	}
	e.evicted = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerSeq++
	e.mu.Unlock()

	m.entries.Compute(documentID, func(old *entry, loaded bool) (*entry, bool) {
		return old, loaded && old != e
	})
	metrics.CachedDocuments.Dec()
	log.Debug("document evicted", log.FieldDocument(documentID))
	return true
}

// Cached 返回文档当前是否在缓存中。
func (m *Manager) Cached(documentID string) bool {
	return m.entries.Contain(documentID)
}

// Len 返回缓存的文档数。
func (m *Manager) Len() int {
	return m.entries.Len()
}

// Snapshot 返回缓存中的快照与向量，用于诊断与测试。
func (m *Manager) Snapshot(documentID string) (snapshot, vector []byte, ok bool) {
	e, ok := m.entries.Get(documentID)
	if !ok {
		return nil, nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot, e.vector, !e.evicted
}

// Close 停止接收新的写入，取消所有防抖定时器并立即持久化所有未落盘的缓存。
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	dirty := typeutil.NewSet[string]()
	for _, documentID := range m.entries.Keys() {
		e, ok := m.entries.Get(documentID)
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.timerSeq++
		if e.dirty && !e.evicted {
			dirty.Insert(documentID)
		}
		e.mu.Unlock()
	}

	var errs []error
	for _, documentID := range dirty.Collect() {
		e, ok := m.entries.Get(documentID)
		if !ok {
			continue
		}
		if _, err := m.persist(ctx, documentID, e, metrics.ImmediateModeLabel, false); err != nil {
			log.Error("failed to persist snapshot on shutdown", log.FieldDocument(documentID), zap.Error(err))
			m.report(documentID, err)
			errs = append(errs, err)
		}
	}
	if m.ownPool {
		m.pool.Release()
	}
	log.Info("document state manager closed", zap.Int("drained", dirty.Len()), zap.Int("failed", len(errs)))
	return merr.Combine(errs...)
}

func (m *Manager) report(documentID string, err error) {
	if m.onError != nil {
		m.onError(documentID, err)
	}
}
