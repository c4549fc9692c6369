// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package typeutil

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShardCount 为 ShardedMap 默认分片数。
const DefaultShardCount = 32

// ShardedMap 是以 string 为 key 的分片并发 map。
//
// 同一 key 上的 Compute 在分片写锁内执行，可用于实现
// “读取-判断-写入/删除” 这一类需要原子完成的操作。
type ShardedMap[V any] struct {
	shards    []*mapShard[V]
	shardMask uint64
}

type mapShard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// NewShardedMap 创建分片 map，shardCount 不是 2 的幂时使用默认值。
func NewShardedMap[V any](shardCount int) *ShardedMap[V] {
	if shardCount <= 0 || shardCount&(shardCount-1) != 0 {
		shardCount = DefaultShardCount
	}
	m := &ShardedMap[V]{
		shards:    make([]*mapShard[V], shardCount),
		shardMask: uint64(shardCount - 1),
	}
	for i := range m.shards {
		m.shards[i] = &mapShard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *ShardedMap[V]) shard(key string) *mapShard[V] {
	return m.shards[xxhash.Sum64String(key)&m.shardMask]
}

func (m *ShardedMap[V]) Get(key string) (V, bool) {
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

func (m *ShardedMap[V]) Insert(key string, value V) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

// GetOrInsert 返回已存在的值，否则写入 value。loaded 表示值是否已存在。
func (m *ShardedMap[V]) GetOrInsert(key string, value V) (actual V, loaded bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.items[key]; ok {
		return v, true
	}
	s.items[key] = value
	return value, false
}

// GetOrCreate 与 GetOrInsert 相同，但只在 key 不存在时调用 create。
func (m *ShardedMap[V]) GetOrCreate(key string, create func() V) (actual V, loaded bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.items[key]; ok {
		return v, true
	}
	v := create()
	s.items[key] = v
	return v, false
}

func (m *ShardedMap[V]) Remove(key string) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// GetAndRemove 删除 key 并返回被删除的值。
func (m *ShardedMap[V]) GetAndRemove(key string) (V, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return v, ok
}

// Compute 在分片写锁内调用 fn。fn 返回 keep=false 时删除 key，否则写回新值。
func (m *ShardedMap[V]) Compute(key string, fn func(old V, loaded bool) (value V, keep bool)) (V, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, loaded := s.items[key]
	v, keep := fn(old, loaded)
	if keep {
		s.items[key] = v
	} else {
		delete(s.items, key)
	}
	return v, keep
}

// View 在分片读锁内调用 fn，同一分片上的多个 View 可并发执行。
// fn 内不可修改 v 指向的共享状态，也不可再访问同一 map。
func (m *ShardedMap[V]) View(key string, fn func(v V, loaded bool)) {
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, loaded := s.items[key]
	fn(v, loaded)
}

func (m *ShardedMap[V]) Contain(key string) bool {
	_, ok := m.Get(key)
	return ok
}

func (m *ShardedMap[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Range 逐个分片遍历，f 返回 false 时停止。遍历期间 f 内不可再访问同一 map。
func (m *ShardedMap[V]) Range(f func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !f(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Keys 返回当前所有 key 的快照。
func (m *ShardedMap[V]) Keys() []string {
	keys := make([]string, 0, m.Len())
	m.Range(func(key string, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Values 返回当前所有值的快照。
func (m *ShardedMap[V]) Values() []V {
	values := make([]V, 0, m.Len())
	m.Range(func(_ string, v V) bool {
		values = append(values, v)
		return true
	})
	return values
}
