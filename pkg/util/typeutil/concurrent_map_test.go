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
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type ShardedMapSuite struct {
	suite.Suite
}

func (s *ShardedMapSuite) TestBasic() {
	m := NewShardedMap[int](3) // 非 2 的幂，回退到默认值
	s.Len(m.shards, DefaultShardCount)

	m.Insert("a", 1)
	v, ok := m.Get("a")
	s.True(ok)
	s.Equal(1, v)
	s.True(m.Contain("a"))

	actual, loaded := m.GetOrInsert("a", 2)
	s.True(loaded)
	s.Equal(1, actual)

	actual, loaded = m.GetOrCreate("b", func() int { return 3 })
	s.False(loaded)
	s.Equal(3, actual)
	s.Equal(2, m.Len())

	keys := m.Keys()
	sort.Strings(keys)
	s.Equal([]string{"a", "b"}, keys)
	s.ElementsMatch([]int{1, 3}, m.Values())

	removed, ok := m.GetAndRemove("a")
	s.True(ok)
	s.Equal(1, removed)
	_, ok = m.GetAndRemove("a")
	s.False(ok)

	m.Remove("b")
	s.Equal(0, m.Len())
}

func (s *ShardedMapSuite) TestCompute() {
	m := NewShardedMap[int](4)

	v, kept := m.Compute("k", func(old int, loaded bool) (int, bool) {
		s.False(loaded)
		return old + 1, true
	})
	s.True(kept)
	s.Equal(1, v)

	_, kept = m.Compute("k", func(old int, loaded bool) (int, bool) {
		s.True(loaded)
		return 0, false
	})
	s.False(kept)
	s.False(m.Contain("k"))
}

func (s *ShardedMapSuite) TestConcurrentCompute() {
	m := NewShardedMap[int](8)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Compute(fmt.Sprintf("key-%d", j%4), func(old int, _ bool) (int, bool) {
					return old + 1, true
				})
			}
		}(i)
	}
	wg.Wait()

	total := 0
	m.Range(func(_ string, v int) bool {
		total += v
		return true
	})
	s.Equal(64*100, total)
}

func (s *ShardedMapSuite) TestView() {
	m := NewShardedMap[int](4)
	m.View("k", func(v int, loaded bool) {
		s.False(loaded)
		s.Zero(v)
	})
	m.Insert("k", 7)
	m.View("k", func(v int, loaded bool) {
		s.True(loaded)
		s.Equal(7, v)
	})
}

func (s *ShardedMapSuite) TestConcurrentViewsShareShard() {
	m := NewShardedMap[int](1)
	m.Insert("a", 1)
	m.Insert("b", 2)

	// 外层 View 持有读锁期间，同一分片上的另一个 View 不应被阻塞。
	done := make(chan int, 1)
	m.View("a", func(a int, _ bool) {
		go m.View("b", func(b int, _ bool) {
			done <- a + b
		})
		select {
		case sum := <-done:
			s.Equal(3, sum)
		case <-time.After(time.Second):
			s.Fail("view blocked by concurrent reader")
		}
	})
}

func (s *ShardedMapSuite) TestRangeStop() {
	m := NewShardedMap[int](2)
	for i := 0; i < 10; i++ {
		m.Insert(fmt.Sprint(i), i)
	}
	n := 0
	m.Range(func(string, int) bool {
		n++
		return n < 3
	})
	s.Equal(3, n)
}

func TestShardedMap(t *testing.T) {
	suite.Run(t, new(ShardedMapSuite))
}

func TestSet(t *testing.T) {
	set := NewSet("a", "b")
	set.Insert("b", "c")
	assert.Equal(t, 3, set.Len())
	assert.True(t, set.Contain("a", "c"))
	assert.False(t, set.Contain("a", "d"))

	set.Remove("a", "d")
	assert.ElementsMatch(t, []string{"b", "c"}, set.Collect())
}
