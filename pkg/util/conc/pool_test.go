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

package conc

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"
)

func TestPool(t *testing.T) {
	pool := NewPool[any](4)
	defer pool.Release()

	taskNum := pool.Cap() * 2
	futures := make([]*Future[any], 0, taskNum)
	for i := 0; i < taskNum; i++ {
		res := i
		future := pool.Submit(func() (any, error) {
			time.Sleep(10 * time.Millisecond)
			return res, nil
		})
		futures = append(futures, future)
	}

	assert.NoError(t, AwaitAll(futures...))
	for i, future := range futures {
		res, err := future.Await()
		assert.NoError(t, err)
		assert.Equal(t, i, res.(int))
		assert.True(t, future.Done())
	}
}

func TestPoolPreHandler(t *testing.T) {
	counter := atomic.NewInt32(0)
	pool := NewPool[int](2, WithPreHandler(func() { counter.Inc() }))
	defer pool.Release()

	f := pool.Submit(func() (int, error) { return 7, nil })
	assert.Equal(t, 7, f.Value())
	assert.Equal(t, int32(1), counter.Load())
}

func TestPoolConcealPanic(t *testing.T) {
	pool := NewPool[int](1, WithConcealPanic(true))
	defer pool.Release()

	f := pool.Submit(func() (int, error) { panic("boom") })
	assert.Error(t, f.Err())
	assert.False(t, f.OK())

	f = pool.Submit(func() (int, error) { return 1, nil })
	assert.True(t, f.OK())
}

func TestPoolResize(t *testing.T) {
	pool := NewPool[any](2)
	defer pool.Release()

	assert.NoError(t, pool.Resize(8))
	assert.Equal(t, 8, pool.Cap())
	assert.Error(t, pool.Resize(0))

	pre := NewPool[any](2, WithPreAlloc(true))
	defer pre.Release()
	assert.Error(t, pre.Resize(4))
}

func TestBlockOnAll(t *testing.T) {
	errBoom := errors.New("boom")
	futures := []*Future[int]{
		Go(func() (int, error) { return 1, nil }),
		Go(func() (int, error) { return 0, errBoom }),
	}
	err := BlockOnAll(futures...)
	assert.ErrorIs(t, err, errBoom)
	assert.ErrorIs(t, AwaitAll(futures...), errBoom)
}
