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
	"fmt"

	ants "github.com/panjf2000/ants/v2"

	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

// Pool 是对 ants.Pool 的泛型封装，提交任务后返回 Future。
type Pool[T any] struct {
	inner *ants.Pool
	opt   *poolOption
}

// NewPool 创建一个容量为 cap 的协程池。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		panic(err)
	}

	return &Pool[T]{
		inner: pool,
		opt:   opt,
	}
}

// Submit 提交一个任务。
//
// 协程池已满且为非阻塞模式时，返回的 Future 立即携带错误。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future := newFuture[T]()
	err := pool.inner.Submit(func() {
		defer close(future.ch)
		defer func() {
			if x := recover(); x != nil {
				future.err = fmt.Errorf("panicked with error: %v", x)
				panic(x) // 交给 ants 的 panic handler 处理
			}
		}()
		if pool.opt.preHandler != nil {
			pool.opt.preHandler()
		}
		res, err := method()
		if err != nil {
			future.err = err
		} else {
			future.value = res
		}
	})
	if err != nil {
		future.err = merr.WrapErrServiceInternal(err.Error(), "submit task to pool")
		close(future.ch)
	}

	return future
}

// Cap 返回协程池容量。
func (pool *Pool[T]) Cap() int {
	return pool.inner.Cap()
}

// Running 返回正在执行的 worker 数。
func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

// Free 返回空闲 worker 数。
func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

// Resize 调整协程池容量，size <= 0 时返回错误。
func (pool *Pool[T]) Resize(size int) error {
	if pool.opt.preAlloc {
		return merr.WrapErrOperationNotSupported("resize pre-allocated pool")
	}
	if size <= 0 {
		return merr.WrapErrParameterInvalid("positive size", fmt.Sprint(size))
	}
	pool.inner.Tune(size)
	return nil
}

// Release 释放协程池，已提交的任务会继续执行完毕。
func (pool *Pool[T]) Release() {
	pool.inner.Release()
}
