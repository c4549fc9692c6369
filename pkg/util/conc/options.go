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
	"time"

	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/pkg/log"
)

type poolOption struct {
	preAlloc bool
	// expiryDuration 为空闲 worker 的回收间隔，0 使用 ants 默认值。
	expiryDuration time.Duration
	// concealPanic 为 true 时任务 panic 只记录日志，不终止进程。
	concealPanic bool
	// preHandler 在每个任务执行前调用。
	preHandler func()
}

func (opt *poolOption) antsOptions() []ants.Option {
	result := []ants.Option{
		ants.WithPreAlloc(opt.preAlloc),
		ants.WithPanicHandler(func(v any) {
			log.Error("conc pool task panicked", zap.Any("panic", v), zap.Stack("stack"))
			if !opt.concealPanic {
				panic(v)
			}
		}),
	}
	if opt.expiryDuration > 0 {
		result = append(result, ants.WithExpiryDuration(opt.expiryDuration))
	}
	return result
}

type PoolOption func(opt *poolOption)

func defaultPoolOption() *poolOption {
	return &poolOption{}
}

// WithPreAlloc 预先分配全部 worker，预分配的协程池不支持 Resize。
func WithPreAlloc(v bool) PoolOption {
	return func(opt *poolOption) {
		opt.preAlloc = v
	}
}

func WithExpiryDuration(d time.Duration) PoolOption {
	return func(opt *poolOption) {
		opt.expiryDuration = d
	}
}

func WithConcealPanic(v bool) PoolOption {
	return func(opt *poolOption) {
		opt.concealPanic = v
	}
}

func WithPreHandler(fn func()) PoolOption {
	return func(opt *poolOption) {
		opt.preHandler = fn
	}
}
