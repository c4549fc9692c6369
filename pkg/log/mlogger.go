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

package log

import (
	"sync"
	"sync/atomic"

	"github.com/uber/jaeger-client-go/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MLogger 是 zap.Logger 的封装类型。
// 在原有 Logger 的基础上，增加了按速率分组的限流日志能力。
type MLogger struct {
	*zap.Logger
	rl atomic.Value // *utils.ReconfigurableRateLimiter
}

// With 封装 zap.Logger 的 With 方法，并返回新的 MLogger 实例。
// 新实例携带额外的字段，不影响原 Logger。
func (l *MLogger) With(fields ...zap.Field) *MLogger {
	nl := &MLogger{
		Logger: l.Logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return NewLazyWith(core, fields)
		})),
	}
	return nl
}

// WithRateGroup 为当前 Logger 绑定一个命名 RateLimiter。
// 相同 groupName 共享同一个限流器，后一次调用会更新其参数。
func (l *MLogger) WithRateGroup(groupName string, creditPerSecond, maxBalance float64) *MLogger {
	rl := utils.NewRateLimiter(creditPerSecond, maxBalance)
	actual, loaded := _namedRateLimiters.LoadOrStore(groupName, rl)
	if loaded {
		rl.Update(creditPerSecond, maxBalance)
		rl = actual.(*utils.ReconfigurableRateLimiter)
	}
	l.rl.Store(rl)
	return l
}

func (l *MLogger) r() RateLimiter {
	if rl, ok := l.rl.Load().(RateLimiter); ok && rl != nil {
		return rl
	}
	return R()
}

// RatedWarn 在 Warn 级别输出限流日志，额度不足时丢弃并返回 false。
//
// 用于广播投递失败等可能被单个慢连接放大的高频告警。
func (l *MLogger) RatedWarn(cost float64, msg string, fields ...zap.Field) bool {
	if l.r().CheckCredit(cost) {
		l.WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
		return true
	}
	return false
}

// lazyWithCore 推迟 core.With(fields) 到第一次真正写日志时执行，
// 只创建不写日志的 With 因此几乎没有开销。参考 uber-go/zap#1426。
type lazyWithCore struct {
	zapcore.Core
	once   sync.Once
	fields []zapcore.Field
	bound  atomic.Pointer[zapcore.Core]
}

var _ zapcore.Core = (*lazyWithCore)(nil)

func NewLazyWith(core zapcore.Core, fields []zapcore.Field) zapcore.Core {
	return &lazyWithCore{Core: core, fields: fields}
}

func (d *lazyWithCore) core() zapcore.Core {
	d.once.Do(func() {
		c := d.Core.With(d.fields)
		d.bound.Store(&c)
	})
	return *d.bound.Load()
}

// Enabled 只看级别，不需要绑定字段。
func (d *lazyWithCore) Enabled(level zapcore.Level) bool {
	return d.Core.Enabled(level)
}

func (d *lazyWithCore) With(fields []zapcore.Field) zapcore.Core {
	return d.core().With(fields)
}

func (d *lazyWithCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return d.core().Check(e, ce)
}

func (d *lazyWithCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	return d.core().Write(e, fields)
}

func (d *lazyWithCore) Sync() error {
	return d.core().Sync()
}
