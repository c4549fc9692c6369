// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package retry

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return file + ":" + strconv.Itoa(line)
}

// Do 按指数退避重复执行 fn，直到成功、次数耗尽、遇到不可恢复错误或 ctx 结束。
//
// 返回值优先为最后一次“真实”失败：因 ctx 取消或超时导致的错误不会覆盖之前的业务错误。
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	logger := log.Ctx(ctx)
	c := newDefaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	caller := getCaller(2)

	var lastErr error
	giveUp := func(reason string, retried uint, err error) error {
		isContextErr := errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
		logger.Warn("retry func failed, "+reason,
			zap.Uint("retried", retried),
			zap.Uint("attempt", c.attempts),
			zap.Bool("isContextErr", isContextErr),
			zap.String("caller", caller))
		if isContextErr && lastErr != nil {
			return lastErr
		}
		return err
	}

	for i := uint(0); c.attempts == 0 || i < c.attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if i%4 == 0 {
			logger.Warn("retry func failed",
				zap.Uint("retried", i),
				zap.Error(err),
				zap.String("caller", caller))
		}

		switch {
		case !IsRecoverable(err):
			return giveUp("not be recoverable", i, err)
		case c.isRetryErr != nil && !c.isRetryErr(err):
			return giveUp("not be retryable", i, err)
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < c.sleep {
			return giveUp("deadline", i, err)
		}

		lastErr = err
		timer := time.NewTimer(c.sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			logger.Warn("retry func failed, ctx done",
				zap.Uint("retried", i),
				zap.String("caller", caller))
			return lastErr
		}

		c.sleep *= 2
		if c.sleep > c.maxSleepTime {
			c.sleep = c.maxSleepTime
		}
	}
	logger.Warn("retry func failed, reach max retry",
		zap.Uint("attempt", c.attempts),
		zap.String("caller", caller))
	return lastErr
}

var errUnrecoverable = errors.New("unrecoverable error")

// Unrecoverable 标记 err 不可恢复，Do 遇到后立即返回。
func Unrecoverable(err error) error {
	return merr.Combine(err, errUnrecoverable)
}

func IsRecoverable(err error) bool {
	return !errors.Is(err, errUnrecoverable)
}
