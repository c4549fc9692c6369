// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxLogKeyType struct{}

var CtxLogKey = ctxLogKeyType{}

// Debug 使用全局 logger 输出 Debug 级别日志。
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info 使用全局 logger 输出 Info 级别日志。
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn 使用全局 logger 输出 Warn 级别日志。
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error 使用全局 logger 输出 Error 级别日志。
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

// RatedWarn 在全局限频器额度足够时输出 Warn 日志，返回是否真正输出。
func RatedWarn(cost float64, msg string, fields ...zap.Field) bool {
	if R().CheckCredit(cost) {
		L().Warn(msg, fields...)
		return true
	}
	return false
}

// With 基于全局 logger 创建一个携带固定字段的 MLogger。
func With(fields ...zap.Field) *MLogger {
	return &MLogger{
		Logger: L().WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return NewLazyWith(core, fields)
		})).WithOptions(zap.AddCallerSkip(-1)),
	}
}

func SetLevel(l zapcore.Level) {
	_globalP.Load().(*ZapProperties).Level.SetLevel(l)
}

func GetLevel() zapcore.Level {
	return _globalP.Load().(*ZapProperties).Level.Level()
}

// WithTraceID 返回携带 traceID 字段 logger 的新 context。
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return WithFields(ctx, zap.String("traceID", traceID))
}

// WithModule 返回携带 module 字段 logger 的新 context。
func WithModule(ctx context.Context, module string) context.Context {
	return WithFields(ctx, FieldModule(module))
}

// WithFields 在 ctx 已绑定的 logger（若无则为全局 logger）基础上追加字段，并绑定回新的 context。
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	var zlogger *zap.Logger
	if ctxLogger, ok := ctx.Value(CtxLogKey).(*MLogger); ok {
		zlogger = ctxLogger.Logger
	} else {
		zlogger = ctxL()
	}
	return context.WithValue(ctx, CtxLogKey, &MLogger{Logger: zlogger.With(fields...)})
}

// NewIntentContext 创建一个带 span 的 context，并把 role/intent/traceID 写入日志字段。
//
// 每条协作连接在握手前调用一次，使该连接后续所有日志都可以按 traceID 串联。
func NewIntentContext(parent context.Context, name string, intent string) (context.Context, trace.Span) {
	if parent == nil {
		parent = context.Background()
	}
	intentCtx, span := otel.Tracer(name).Start(parent, intent)
	intentCtx = WithFields(intentCtx,
		zap.String("role", name),
		zap.String("intent", intent),
		zap.String("traceID", span.SpanContext().TraceID().String()))
	return intentCtx, span
}

// Ctx 返回 ctx 上绑定的 logger；未绑定时返回当前级别对应的全局 logger。
func Ctx(ctx context.Context) *MLogger {
	if ctx == nil {
		return &MLogger{Logger: ctxL()}
	}
	if ctxLogger, ok := ctx.Value(CtxLogKey).(*MLogger); ok {
		return ctxLogger
	}
	return &MLogger{Logger: ctxL()}
}

// WithLevel 返回绑定指定最低级别 logger 的新 context，低于该级别的日志被丢弃。
func WithLevel(ctx context.Context, level zapcore.Level) context.Context {
	l, ok := _globalLevelLogger.Load(level)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, CtxLogKey, &MLogger{Logger: l.(*zap.Logger)})
}
