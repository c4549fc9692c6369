package logutil

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/lk2023060901/collab-sync-go/pkg/log"
)

const (
	// LogLevelMetaKey 允许调用方为单次 RPC 指定服务端日志级别。
	LogLevelMetaKey = "log-level"
	// RequestIDMetaKey 携带调用方的请求 ID，合法的 TraceID 会直接作为服务端 traceID。
	RequestIDMetaKey = "client-request-id"
	// RequestMsecMetaKey 为调用方发起请求时的毫秒时间戳。
	RequestMsecMetaKey = "client-request-msec"
)

// UnaryTraceLoggerInterceptor 把调用方的日志级别、请求 ID 与 traceID 绑定到 handler 的 context logger 上。
func UnaryTraceLoggerInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	return handler(withLevelAndTrace(ctx), req)
}

func withLevelAndTrace(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return withSpanTrace(ctx)
	}

	if levels := md.Get(LogLevelMetaKey); len(levels) > 0 {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(levels[0])); err == nil {
			ctx = log.WithLevel(ctx, level)
		}
	}
	if msecs := md.Get(RequestMsecMetaKey); len(msecs) > 0 {
		if msec, err := strconv.ParseInt(msecs[0], 10, 64); err == nil {
			ctx = log.WithFields(ctx, zap.Int64("clientRequestUnixmsec", msec))
		}
	}
	if ids := md.Get(RequestIDMetaKey); len(ids) > 0 {
		if traceID, err := trace.TraceIDFromHex(ids[0]); err == nil && traceID.IsValid() {
			return log.WithTraceID(ctx, traceID.String())
		}
		ctx = log.WithFields(ctx, zap.String(RequestIDMetaKey, ids[0]))
	}
	return withSpanTrace(ctx)
}

func withSpanTrace(ctx context.Context) context.Context {
	if traceID := trace.SpanContextFromContext(ctx).TraceID(); traceID.IsValid() {
		return log.WithTraceID(ctx, traceID.String())
	}
	return ctx
}

// UnaryClientLogInterceptor 把当前 span 的 traceID 与请求时间透传给服务端，
// 并在调用失败时输出一条带方法名与耗时的日志。
func UnaryClientLogInterceptor(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	start := time.Now()
	if traceID := trace.SpanContextFromContext(ctx).TraceID(); traceID.IsValid() {
		ctx = metadata.AppendToOutgoingContext(ctx, RequestIDMetaKey, traceID.String())
	}
	ctx = metadata.AppendToOutgoingContext(ctx, RequestMsecMetaKey, strconv.FormatInt(start.UnixMilli(), 10))

	err := invoker(ctx, method, req, reply, cc, opts...)
	if err != nil {
		log.Ctx(ctx).Warn("grpc call failed",
			zap.String("method", method),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
	return err
}
