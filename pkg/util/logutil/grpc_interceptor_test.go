package logutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/lk2023060901/collab-sync-go/pkg/log"
)

func TestUnaryTraceLoggerInterceptor(t *testing.T) {
	md := metadata.Pairs(
		LogLevelMetaKey, "error",
		RequestIDMetaKey, "not-a-trace-id",
		RequestMsecMetaKey, "1700000000000",
	)
	ctx := metadata.NewIncomingContext(context.Background(), md)

	var handled context.Context
	resp, err := UnaryTraceLoggerInterceptor(ctx, "req", &grpc.UnaryServerInfo{FullMethod: "/crdt.v1.Codec/Merge"},
		func(ctx context.Context, req any) (any, error) {
			handled = ctx
			return "resp", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "resp", resp)
	require.NotNil(t, handled)

	logger := log.Ctx(handled)
	assert.NotSame(t, log.Ctx(context.Background()), logger)
	assert.False(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestUnaryClientLogInterceptor(t *testing.T) {
	var outgoing metadata.MD
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		outgoing, _ = metadata.FromOutgoingContext(ctx)
		return assert.AnError
	}
	err := UnaryClientLogInterceptor(context.Background(), "/crdt.v1.Codec/Merge", nil, nil, nil, invoker)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, outgoing.Get(RequestMsecMetaKey), 1)
	assert.Empty(t, outgoing.Get(RequestIDMetaKey))
}
