package crdt

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lk2023060901/collab-sync-go/pkg/util/logutil"
)

type codecService struct {
	codec Codec
}

func (s codecService) Merge(ctx context.Context, req *MergeRequest) (*MergeResponse, error) {
	merged, vector, err := s.codec.Merge(ctx, req.Snapshot, req.Update)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &MergeResponse{Snapshot: merged, Vector: vector}, nil
}

func (s codecService) EncodeDelta(ctx context.Context, req *EncodeDeltaRequest) (*EncodeDeltaResponse, error) {
	update, err := s.codec.EncodeDelta(ctx, req.Snapshot, req.Vector)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &EncodeDeltaResponse{Update: update}, nil
}

func (s codecService) EncodeStateVector(ctx context.Context, req *EncodeStateVectorRequest) (*EncodeStateVectorResponse, error) {
	vector, err := s.codec.EncodeStateVector(ctx, req.Snapshot)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &EncodeStateVectorResponse{Vector: vector}, nil
}

// RegisterCodecServer 将 codec 以 crdt.v1.Codec 服务注册到 s。
func RegisterCodecServer(s *grpc.Server, codec Codec) {
	s.RegisterService(&codecServiceDesc, codecService{codec: codec})
}

// NewCodecServer 创建一个已注册 codec 服务、带 trace 日志拦截器的 gRPC Server。
func NewCodecServer(codec Codec, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(logutil.UnaryTraceLoggerInterceptor),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterCodecServer(s, codec)
	return s
}

// ServeCodec 在后台 goroutine 中通过 lis 对外提供 codec。
//
// 返回的 channel 在 Server 停止后收到 Serve 的返回值。
func ServeCodec(lis net.Listener, codec Codec, opts ...grpc.ServerOption) (*grpc.Server, <-chan error) {
	s := NewCodecServer(codec, opts...)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(lis)
	}()
	return s, errCh
}
