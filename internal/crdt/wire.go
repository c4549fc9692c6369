package crdt

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/lk2023060901/collab-sync-go/internal/network/serializer"
)

const (
	codecServiceName = "crdt.v1.Codec"
	wireCodecName    = "crdt-json"

	mergeMethod             = "/" + codecServiceName + "/Merge"
	encodeDeltaMethod       = "/" + codecServiceName + "/EncodeDelta"
	encodeStateVectorMethod = "/" + codecServiceName + "/EncodeStateVector"
)

func init() {
	encoding.RegisterCodec(wireCodec{s: serializer.JSONSerializer{}})
}

// wireCodec 让 gRPC 以 JSON 编码消息体，远端 sidecar 无需 protobuf 生成代码。
type wireCodec struct {
	s serializer.Serializer
}

func (c wireCodec) Marshal(v any) ([]byte, error) {
	return c.s.Marshal(v)
}

func (c wireCodec) Unmarshal(data []byte, v any) error {
	return c.s.Unmarshal(data, v)
}

func (wireCodec) Name() string {
	return wireCodecName
}

type MergeRequest struct {
	Snapshot []byte `json:"snapshot,omitempty"`
	Update   []byte `json:"update,omitempty"`
}

type MergeResponse struct {
	Snapshot []byte `json:"snapshot,omitempty"`
	Vector   []byte `json:"vector,omitempty"`
}

type EncodeDeltaRequest struct {
	Snapshot []byte `json:"snapshot,omitempty"`
	Vector   []byte `json:"vector,omitempty"`
}

type EncodeDeltaResponse struct {
	Update []byte `json:"update,omitempty"`
}

type EncodeStateVectorRequest struct {
	Snapshot []byte `json:"snapshot,omitempty"`
}

type EncodeStateVectorResponse struct {
	Vector []byte `json:"vector,omitempty"`
}

// CodecServer 为 crdt.v1.Codec 服务端接口。
type CodecServer interface {
	Merge(context.Context, *MergeRequest) (*MergeResponse, error)
	EncodeDelta(context.Context, *EncodeDeltaRequest) (*EncodeDeltaResponse, error)
	EncodeStateVector(context.Context, *EncodeStateVectorRequest) (*EncodeStateVectorResponse, error)
}

func mergeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(MergeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CodecServer).Merge(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: mergeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CodecServer).Merge(ctx, req.(*MergeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func encodeDeltaHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EncodeDeltaRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CodecServer).EncodeDelta(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: encodeDeltaMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CodecServer).EncodeDelta(ctx, req.(*EncodeDeltaRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func encodeStateVectorHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EncodeStateVectorRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CodecServer).EncodeStateVector(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: encodeStateVectorMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CodecServer).EncodeStateVector(ctx, req.(*EncodeStateVectorRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var codecServiceDesc = grpc.ServiceDesc{
	ServiceName: codecServiceName,
	HandlerType: (*CodecServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Merge", Handler: mergeHandler},
		{MethodName: "EncodeDelta", Handler: encodeDeltaHandler},
		{MethodName: "EncodeStateVector", Handler: encodeStateVectorHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "crdt/v1/codec.proto",
}
