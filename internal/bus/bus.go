// Package bus 在服务进程之间扇出文档更新。
//
// 投递语义为至多一次、尽力而为：消息可能丢失，但合并是幂等的，
// 丢失更新的客户端重连后会通过 catch-up delta 重新同步。
package bus

import (
	"context"
	"strings"

	"github.com/lk2023060901/collab-sync-go/internal/network/serializer"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

const (
	BackendLocal = "local"
	BackendRedis = "redis"
	BackendEtcd  = "etcd"
)

// Message 为总线上传递的一条文档更新。
//
// OriginID 为发起更新的 session；为空表示没有来源，所有本地 session 都应收到。
type Message struct {
	DocumentID string
	Update     []byte
	OriginID   string
	NodeID     string
}

// Handler 处理一条收到的消息。总线不关心处理结果。
type Handler func(ctx context.Context, msg Message)

// Subscription 为一次订阅的句柄，Unsubscribe 之后不会再有回调。
type Subscription interface {
	Unsubscribe() error
}

// Bus 为跨实例发布/订阅通道。包括发布者自身在内的每个订阅者都会收到每条消息。
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(handler Handler) (Subscription, error)
	Close() error
}

// envelope 为消息的线上格式。OriginID 使用 any 接收，非字符串的来源按“无来源”处理。
type envelope struct {
	DocumentID string `json:"documentId"`
	Update     []byte `json:"update"`
	OriginID   any    `json:"originId,omitempty"`
	NodeID     string `json:"nodeId,omitempty"`
}

type envelopeCodec struct {
	s serializer.Serializer
}

func newEnvelopeCodec() envelopeCodec {
	return envelopeCodec{s: serializer.JSONSerializer{}}
}

func (c envelopeCodec) encode(msg Message) ([]byte, error) {
	env := envelope{
		DocumentID: msg.DocumentID,
		Update:     msg.Update,
		NodeID:     msg.NodeID,
	}
	if msg.OriginID != "" {
		env.OriginID = msg.OriginID
	}
	return c.s.Marshal(env)
}

func (c envelopeCodec) decode(data []byte) (Message, error) {
	var env envelope
	if err := c.s.Unmarshal(data, &env); err != nil {
		return Message{}, merr.WrapErrBusMalformed(err.Error())
	}
	if env.DocumentID == "" {
		return Message{}, merr.WrapErrBusMalformed("missing documentId")
	}
	origin, _ := env.OriginID.(string)
	return Message{
		DocumentID: env.DocumentID,
		Update:     env.Update,
		OriginID:   strings.TrimSpace(origin),
		NodeID:     env.NodeID,
	}, nil
}

func validate(msg Message) error {
	if msg.DocumentID == "" {
		return merr.WrapErrParameterMissing("documentId", "bus publish")
	}
	return nil
}
