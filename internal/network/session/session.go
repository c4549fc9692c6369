package session

import (
	"context"
	"net"

	"github.com/gorilla/websocket"
)

// FrameType 对应 WebSocket 的数据帧类型。
type FrameType int

const (
	FrameText   FrameType = websocket.TextMessage
	FrameBinary FrameType = websocket.BinaryMessage
)

// Frame 为一条收发的数据帧。
type Frame struct {
	Type FrameType
	Data []byte
}

func BinaryFrame(data []byte) Frame {
	return Frame{Type: FrameBinary, Data: data}
}

func TextFrame(text string) Frame {
	return Frame{Type: FrameText, Data: []byte(text)}
}

// Session 抽象了一条已通过鉴权的协作连接。
//
// 约定：
//   - 每个 Session 独占一条底层 WebSocket 连接；
//   - Session ID 由握手阶段生成，在进程内唯一；
//   - Registry 只通过 ID 与 Send 使用 Session，不负责关闭连接。
type Session interface {
	// ID 返回会话 ID。
	ID() string

	// DocumentID 返回会话所属的文档。
	DocumentID() string

	// Context 返回与会话关联的上下文，会话关闭时被取消。
	Context() context.Context

	// RemoteAddr 返回远端地址，用于日志与审计。
	RemoteAddr() net.Addr

	// Send 把帧投递到发送队列，不等待写出。队列已满或会话已关闭时返回错误。
	Send(frame Frame) error

	// Close 以 code 和 reason 关闭连接。多次调用是幂等的，只有第一次生效。
	Close(code int, reason string) error
}
