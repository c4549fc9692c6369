package serializer

// Serializer 抽象了“对象 <-> 字节流”的序列化能力。
//
// 跨实例总线的消息信封、gRPC 编解码器都通过该接口完成编码，
// 调用方通过接口注入具体实现。
type Serializer interface {
	// Marshal 将任意对象编码为字节序列。
	Marshal(v any) ([]byte, error)

	// Unmarshal 将字节序列解码到目标对象。
	//
	// v 通常为指针类型，用于接收解码结果。
	Unmarshal(data []byte, v any) error
}
