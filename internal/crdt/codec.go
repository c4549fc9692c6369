// Package crdt 定义文档状态的编解码边界。
//
// 上层只把快照、状态向量和增量当作不透明字节串传递，
// 具体的合并算法由 Codec 的实现决定。
package crdt

import (
	"context"
	"strings"

	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

const (
	BackendReference = "reference"
	BackendRemote    = "remote"
)

// Codec 为 CRDT 合并能力的抽象。
//
// 所有字节参数都把 nil 与空切片视为等价的“空”。
type Codec interface {
	// Merge 将 update 合并进 snapshot，返回合并后的快照与其状态向量。
	// 空 snapshot 表示空文档；空 update 为不改变内容的合并，但仍返回有效向量。
	Merge(ctx context.Context, snapshot, update []byte) (merged []byte, vector []byte, err error)

	// EncodeDelta 计算客户端处于 clientVector 时所需的最小增量。
	// clientVector 与文档当前向量一致时返回空。
	EncodeDelta(ctx context.Context, snapshot, clientVector []byte) ([]byte, error)

	// EncodeStateVector 返回 snapshot 的状态向量。
	EncodeStateVector(ctx context.Context, snapshot []byte) ([]byte, error)
}

// Config 选择编解码后端，进程启动时确定一次。
type Config struct {
	Backend string       `mapstructure:"backend"`
	Remote  RemoteConfig `mapstructure:"remote"`
}

// New 根据配置构造 Codec。
//
// remote 后端返回的实现同时实现 io.Closer，调用方在退出时负责关闭。
func New(ctx context.Context, cfg Config) (Codec, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendReference:
		return NewReference(), nil
	case BackendRemote:
		remote, err := NewRemote(ctx, cfg.Remote)
		if err != nil {
			return nil, err
		}
		return remote, nil
	default:
		return nil, merr.WrapErrParameterInvalid(BackendReference+"|"+BackendRemote, cfg.Backend, "codec.backend")
	}
}
