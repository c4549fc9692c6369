package crdt

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Reference 是粗粒度的本地实现：任意非空 update 都视为整份文档的替换，
// 状态向量为内容的 xxhash64 摘要（空文档对应空向量）。
//
// 它满足 Codec 的全部契约，适合测试与不需要细粒度合并的部署。
type Reference struct{}

var _ Codec = Reference{}

func NewReference() Reference {
	return Reference{}
}

func (Reference) Merge(_ context.Context, snapshot, update []byte) ([]byte, []byte, error) {
	if len(update) == 0 {
		return snapshot, digest(snapshot), nil
	}
	merged := bytes.Clone(update)
	return merged, digest(merged), nil
}

func (Reference) EncodeDelta(_ context.Context, snapshot, clientVector []byte) ([]byte, error) {
	if bytes.Equal(digest(snapshot), clientVector) {
		return nil, nil
	}
	return bytes.Clone(snapshot), nil
}

func (Reference) EncodeStateVector(_ context.Context, snapshot []byte) ([]byte, error) {
	return digest(snapshot), nil
}

func digest(snapshot []byte) []byte {
	if len(snapshot) == 0 {
		return nil
	}
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), xxhash.Sum64(snapshot))
}
