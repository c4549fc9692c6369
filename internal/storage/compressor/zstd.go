package compressor

import (
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/lk2023060901/collab-sync-go/pkg/util/hardware"
)

// 每个输出帧的首字节标记负载是否经过压缩，
// 使小于阈值、原样保存的快照与压缩快照可以共存并被正确还原。
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

var ErrCorruptedFrame = errors.New("compressor: corrupted frame")

// ZstdCompressor 基于 github.com/klauspost/compress/zstd 的压缩实现。
//
// 它持有独立的 encoder/decoder 实例，EncodeAll/DecodeAll 可并发调用。
type ZstdCompressor struct {
	enc             *zstd.Encoder
	dec             *zstd.Decoder
	minCompressSize int
}

// 编译期断言：确保 ZstdCompressor 实现了 Compressor 接口。
var _ Compressor = (*ZstdCompressor)(nil)

// NewZstdCompressor 创建一个 ZstdCompressor，并发度取决于主机物理核数。
func NewZstdCompressor(level int) (*ZstdCompressor, error) {
	return NewZstdCompressorWithConcurrency(level, 0)
}

// NewZstdCompressorWithConcurrency 创建一个 ZstdCompressor，并允许显式指定 zstd 的并发数。
//
//   - concurrency <= 0：使用 hardware.DefaultEncoderConcurrency()。
//   - level 为 zstd 标准级别（1~22），<= 0 时使用默认级别。
func NewZstdCompressorWithConcurrency(level, concurrency int) (*ZstdCompressor, error) {
	if concurrency <= 0 {
		concurrency = hardware.DefaultEncoderConcurrency()
	}

	opts := []zstd.EOption{
		zstd.WithZeroFrames(true),
		zstd.WithEncoderConcurrency(concurrency),
	}
	if level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}

	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(concurrency))
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &ZstdCompressor{
		enc: enc,
		dec: dec,
	}, nil
}

// SetMinCompressSize 设置触发压缩的最小字节数。
// 当 src 长度小于该值时，Compress 只加帧头，不做压缩。
func (c *ZstdCompressor) SetMinCompressSize(n int) {
	if n < 0 {
		n = 0
	}
	c.minCompressSize = n
}

// Compress 实现 Compressor 接口。
func (c *ZstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	if c == nil || c.enc == nil {
		return nil, zstd.ErrEncoderClosed
	}

	if c.minCompressSize > 0 && len(src) < c.minCompressSize {
		out := append(dst[:0], frameRaw)
		return append(out, src...), nil
	}

	out := append(dst[:0], frameZstd)
	return c.enc.EncodeAll(src, out), nil
}

// Decompress 实现 Compressor 接口。
func (c *ZstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	if c == nil || c.dec == nil {
		return nil, zstd.ErrDecoderClosed
	}
	if len(src) == 0 {
		return nil, ErrCorruptedFrame
	}
	switch src[0] {
	case frameRaw:
		return append(dst[:0], src[1:]...), nil
	case frameZstd:
		out, err := c.dec.DecodeAll(src[1:], dst[:0])
		if err != nil {
			return nil, errors.Wrap(err, "zstd decode")
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrCorruptedFrame, "unknown frame flag 0x%02x", src[0])
	}
}

// Close 释放内部 encoder/decoder 持有的资源。
//
// 再次使用已关闭实例将返回 ErrEncoderClosed/ErrDecoderClosed。
func (c *ZstdCompressor) Close() {
	if c == nil {
		return
	}
	if c.enc != nil {
		_ = c.enc.Close()
		c.enc = nil
	}
	if c.dec != nil {
		c.dec.Close()
		c.dec = nil
	}
}
