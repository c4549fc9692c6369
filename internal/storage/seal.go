package storage

import (
	"context"

	"github.com/lk2023060901/collab-sync-go/internal/storage/compressor"
	"github.com/lk2023060901/collab-sync-go/internal/storage/crypto"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

// SealConfig 控制快照落盘前的压缩与加密。
type SealConfig struct {
	Compression      string `mapstructure:"compression"` // none | zstd
	CompressionLevel int    `mapstructure:"compressionLevel"`
	MinCompressSize  int    `mapstructure:"minCompressSize"`
	// EncryptionKey/MacKey 为 base64 编码，EncryptionKey 为空时不加密。
	EncryptionKey string `mapstructure:"encryptionKey"`
	MacKey        string `mapstructure:"macKey"`
	// KeyID 写入每个加密快照的头部，轮换密钥时递增。
	KeyID uint8 `mapstructure:"keyId"`
	// RetiredKeys 为已轮换下线、仅用于读取旧快照的密钥。
	RetiredKeys []RetiredKey `mapstructure:"retiredKeys"`
}

type RetiredKey struct {
	ID            uint8  `mapstructure:"id"`
	EncryptionKey string `mapstructure:"encryptionKey"`
	MacKey        string `mapstructure:"macKey"`
}

func (cfg SealConfig) keyring() (*crypto.Keyring, error) {
	active, err := crypto.DecodeKey(cfg.KeyID, cfg.EncryptionKey, cfg.MacKey)
	if err != nil {
		return nil, err
	}
	retired := make([]crypto.Key, 0, len(cfg.RetiredKeys))
	for _, rk := range cfg.RetiredKeys {
		k, err := crypto.DecodeKey(rk.ID, rk.EncryptionKey, rk.MacKey)
		if err != nil {
			return nil, err
		}
		retired = append(retired, k)
	}
	return crypto.NewKeyring(active, retired...)
}

// sealedStore 在写入前依次压缩、加密快照，读取时逆序还原。
// 加密时以 documentId 作为关联数据。
type sealedStore struct {
	inner      SnapshotStore
	compressor compressor.Compressor
	encryptor  crypto.Encryptor
	closeFn    func()
}

// Seal 按配置为 store 包裹压缩与加密层；两者都关闭时原样返回。
func Seal(store SnapshotStore, cfg SealConfig) (SnapshotStore, error) {
	var (
		c       compressor.Compressor = compressor.NopCompressor{}
		e       crypto.Encryptor      = crypto.NopEncryptor{}
		closeFn func()
		sealed  bool
	)

	switch cfg.Compression {
	case "", "none":
	case "zstd":
		z, err := compressor.NewZstdCompressor(cfg.CompressionLevel)
		if err != nil {
			return nil, err
		}
		z.SetMinCompressSize(cfg.MinCompressSize)
		c, closeFn, sealed = z, z.Close, true
	default:
		return nil, merr.WrapErrParameterInvalid("none|zstd", cfg.Compression, "storage.seal.compression")
	}

	if cfg.EncryptionKey != "" {
		keyring, err := cfg.keyring()
		if err != nil {
			if closeFn != nil {
				closeFn()
			}
			return nil, merr.WrapErrParameterInvalidMsg("storage.seal: %s", err.Error())
		}
		e, sealed = keyring, true
	}

	if !sealed {
		return store, nil
	}
	return &sealedStore{inner: store, compressor: c, encryptor: e, closeFn: closeFn}, nil
}

// NewSealedStore 使用给定的压缩器与加密器包裹 store。
func NewSealedStore(store SnapshotStore, c compressor.Compressor, e crypto.Encryptor) SnapshotStore {
	return &sealedStore{inner: store, compressor: c, encryptor: e}
}

func (s *sealedStore) Get(ctx context.Context, documentID string) (*Record, error) {
	record, err := s.inner.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(record.Snapshot) == 0 {
		return record, nil
	}
	plain, err := s.encryptor.Decrypt(record.Snapshot, []byte(documentID))
	if err != nil {
		return nil, merr.WrapErrIoFailed(documentID, err)
	}
	plain, err = s.compressor.Decompress(nil, plain)
	if err != nil {
		return nil, merr.WrapErrIoFailed(documentID, err)
	}
	record.Snapshot = plain
	return record, nil
}

func (s *sealedStore) Put(ctx context.Context, documentID string, record Record) error {
	if len(record.Snapshot) > 0 {
		packet, err := s.compressor.Compress(nil, record.Snapshot)
		if err != nil {
			return merr.WrapErrIoFailed(documentID, err)
		}
		packet, err = s.encryptor.Encrypt(packet, []byte(documentID))
		if err != nil {
			return merr.WrapErrIoFailed(documentID, err)
		}
		record.Snapshot = packet
	}
	return s.inner.Put(ctx, documentID, record)
}

func (s *sealedStore) Delete(ctx context.Context, documentID string) error {
	return s.inner.Delete(ctx, documentID)
}

func (s *sealedStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return s.inner.Close()
}
