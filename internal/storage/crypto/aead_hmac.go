package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/cockroachdb/errors"
)

var (
	// ErrPacketTooShort 表示报文不足以容纳头部、nonce 与 MAC。
	ErrPacketTooShort = errors.New("crypto: packet too short")
	// ErrInvalidMAC 表示 HMAC 校验失败，报文被篡改或 aad 不一致。
	ErrInvalidMAC = errors.New("crypto: invalid mac")
	// ErrUnknownKey 表示报文使用的密钥不在密钥环中。
	ErrUnknownKey = errors.New("crypto: unknown key id")
	// ErrUnsupportedFormat 表示报文头部的格式版本无法识别。
	ErrUnsupportedFormat = errors.New("crypto: unsupported packet format")
)

const (
	aes256KeySizeBytes = 32

	formatV1   byte = 1
	headerSize      = 2
)

// Key 为一组加密密钥与签名密钥，ID 写入每个报文头部。
type Key struct {
	ID     byte
	EncKey []byte
	MacKey []byte
}

// DecodeKey 从 base64 编码的密钥构造 Key，密钥通常来自配置或环境变量。
func DecodeKey(id byte, encKeyB64, macKeyB64 string) (Key, error) {
	encKey, err := base64.StdEncoding.DecodeString(encKeyB64)
	if err != nil {
		return Key{}, errors.Wrapf(err, "crypto: decode encKey of key %d", id)
	}
	macKey, err := base64.StdEncoding.DecodeString(macKeyB64)
	if err != nil {
		return Key{}, errors.Wrapf(err, "crypto: decode macKey of key %d", id)
	}
	return Key{ID: id, EncKey: encKey, MacKey: macKey}, nil
}

type sealKey struct {
	id      byte
	aead    cipher.AEAD
	hmacKey []byte
}

func newSealKey(k Key) (*sealKey, error) {
	if len(k.EncKey) != aes256KeySizeBytes {
		return nil, errors.Newf("crypto: encKey of key %d must be 32 bytes for AES-256-GCM", k.ID)
	}
	if len(k.MacKey) == 0 {
		return nil, errors.Newf("crypto: macKey of key %d must not be empty", k.ID)
	}
	block, err := aes.NewCipher(k.EncKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &sealKey{id: k.ID, aead: aead, hmacKey: append([]byte(nil), k.MacKey...)}, nil
}

func (k *sealKey) mac(header, nonce, ciphertext, aad []byte) []byte {
	m := hmac.New(sha256.New, k.hmacKey)
	_, _ = m.Write(header)
	_, _ = m.Write(nonce)
	_, _ = m.Write(ciphertext)
	_, _ = m.Write(aad)
	return m.Sum(nil)
}

// Keyring 用当前密钥加密快照，并能用当前或已轮换下线的密钥解密。
//
// 两层保护：AES-256-GCM 提供机密性与完整性，HMAC-SHA256 再对整个报文和 aad 签名。
// 快照落盘时 aad 为 documentId，密文因此无法被挪到其他文档的 key 下。
//
// 报文格式：version(1) || keyId(1) || nonce || ciphertext || mac
//   - mac：HMAC-SHA256(version || keyId || nonce || ciphertext || aad)
type Keyring struct {
	active *sealKey
	keys   map[byte]*sealKey
}

var _ Encryptor = (*Keyring)(nil)

// NewKeyring 以 active 作为加密密钥，retired 仅用于解密旧快照。
func NewKeyring(active Key, retired ...Key) (*Keyring, error) {
	r := &Keyring{keys: make(map[byte]*sealKey, len(retired)+1)}
	for _, k := range append([]Key{active}, retired...) {
		if _, ok := r.keys[k.ID]; ok {
			return nil, errors.Newf("crypto: duplicate key id %d", k.ID)
		}
		sk, err := newSealKey(k)
		if err != nil {
			return nil, err
		}
		r.keys[k.ID] = sk
	}
	r.active = r.keys[active.ID]
	return r, nil
}

// ActiveKeyID 返回当前用于加密的密钥 ID。
func (r *Keyring) ActiveKeyID() byte {
	return r.active.id
}

func (r *Keyring) Encrypt(plaintext, aad []byte) ([]byte, error) {
	k := r.active
	header := []byte{formatV1, k.id}
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := k.aead.Seal(nil, nonce, plaintext, aad)
	mac := k.mac(header, nonce, ciphertext, aad)

	packet := make([]byte, 0, headerSize+len(nonce)+len(ciphertext)+len(mac))
	packet = append(packet, header...)
	packet = append(packet, nonce...)
	packet = append(packet, ciphertext...)
	return append(packet, mac...), nil
}

func (r *Keyring) Decrypt(packet, aad []byte) ([]byte, error) {
	if len(packet) < headerSize {
		return nil, ErrPacketTooShort
	}
	if packet[0] != formatV1 {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "version %d", packet[0])
	}
	k, ok := r.keys[packet[1]]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKey, "key %d", packet[1])
	}

	nonceSize := k.aead.NonceSize()
	if len(packet) < headerSize+nonceSize+sha256.Size {
		return nil, ErrPacketTooShort
	}
	header := packet[:headerSize]
	nonce := packet[headerSize : headerSize+nonceSize]
	macOffset := len(packet) - sha256.Size
	ciphertext := packet[headerSize+nonceSize : macOffset]

	if !hmac.Equal(k.mac(header, nonce, ciphertext, aad), packet[macOffset:]) {
		return nil, ErrInvalidMAC
	}
	return k.aead.Open(nil, nonce, ciphertext, aad)
}
