package crypto

// Encryptor 抽象了单一“加密方案”的能力：
//   - Encrypt：加密 + 签名/防篡改，生成完整报文
//   - Decrypt：验签 + 解密，还原明文
//
// aad（Associated Data）为关联数据，不加密但需要完整性保护。
// 快照落盘时以 documentId 作为 aad，使密文无法被挪用到其他文档的 key 下。
type Encryptor interface {
	Encrypt(plaintext, aad []byte) (packet []byte, err error)
	Decrypt(packet, aad []byte) (plaintext []byte, err error)
}

// NopEncryptor 是一个空实现：不做加密也不做验签，直接透传数据。
//
// 未配置落盘密钥时作为默认值注入。
type NopEncryptor struct{}

func (NopEncryptor) Encrypt(plaintext, _ []byte) ([]byte, error) {
	return plaintext, nil
}

func (NopEncryptor) Decrypt(packet, _ []byte) ([]byte, error) {
	return packet, nil
}

// 编译期断言：确保 NopEncryptor 实现了 Encryptor 接口。
var _ Encryptor = NopEncryptor{}
