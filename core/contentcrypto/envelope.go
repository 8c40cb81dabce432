package contentcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"ShareFM/model"
)

const (
	NonceSize  = 12
	KeySize    = 32
	pubKeySize = 65
)

// Envelope 用接收方公钥包裹的内容密钥 (ECIES P-256)
type Envelope struct {
	EphemeralPub []byte
	IV           []byte
	Ciphertext   []byte
}

type envelopeJSON struct {
	EphemeralPub string `json:"ephemeralPub"`
	IV           string `json:"iv"`
	Ciphertext   string `json:"ciphertext"`
}

// MarshalJSON 字段以十六进制存储
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{
		EphemeralPub: hex.EncodeToString(e.EphemeralPub),
		IV:           hex.EncodeToString(e.IV),
		Ciphertext:   hex.EncodeToString(e.Ciphertext),
	})
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	env, err := EnvelopeFromHex(raw.EphemeralPub, raw.IV, raw.Ciphertext)
	if err != nil {
		return err
	}
	*e = *env
	return nil
}

// EnvelopeFromHex 从十六进制字段构造并校验信封
func EnvelopeFromHex(ephemeralPub, iv, ciphertext string) (*Envelope, error) {
	pub, err := decodeHex(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("ephemeral pub: %w", err)
	}
	nonce, err := decodeHex(iv)
	if err != nil {
		return nil, fmt.Errorf("iv: %w", err)
	}
	ct, err := decodeHex(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ciphertext: %w", err)
	}
	env := &Envelope{EphemeralPub: pub, IV: nonce, Ciphertext: ct}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate 检查字段长度
func (e *Envelope) Validate() error {
	if len(e.EphemeralPub) != pubKeySize || e.EphemeralPub[0] != 0x04 {
		return fmt.Errorf("%w: ephemeral public key must be %d-byte uncompressed point", model.ErrCorruptPayload, pubKeySize)
	}
	if len(e.IV) != NonceSize {
		return fmt.Errorf("%w: envelope iv must be %d bytes", model.ErrCorruptPayload, NonceSize)
	}
	if len(e.Ciphertext) == 0 {
		return fmt.Errorf("%w: envelope ciphertext is empty", model.ErrCorruptPayload)
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}

// deriveWrapKey ECDH 共享密钥做 SHA-256 得到 AES-256 密钥
func deriveWrapKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(shared)
	zero(shared)
	return sum[:], nil
}

// Wrap 用接收方公钥包裹内容密钥
func Wrap(recipient *ecdh.PublicKey, contentKey []byte) (*Envelope, error) {
	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	wrapKey, err := deriveWrapKey(ephemeral, recipient)
	if err != nil {
		return nil, err
	}
	defer zero(wrapKey)

	iv := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	ct, err := sealGCM(wrapKey, iv, contentKey)
	if err != nil {
		return nil, err
	}
	return &Envelope{EphemeralPub: ephemeral.PublicKey().Bytes(), IV: iv, Ciphertext: ct}, nil
}

// Unwrap 用接收方私钥解出内容密钥。调用方负责用完后清零
func Unwrap(priv *ecdh.PrivateKey, env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	pub, err := ecdh.P256().NewPublicKey(env.EphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ephemeral key: %v", model.ErrDecryptFailed, err)
	}
	wrapKey, err := deriveWrapKey(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %v", model.ErrDecryptFailed, err)
	}
	defer zero(wrapKey)

	key, err := openGCM(wrapKey, env.IV, env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap content key: %v", model.ErrDecryptFailed, err)
	}
	if len(key) != KeySize {
		zero(key)
		return nil, fmt.Errorf("%w: content key has %d bytes", model.ErrDecryptFailed, len(key))
	}
	return key, nil
}

// EncryptBlob 生成 [12 字节 nonce][密文] 格式的负载
func EncryptBlob(key, plaintext []byte) ([]byte, error) {
	iv := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	ct, err := sealGCM(key, iv, plaintext)
	if err != nil {
		return nil, err
	}
	return append(iv, ct...), nil
}

// DecryptBlob 解密 [12 字节 nonce][密文] 格式的负载
func DecryptBlob(key, blob []byte) ([]byte, error) {
	if len(blob) < NonceSize+1 {
		return nil, fmt.Errorf("%w: blob has %d bytes", model.ErrCorruptPayload, len(blob))
	}
	plain, err := openGCM(key, blob[:NonceSize], blob[NonceSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrDecryptFailed, err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func sealGCM(key, iv, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv, plaintext, nil), nil
}

func openGCM(key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, iv, ciphertext, nil)
}

// NewContentKey 生成随机内容密钥
func NewContentKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
