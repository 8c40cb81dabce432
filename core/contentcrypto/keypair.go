package contentcrypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"ShareFM/model"

	"golang.org/x/crypto/hkdf"
)

const (
	keyPairVersion  = 1
	encryptedPrefix = "enc:v1:"
	atRestSalt      = "sharefm-content-keypair-v1"
	atRestInfo      = "keypair-at-rest"
)

// KeyPair 设备长期持有的 P-256 密钥对
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair 生成新密钥对
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{priv: priv}, nil
}

// Private 返回私钥
func (k *KeyPair) Private() *ecdh.PrivateKey { return k.priv }

// Public 返回公钥
func (k *KeyPair) Public() *ecdh.PublicKey { return k.priv.PublicKey() }

// PublicHex 65 字节非压缩公钥的十六进制
func (k *KeyPair) PublicHex() string { return hex.EncodeToString(k.priv.PublicKey().Bytes()) }

type keyPairFile struct {
	Version    int    `json:"version"`
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// KeyStore 密钥对文件，私钥以 AES-256-GCM 加密落盘，密钥由本机信息经 HKDF 派生
type KeyStore struct {
	path   string
	secret []byte
}

// NewKeyStore secret 为空时使用本机标识
func NewKeyStore(path string, secret []byte) *KeyStore {
	if len(secret) == 0 {
		secret = machineSecret()
	}
	return &KeyStore{path: path, secret: secret}
}

// Path 密钥文件路径
func (s *KeyStore) Path() string { return s.path }

func (s *KeyStore) atRestKey() ([]byte, error) {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, s.secret, []byte(atRestSalt), []byte(atRestInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Load 读取密钥对；文件不存在返回 model.ErrMissingKeyPair
func (s *KeyStore) Load() (*KeyPair, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, model.ErrMissingKeyPair
	}
	if err != nil {
		return nil, fmt.Errorf("read keypair: %w", err)
	}
	var file keyPairFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse keypair: %w", err)
	}

	privBytes, err := s.decodePrivate(file.PrivateKey)
	if err != nil {
		return nil, err
	}
	defer zero(privBytes)

	priv, err := ecdh.P256().NewPrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	kp := &KeyPair{priv: priv}
	if file.PublicKey != "" && !strings.EqualFold(strings.TrimPrefix(file.PublicKey, "0x"), kp.PublicHex()) {
		return nil, errors.New("keypair public key does not match private key")
	}
	return kp, nil
}

func (s *KeyStore) decodePrivate(value string) ([]byte, error) {
	if !strings.HasPrefix(value, encryptedPrefix) {
		// 早期版本明文保存
		return decodeHex(value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, encryptedPrefix), ":", 2)
	if len(parts) != 2 {
		return nil, errors.New("malformed encrypted private key")
	}
	iv, err := decodeHex(parts[0])
	if err != nil {
		return nil, fmt.Errorf("private key iv: %w", err)
	}
	ct, err := decodeHex(parts[1])
	if err != nil {
		return nil, fmt.Errorf("private key ciphertext: %w", err)
	}
	key, err := s.atRestKey()
	if err != nil {
		return nil, err
	}
	defer zero(key)
	plain, err := openGCM(key, iv, ct)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key, was it created on another machine: %w", err)
	}
	return plain, nil
}

// Save 加密私钥并原子写入
func (s *KeyStore) Save(kp *KeyPair) error {
	key, err := s.atRestKey()
	if err != nil {
		return err
	}
	defer zero(key)

	iv := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return err
	}
	privBytes := kp.priv.Bytes()
	defer zero(privBytes)
	ct, err := sealGCM(key, iv, privBytes)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(keyPairFile{
		Version:    keyPairVersion,
		PrivateKey: encryptedPrefix + hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct),
		PublicKey:  kp.PublicHex(),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// LoadOrCreate 没有密钥对时生成一个，发布内容和初始化命令使用
func (s *KeyStore) LoadOrCreate() (*KeyPair, bool, error) {
	kp, err := s.Load()
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, model.ErrMissingKeyPair) {
		return nil, false, err
	}
	kp, err = GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	if err := s.Save(kp); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// machineSecret 优先使用 /etc/machine-id，取不到时退回主机名与用户目录
func machineSecret() []byte {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if b, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(b)); id != "" {
				return []byte(id)
			}
		}
	}
	host, _ := os.Hostname()
	home, _ := os.UserHomeDir()
	return []byte(host + "|" + home + "|" + os.Getenv("USER"))
}
