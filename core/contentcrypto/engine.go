package contentcrypto

import (
	"context"
	"fmt"
	"strings"

	"ShareFM/logger"
	"ShareFM/model"

	"go.uber.org/zap"
)

// KeyPairSource 提供本机密钥对
type KeyPairSource interface {
	Load() (*KeyPair, error)
}

// WrappedKeyResolver 解析 (content, owner, grantee) 的包裹密钥，必要时触发签发
type WrappedKeyResolver interface {
	Resolve(ctx context.Context, contentID, owner, grantee string) (*Envelope, error)
}

// PieceFetcher 按 piece pointer 取回加密负载
type PieceFetcher interface {
	Fetch(ctx context.Context, piecePointer string) ([]byte, error)
}

// Plaintext 解密结果
type Plaintext struct {
	Data     []byte
	MimeType string
}

// Engine 解包内容密钥并解密音频负载
type Engine struct {
	keys   KeyPairSource
	wraps  WrappedKeyResolver
	pieces PieceFetcher
	log    *zap.Logger
}

// NewEngine 创建解密引擎
func NewEngine(keys KeyPairSource, wraps WrappedKeyResolver, pieces PieceFetcher, log *zap.Logger) *Engine {
	if log == nil {
		log = logger.Named("crypto")
	}
	return &Engine{keys: keys, wraps: wraps, pieces: pieces, log: log}
}

// CheckPreconditions 在任何网络或密码学操作之前的校验
func CheckPreconditions(ref model.ContentRef, identity model.Identity) error {
	if strings.TrimSpace(ref.ContentID) == "" {
		return fmt.Errorf("%w: content id missing", model.ErrNotUnlocked)
	}
	if ref.Algo != model.AlgoAES256GCM {
		return fmt.Errorf("%w: algo %d", model.ErrNotSupported, ref.Algo)
	}
	if strings.TrimSpace(ref.PiecePointer) == "" {
		return fmt.Errorf("%w: piece pointer missing", model.ErrNotUnlocked)
	}
	if strings.TrimSpace(ref.Owner) == "" {
		return fmt.Errorf("%w: owner missing", model.ErrNotUnlocked)
	}
	if strings.TrimSpace(identity.Address) == "" {
		return fmt.Errorf("%w: recipient address missing", model.ErrNotUnlocked)
	}
	return nil
}

// Decrypt 得到明文音频。title 只用于推断 MIME
func (e *Engine) Decrypt(ctx context.Context, ref model.ContentRef, identity model.Identity, title string) (*Plaintext, error) {
	if err := CheckPreconditions(ref, identity); err != nil {
		return nil, err
	}

	kp, err := e.keys.Load()
	if err != nil {
		return nil, err
	}

	grantee := model.NormalizeAddress(identity.Address)
	env, err := e.wraps.Resolve(ctx, ref.ContentID, model.NormalizeAddress(ref.Owner), grantee)
	if err != nil {
		return nil, fmt.Errorf("resolve wrapped key: %w", err)
	}

	blob, err := e.pieces.Fetch(ctx, ref.PiecePointer)
	if err != nil {
		return nil, fmt.Errorf("fetch piece %s: %w", ref.PiecePointer, err)
	}
	if len(blob) < NonceSize+1 {
		return nil, fmt.Errorf("%w: blob has %d bytes", model.ErrCorruptPayload, len(blob))
	}

	key, err := Unwrap(kp.Private(), env)
	if err != nil {
		return nil, err
	}
	plain, err := DecryptBlob(key, blob)
	zero(key)
	if err != nil {
		return nil, err
	}

	mime := InferMimeType(title, plain)
	e.log.Info("content decrypted",
		logger.String("contentId", ref.ContentID),
		logger.Int("bytes", len(plain)),
		logger.String("mime", mime),
	)
	return &Plaintext{Data: plain, MimeType: mime}, nil
}
