package keywrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"ShareFM/core/contentcrypto"
	"ShareFM/model"
)

// Store 本地缓存的包裹密钥。未命中返回 nil, nil
type Store interface {
	Get(ctx context.Context, contentID, grantee string) (*contentcrypto.Envelope, error)
	Put(ctx context.Context, contentID, grantee string, env *contentcrypto.Envelope) error
}

// StoreKey 规范化后的存储键
func StoreKey(contentID, grantee string) string {
	return model.CanonicalID(contentID) + ":" + model.NormalizeAddress(grantee)
}

// FileStore 以 JSON 文件保存包裹密钥，适合单机
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore 创建文件存储
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) read() (map[string]contentcrypto.Envelope, error) {
	entries := make(map[string]contentcrypto.Envelope)
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse wrapped key store: %w", err)
	}
	return entries, nil
}

// Get 读取包裹密钥
func (s *FileStore) Get(_ context.Context, contentID, grantee string) (*contentcrypto.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return nil, err
	}
	env, ok := entries[StoreKey(contentID, grantee)]
	if !ok {
		return nil, nil
	}
	return &env, nil
}

// Put 写入包裹密钥
func (s *FileStore) Put(_ context.Context, contentID, grantee string, env *contentcrypto.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return err
	}
	entries[StoreKey(contentID, grantee)] = *env

	data, err := json.MarshalIndent(entries, "", "  ")
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
