package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ShareFM/core/contentcrypto"
	"ShareFM/logger"
	"ShareFM/model"

	"go.uber.org/zap"
)

const contentFilePrefix = "content_"

// Decrypter 产出明文的解密引擎
type Decrypter interface {
	Decrypt(ctx context.Context, ref model.ContentRef, identity model.Identity, title string) (*contentcrypto.Plaintext, error)
}

// ContentCache 以 content id 为键的本地解密缓存，保证同一内容在本机只解密一次
type ContentCache struct {
	dir    string
	engine Decrypter
	flight *Flight
	log    *zap.Logger
}

// NewContentCache flight 为 nil 时使用 <dir>/.inflight.lock
func NewContentCache(dir string, engine Decrypter, flight *Flight) *ContentCache {
	if flight == nil {
		flight = NewFlight(filepath.Join(dir, ".inflight.lock"))
	}
	return &ContentCache{dir: dir, engine: engine, flight: flight, log: logger.Named("content-cache")}
}

// Dir 临时目录
func (c *ContentCache) Dir() string { return c.dir }

// Flight 解密与下载共用的单飞保护
func (c *ContentCache) Flight() *Flight { return c.flight }

// FileName content_<normalized_content_id>.<ext>
func FileName(contentID model.ContentID, ext string) string {
	return contentFilePrefix + string(contentID) + "." + ext
}

// Lookup 查找已解密的文件，空文件视为不存在
func (c *ContentCache) Lookup(contentID string) (*model.CacheEntry, bool) {
	id, err := model.NormalizeContentID(contentID)
	if err != nil {
		return nil, false
	}
	// 兼容早期不带前缀的文件名
	patterns := []string{
		filepath.Join(c.dir, contentFilePrefix+string(id)+".*"),
		filepath.Join(c.dir, string(id)+".*"),
	}
	for _, pattern := range patterns {
		matches, _ := filepath.Glob(pattern)
		sort.Strings(matches)
		for _, path := range matches {
			if strings.HasSuffix(path, ".tmp") {
				continue
			}
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
				continue
			}
			return &model.CacheEntry{
				ContentID: string(id),
				LocalPath: path,
				MimeType:  contentcrypto.MimeForExtension(filepath.Ext(path)),
			}, true
		}
	}
	return nil, false
}

// Decrypt 命中缓存直接返回；否则在单飞保护下解密并写入缓存。
// 已有任务在执行时返回 model.ErrBusy。
func (c *ContentCache) Decrypt(ctx context.Context, ref model.ContentRef, identity model.Identity, title string) (*model.CacheEntry, error) {
	if entry, ok := c.Lookup(ref.ContentID); ok {
		c.log.Debug("content cache hit", logger.String("contentId", entry.ContentID))
		return entry, nil
	}
	release, err := c.flight.TryStart()
	if err != nil {
		return nil, err
	}
	defer release()
	return c.Materialize(ctx, ref, identity, title)
}

// Materialize 调用方必须已经持有 Flight
func (c *ContentCache) Materialize(ctx context.Context, ref model.ContentRef, identity model.Identity, title string) (*model.CacheEntry, error) {
	// 等锁期间可能已被其它进程写入
	if entry, ok := c.Lookup(ref.ContentID); ok {
		return entry, nil
	}
	id, err := model.NormalizeContentID(ref.ContentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrNotUnlocked, err)
	}

	plain, err := c.engine.Decrypt(ctx, ref, identity, title)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(c.dir, FileName(id, contentcrypto.ExtensionFor(plain.MimeType)))
	if err := writeAtomic(c.dir, path, plain.Data); err != nil {
		return nil, fmt.Errorf("write cache file: %w", err)
	}
	c.log.Info("content cached", logger.String("contentId", string(id)), logger.String("path", path))
	return &model.CacheEntry{ContentID: string(id), LocalPath: path, MimeType: plain.MimeType}, nil
}

// Owns 路径是否位于临时目录内
func (c *ContentCache) Owns(path string) bool {
	dir, err := filepath.Abs(c.dir)
	if err != nil {
		return false
	}
	p, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// Remove 删除缓存文件，只删除临时目录内的
func (c *ContentCache) Remove(entry *model.CacheEntry) error {
	if entry == nil || !c.Owns(entry.LocalPath) {
		return nil
	}
	if err := os.Remove(entry.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func writeAtomic(dir, path string, data []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".content-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
