package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"ShareFM/model"
)

// MediaStore 设备媒体库
type MediaStore interface {
	// Store 复制 src 到媒体库，返回设备媒体引用
	Store(ctx context.Context, src string, meta Metadata, contentID model.ContentID) (string, error)
	Exists(ref string) bool
	Remove(ref string) error
}

// FileMediaStore 写入 <root>/Shared/<Artist> - <Title>.<ext>
type FileMediaStore struct {
	root string
}

// NewFileMediaStore 创建文件系统媒体库
func NewFileMediaStore(root string) *FileMediaStore {
	return &FileMediaStore{root: root}
}

// Dir 共享内容所在目录
func (s *FileMediaStore) Dir() string {
	return filepath.Join(s.root, "Shared")
}

var (
	invalidChars  = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	trailingDots  = regexp.MustCompile(`\.+$`)
	repeatedSpace = regexp.MustCompile(`\s+`)
)

const maxNameLen = 120

// SanitizeFileName 替换各平台文件名中的非法字符
func SanitizeFileName(name string) string {
	name = invalidChars.ReplaceAllString(name, "_")
	name = repeatedSpace.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)
	name = trailingDots.ReplaceAllString(name, "")
	if r := []rune(name); len(r) > maxNameLen {
		name = strings.TrimSpace(string(r[:maxNameLen]))
	}
	return name
}

// baseName <Artist> - <Title>，标题为空时用 content id 前缀
func baseName(meta Metadata, contentID model.ContentID) string {
	title := SanitizeFileName(meta.Title)
	if title == "" {
		title = model.ShortHex(string(contentID))
	}
	artist := SanitizeFileName(meta.Artist)
	if artist == "" {
		return title
	}
	return artist + " - " + title
}

// Store 同名文件已存在时追加 content id 短后缀
func (s *FileMediaStore) Store(ctx context.Context, src string, meta Metadata, contentID model.ContentID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := s.Dir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	ext := filepath.Ext(src)
	base := baseName(meta, contentID)
	dst := filepath.Join(dir, base+ext)
	if _, err := os.Stat(dst); err == nil {
		dst = filepath.Join(dir, base+" ("+strings.TrimPrefix(model.ShortHex(string(contentID)), "0x")+")"+ext)
	}

	if err := copyAtomic(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// Exists 非空普通文件
func (s *FileMediaStore) Exists(ref string) bool {
	info, err := os.Stat(ref)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Remove 只删除媒体库目录内的文件
func (s *FileMediaStore) Remove(ref string) error {
	rel, err := filepath.Rel(s.Dir(), ref)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refuse to remove %s outside media dir", ref)
	}
	if err := os.Remove(ref); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func copyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open cache file: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".media-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy to media dir: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
