package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"ShareFM/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DownloadRepository 下载索引，以规范化的 content id 为主键
type DownloadRepository interface {
	// Get 不存在时返回 nil, nil
	Get(ctx context.Context, contentID string) (*model.DownloadedEntry, error)
	Save(ctx context.Context, entry *model.DownloadedEntry) error
	Delete(ctx context.Context, contentID string) error
	List(ctx context.Context) ([]*model.DownloadedEntry, error)
}

// gormDownloadRepository GORM 实现
type gormDownloadRepository struct {
	db *gorm.DB
}

// NewGormDownloadRepository 创建 GORM 下载仓库
func NewGormDownloadRepository(db *gorm.DB) DownloadRepository {
	return &gormDownloadRepository{db: db}
}

// Get 根据 content id 获取下载记录
func (r *gormDownloadRepository) Get(ctx context.Context, contentID string) (*model.DownloadedEntry, error) {
	var entry model.DownloadedEntry
	err := r.db.WithContext(ctx).
		Where("content_id = ?", contentID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// Save 存在则覆盖
func (r *gormDownloadRepository) Save(ctx context.Context, entry *model.DownloadedEntry) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(entry).Error
}

// Delete 删除下载记录
func (r *gormDownloadRepository) Delete(ctx context.Context, contentID string) error {
	return r.db.WithContext(ctx).
		Where("content_id = ?", contentID).
		Delete(&model.DownloadedEntry{}).Error
}

// List 按下载时间倒序
func (r *gormDownloadRepository) List(ctx context.Context) ([]*model.DownloadedEntry, error) {
	var entries []*model.DownloadedEntry
	err := r.db.WithContext(ctx).
		Order("downloaded_at DESC").
		Find(&entries).Error
	return entries, err
}

// memoryDownloadRepository 没有数据库时使用，进程退出即丢失
type memoryDownloadRepository struct {
	mu      sync.RWMutex
	entries map[string]model.DownloadedEntry
}

// NewMemoryDownloadRepository 创建内存下载仓库
func NewMemoryDownloadRepository() DownloadRepository {
	return &memoryDownloadRepository{entries: make(map[string]model.DownloadedEntry)}
}

func (r *memoryDownloadRepository) Get(ctx context.Context, contentID string) (*model.DownloadedEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[contentID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (r *memoryDownloadRepository) Save(ctx context.Context, entry *model.DownloadedEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ContentID] = *entry
	return nil
}

func (r *memoryDownloadRepository) Delete(ctx context.Context, contentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, contentID)
	return nil
}

func (r *memoryDownloadRepository) List(ctx context.Context) ([]*model.DownloadedEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.DownloadedEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DownloadedAt.Equal(out[j].DownloadedAt) {
			return out[i].ContentID < out[j].ContentID
		}
		return out[i].DownloadedAt.After(out[j].DownloadedAt)
	})
	return out, nil
}
