package download

import (
	"context"
	"fmt"
	"time"

	"ShareFM/cache"
	"ShareFM/logger"
	"ShareFM/model"
	"ShareFM/repository"

	"go.uber.org/zap"
)

// Metadata 写入下载记录的展示信息
type Metadata struct {
	Title          string
	Artist         string
	Album          string
	StoragePointer string
}

// MetadataFrom 从解析结果取下载元数据
func MetadataFrom(track model.SharedTrack) Metadata {
	return Metadata{
		Title:          track.Title,
		Artist:         track.Artist,
		Album:          track.Album,
		StoragePointer: track.PiecePointer,
	}
}

// Bridge 把临时解密文件转成设备上的持久副本
type Bridge struct {
	repo  repository.DownloadRepository
	media MediaStore
	cache *cache.ContentCache
	now   func() time.Time
	log   *zap.Logger
}

// NewBridge 创建下载桥
func NewBridge(repo repository.DownloadRepository, media MediaStore, contentCache *cache.ContentCache) *Bridge {
	return &Bridge{
		repo:  repo,
		media: media,
		cache: contentCache,
		now:   time.Now,
		log:   logger.Named("download"),
	}
}

// Lookup 返回有效的下载记录。媒体文件已经不存在的记录会被删除
func (b *Bridge) Lookup(ctx context.Context, contentID string) (*model.DownloadedEntry, error) {
	id, err := model.NormalizeContentID(contentID)
	if err != nil {
		return nil, nil
	}
	entry, err := b.repo.Get(ctx, string(id))
	if err != nil || entry == nil {
		return nil, err
	}
	if b.media.Exists(entry.DeviceMediaRef) {
		return entry, nil
	}
	b.log.Warn("downloaded media missing, dropping record",
		logger.String("contentId", entry.ContentID),
		logger.String("ref", entry.DeviceMediaRef))
	if err := b.repo.Delete(ctx, entry.ContentID); err != nil {
		return nil, fmt.Errorf("delete stale download: %w", err)
	}
	return nil, nil
}

// Persist 幂等：已下载时直接返回已有记录。成功后删除临时文件
func (b *Bridge) Persist(ctx context.Context, entry *model.CacheEntry, meta Metadata) (*model.DownloadedEntry, error) {
	if entry == nil {
		return nil, fmt.Errorf("%w: no cache entry", model.ErrNotUnlocked)
	}
	id, err := model.NormalizeContentID(entry.ContentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrNotUnlocked, err)
	}

	existing, err := b.Lookup(ctx, string(id))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		b.dropScratch(entry)
		return existing, nil
	}

	ref, err := b.media.Store(ctx, entry.LocalPath, meta, id)
	if err != nil {
		return nil, err
	}
	record := &model.DownloadedEntry{
		ContentID:              string(id),
		DeviceMediaRef:         ref,
		Title:                  meta.Title,
		Artist:                 meta.Artist,
		Album:                  meta.Album,
		MimeType:               entry.MimeType,
		StoragePointerSnapshot: meta.StoragePointer,
		DownloadedAt:           b.now().UTC(),
	}
	if err := b.repo.Save(ctx, record); err != nil {
		// 记录失败时不留下孤立的媒体文件
		if rmErr := b.media.Remove(ref); rmErr != nil {
			b.log.Warn("remove orphan media failed", logger.String("ref", ref), logger.ErrorField(rmErr))
		}
		return nil, fmt.Errorf("save download record: %w", err)
	}

	b.dropScratch(entry)
	b.log.Info("content persisted",
		logger.String("contentId", record.ContentID),
		logger.String("ref", ref))
	return record, nil
}

// Download 已下载的直接返回，不解密也不拉取
func (b *Bridge) Download(ctx context.Context, identity model.Identity, track model.SharedTrack) (*model.DownloadedEntry, error) {
	if existing, err := b.Lookup(ctx, track.ContentID); err != nil || existing != nil {
		return existing, err
	}

	release, err := b.cache.Flight().TryStart()
	if err != nil {
		return nil, err
	}
	defer release()

	entry, err := b.cache.Materialize(ctx, track.ContentRef(), identity, track.Title)
	if err != nil {
		return nil, err
	}
	return b.Persist(ctx, entry, MetadataFrom(track))
}

func (b *Bridge) dropScratch(entry *model.CacheEntry) {
	if err := b.cache.Remove(entry); err != nil {
		b.log.Warn("remove scratch file failed", logger.String("path", entry.LocalPath), logger.ErrorField(err))
	}
}
