package share

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ShareFM/cache"
	"ShareFM/core/download"
	"ShareFM/core/reconcile"
	"ShareFM/logger"
	"ShareFM/model"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNotCached 本地既没有下载副本也没有解密缓存
var ErrNotCached = errors.New("content not available locally")

const (
	viewShared   = "shared"
	viewPlaylist = "playlist"
)

// Index 服务依赖的索引查询
type Index interface {
	reconcile.IndexSource
	FetchPlaylistShares(ctx context.Context, grantee string) ([]model.PlaylistShare, error)
}

// Options 服务依赖
type Options struct {
	Index   Index
	Content *cache.ContentCache
	Bridge  *download.Bridge
	TTL     time.Duration
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Service 播放层唯一使用的入口：解析、解密、下载
type Service struct {
	index      Index
	reconciler *reconcile.Reconciler
	content    *cache.ContentCache
	bridge     *download.Bridge
	library    *cache.LibraryCache[*model.SharedListing]
	playlists  *cache.LibraryCache[[]model.SharedTrack]
	log        *zap.Logger
}

// NewService 创建分享服务
func NewService(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = logger.Named("share")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		index:      opts.Index,
		reconciler: reconcile.NewReconciler(opts.Index, log.Named("reconcile")),
		content:    opts.Content,
		bridge:     opts.Bridge,
		library: cache.NewLibraryCache(opts.TTL,
			cache.WithClock[*model.SharedListing](clock)),
		playlists: cache.NewLibraryCache(opts.TTL,
			cache.WithClock[[]model.SharedTrack](clock),
			cache.WithIncomplete(tracksIncomplete)),
		log: log,
	}
}

func tracksIncomplete(tracks []model.SharedTrack) bool {
	for _, t := range tracks {
		if !t.Playable() {
			return true
		}
	}
	return false
}

// focusView 关注状态按接收方区分，多个用户同时访问时互不丢弃对方的后台刷新
func focusView(view, grantee string) string {
	return view + ":" + model.NormalizeAddress(grantee)
}

// ResolveSharedPlaylist 解析播放列表分享，检查点失败时返回错误
func (s *Service) ResolveSharedPlaylist(ctx context.Context, share model.PlaylistShare) ([]model.SharedTrack, error) {
	res, err := s.reconciler.ResolvePlaylist(ctx, share)
	if err != nil {
		return nil, err
	}
	s.logWarnings("playlist", share.CheckpointKey(), res.Warnings)
	return res.Tracks, nil
}

// ResolveSharedTracks 授权查询失败时降级为空列表，错误只记日志
func (s *Service) ResolveSharedTracks(ctx context.Context, grantee string) ([]model.SharedTrack, error) {
	res, err := s.reconciler.ResolveSharedTracks(ctx, grantee)
	if err != nil {
		s.log.Warn("grants unavailable, returning partial result",
			logger.String("grantee", grantee), logger.ErrorField(err))
	}
	s.logWarnings("tracks", grantee, res.Warnings)
	return res.Tracks, nil
}

func (s *Service) logWarnings(kind, key string, warnings []error) {
	for _, w := range warnings {
		s.log.Warn("index degraded", logger.String("kind", kind), logger.String("key", key), logger.ErrorField(w))
	}
}

// SharedLibrary 「分享给我」列表：授权曲目和播放列表分享并发拉取，一边失败另一边照常返回
func (s *Service) SharedLibrary(ctx context.Context, grantee string, force bool) (cache.LoadResult[*model.SharedListing], error) {
	grantee = model.NormalizeAddress(grantee)
	return s.library.Load(ctx, focusView(viewShared, grantee), grantee, force, func(ctx context.Context) (*model.SharedListing, error) {
		return s.fetchListing(ctx, grantee)
	})
}

func (s *Service) fetchListing(ctx context.Context, grantee string) (*model.SharedListing, error) {
	var (
		tracks    *reconcile.Resolution
		tracksErr error
		shares    []model.PlaylistShare
		sharesErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tracks, tracksErr = s.reconciler.ResolveSharedTracks(gctx, grantee)
		return nil
	})
	g.Go(func() error {
		shares, sharesErr = s.index.FetchPlaylistShares(gctx, grantee)
		return nil
	})
	_ = g.Wait()

	if tracksErr != nil && sharesErr != nil {
		return nil, fmt.Errorf("shared library for %s: %w", grantee, errors.Join(tracksErr, sharesErr))
	}

	listing := &model.SharedListing{Tracks: []model.SharedTrack{}, Playlists: []model.PlaylistShare{}}
	if tracks != nil {
		listing.Tracks = append(listing.Tracks, tracks.Tracks...)
		s.logWarnings("tracks", grantee, tracks.Warnings)
	}
	listing.Playlists = append(listing.Playlists, shares...)
	for _, err := range []error{tracksErr, sharesErr} {
		if err == nil {
			continue
		}
		s.log.Warn("partial shared library", logger.String("grantee", grantee), logger.ErrorField(err))
		listing.Warnings = append(listing.Warnings, fmt.Errorf("%w: %v", model.ErrPartialIndexFailure, err).Error())
	}
	return listing, nil
}

// PlaylistTracks 播放列表详情，键为检查点
func (s *Service) PlaylistTracks(ctx context.Context, share model.PlaylistShare, force bool) (cache.LoadResult[[]model.SharedTrack], error) {
	return s.playlists.Load(ctx, focusView(viewPlaylist, share.Grantee), share.CheckpointKey(), force, func(ctx context.Context) ([]model.SharedTrack, error) {
		return s.ResolveSharedPlaylist(ctx, share)
	})
}

// WaitRefresh 等待后台刷新结束
func (s *Service) WaitRefresh() {
	s.library.Wait()
	s.playlists.Wait()
}

// DecryptToCache 已下载的内容直接返回设备副本，不再解密
func (s *Service) DecryptToCache(ctx context.Context, identity model.Identity, ref model.ContentRef) (*model.CacheEntry, error) {
	return s.decrypt(ctx, identity, ref, "")
}

// DecryptTrack 同 DecryptToCache，标题用于推断 MIME
func (s *Service) DecryptTrack(ctx context.Context, identity model.Identity, track model.SharedTrack) (*model.CacheEntry, error) {
	return s.decrypt(ctx, identity, track.ContentRef(), track.Title)
}

func (s *Service) decrypt(ctx context.Context, identity model.Identity, ref model.ContentRef, title string) (*model.CacheEntry, error) {
	if entry, err := s.bridge.Lookup(ctx, ref.ContentID); err != nil {
		return nil, err
	} else if entry != nil {
		return downloadedAsCache(entry), nil
	}
	return s.content.Decrypt(ctx, ref, identity, title)
}

// Persist 把缓存条目写入设备媒体库
func (s *Service) Persist(ctx context.Context, entry *model.CacheEntry, meta download.Metadata) (*model.DownloadedEntry, error) {
	return s.bridge.Persist(ctx, entry, meta)
}

// Download 解密并持久化
func (s *Service) Download(ctx context.Context, identity model.Identity, track model.SharedTrack) (*model.DownloadedEntry, error) {
	return s.bridge.Download(ctx, identity, track)
}

// Local 本地可播放的文件，下载副本优先
func (s *Service) Local(ctx context.Context, contentID string) (*model.CacheEntry, error) {
	entry, err := s.bridge.Lookup(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return downloadedAsCache(entry), nil
	}
	if cached, ok := s.content.Lookup(contentID); ok {
		return cached, nil
	}
	return nil, ErrNotCached
}

func downloadedAsCache(entry *model.DownloadedEntry) *model.CacheEntry {
	return &model.CacheEntry{
		ContentID: entry.ContentID,
		LocalPath: entry.DeviceMediaRef,
		MimeType:  entry.MimeType,
	}
}
