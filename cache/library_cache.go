package cache

import (
	"context"
	"sync"
	"time"

	"ShareFM/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultLibraryTTL 共享列表的缓存有效期
const DefaultLibraryTTL = 120 * time.Second

const refreshTimeout = 60 * time.Second

// Fetcher 从索引拉取最新数据
type Fetcher[T any] func(ctx context.Context) (T, error)

// LoadResult 一次加载的结果
type LoadResult[T any] struct {
	Value      T
	FromCache  bool // 返回的是缓存数据
	Stale      bool // 缓存已过期或不完整
	Refreshing bool // 已在后台刷新
	Loading    bool // 无缓存，本次同步拉取
}

type libraryEntry[T any] struct {
	fetchedAt time.Time
	payload   T
}

// LibraryCache 共享列表的 stale-while-revalidate 缓存。
// 有缓存时立即返回，过期后在后台刷新；后台结果只有在视图仍然关注同一个 key 时才提交。
// view 标识一个调用方的一个页面，多用户时由调用方把用户编进 view。
type LibraryCache[T any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	now        func() time.Time
	incomplete func(T) bool
	entries    map[string]libraryEntry[T]
	focus      map[string]string // view -> key

	group singleflight.Group
	wg    sync.WaitGroup
	log   *zap.Logger
}

// LibraryOption 配置项
type LibraryOption[T any] func(*LibraryCache[T])

// WithClock 注入时钟，测试用
func WithClock[T any](now func() time.Time) LibraryOption[T] {
	return func(c *LibraryCache[T]) { c.now = now }
}

// WithIncomplete 判断缓存数据是否不完整（例如有曲目缺少元数据），不完整视为过期
func WithIncomplete[T any](fn func(T) bool) LibraryOption[T] {
	return func(c *LibraryCache[T]) { c.incomplete = fn }
}

// NewLibraryCache ttl <= 0 时使用 DefaultLibraryTTL
func NewLibraryCache[T any](ttl time.Duration, opts ...LibraryOption[T]) *LibraryCache[T] {
	if ttl <= 0 {
		ttl = DefaultLibraryTTL
	}
	c := &LibraryCache[T]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]libraryEntry[T]),
		focus:   make(map[string]string),
		log:     logger.Named("library-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Focus 记录视图当前关注的 key
func (c *LibraryCache[T]) Focus(view, key string) {
	c.mu.Lock()
	c.focus[view] = key
	c.mu.Unlock()
}

// Load 有缓存直接返回，过期或 force 时后台刷新；没有缓存时同步拉取
func (c *LibraryCache[T]) Load(ctx context.Context, view, key string, force bool, fetch Fetcher[T]) (LoadResult[T], error) {
	c.mu.Lock()
	c.focus[view] = key
	entry, ok := c.entries[key]
	c.mu.Unlock()

	if ok {
		stale := c.isStale(entry)
		res := LoadResult[T]{Value: entry.payload, FromCache: true, Stale: stale}
		if stale || force {
			c.refresh(ctx, view, key, fetch)
			res.Refreshing = true
		}
		return res, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return fetch(ctx)
	})
	if err != nil {
		var zero T
		return LoadResult[T]{Value: zero, Loading: true}, err
	}
	value := v.(T)
	c.store(key, value)
	return LoadResult[T]{Value: value, Loading: true}, nil
}

// Peek 读取缓存，不触发刷新
func (c *LibraryCache[T]) Peek(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return entry.payload, ok
}

// Invalidate 删除缓存
func (c *LibraryCache[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Wait 等待所有后台刷新结束
func (c *LibraryCache[T]) Wait() {
	c.wg.Wait()
}

func (c *LibraryCache[T]) isStale(entry libraryEntry[T]) bool {
	if entry.fetchedAt.IsZero() || c.now().Sub(entry.fetchedAt) >= c.ttl {
		return true
	}
	return c.incomplete != nil && c.incomplete(entry.payload)
}

func (c *LibraryCache[T]) store(key string, value T) {
	c.mu.Lock()
	c.entries[key] = libraryEntry[T]{fetchedAt: c.now(), payload: value}
	c.mu.Unlock()
}

func (c *LibraryCache[T]) refresh(ctx context.Context, view, key string, fetch Fetcher[T]) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// 后台刷新不随请求结束而取消
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		v, err, _ := c.group.Do(key, func() (interface{}, error) {
			return fetch(rctx)
		})
		if err != nil {
			// 刷新失败保留旧数据
			c.log.Warn("background refresh failed", logger.String("key", key), logger.ErrorField(err))
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.focus[view] != key {
			c.log.Debug("discard refresh for unfocused key",
				logger.String("view", view), logger.String("key", key), logger.String("focus", c.focus[view]))
			return
		}
		c.entries[key] = libraryEntry[T]{fetchedAt: c.now(), payload: v.(T)}
	}()
}
