package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"ShareFM/cache"
	"ShareFM/config"
	"ShareFM/core/contentcrypto"
	"ShareFM/core/download"
	"ShareFM/core/index"
	"ShareFM/core/keywrap"
	"ShareFM/core/share"
	"ShareFM/db"
	"ShareFM/logger"
	"ShareFM/repository"
	"ShareFM/storage"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// App 把各模块按配置组装起来，服务端和命令行共用
type App struct {
	Cfg     *config.Config
	Index   *index.Client
	Keys    *contentcrypto.KeyStore
	Keywrap *keywrap.Service
	Engine  *contentcrypto.Engine
	Content *cache.ContentCache
	Bridge  *download.Bridge
	Share   *share.Service
	Pieces  *storage.MinioPieceStore // 未配置 MinIO 时为 nil

	// 实际接入的后端，降级时为 nil
	redisClient *redis.Client
	gormDB      *gorm.DB
	closers     []func() error
}

// New 可选依赖（MySQL、Redis、MinIO）连不上时降级并记日志
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Cfg: cfg}

	for _, dir := range []string{cfg.DataDir, cfg.ScratchDir, cfg.LibraryDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	idxOpts := index.Options{
		AccessURL:   cfg.AccessIndexURL,
		PlaylistURL: cfg.PlaylistIndexURL,
		BatchSize:   cfg.IndexBatchSize,
		Timeout:     cfg.IndexTimeout,
	}
	if cfg.RegistryRPCURL != "" && cfg.RegistryContract != "" {
		idxOpts.Registry = index.NewRPCRegistry(cfg.RegistryRPCURL, cfg.RegistryContract, nil)
	}
	a.Index = index.NewClient(idxOpts)

	a.Keys = contentcrypto.NewKeyStore(cfg.KeyPairPath, nil)
	// 密钥对只由 keypair 命令生成，这里缺失时解密会返回 ErrMissingKeyPair
	if kp, err := a.Keys.Load(); err != nil {
		logger.Warn("content keypair unavailable, run `sharefm keypair` to create one", logger.ErrorField(err))
	} else {
		logger.Info("content keypair loaded", logger.String("publicKey", kp.PublicHex()))
	}
	a.Keywrap = keywrap.NewService(keywrap.Options{
		AgentURL:   cfg.KeywrapURL,
		GatewayURL: cfg.GatewayURL,
		Store:      a.wrappedKeyStore(),
	})

	var pieces storage.Chain
	if cfg.MinioEndpoint != "" {
		store, err := storage.NewMinioPieceStore(ctx, cfg)
		if err != nil {
			logger.Warn("MinIO unavailable, using gateway only", logger.ErrorField(err))
		} else {
			a.Pieces = store
			pieces = append(pieces, store)
		}
	}
	pieces = append(pieces, storage.NewGatewayFetcher(cfg.GatewayURL, cfg.GatewayFallbacks, &http.Client{Timeout: cfg.IndexTimeout * 3}))

	a.Engine = contentcrypto.NewEngine(a.Keys, a.Keywrap, pieces, nil)
	a.Content = cache.NewContentCache(cfg.ScratchDir, a.Engine, cache.NewFlight(filepath.Join(cfg.ScratchDir, ".inflight.lock")))
	a.Bridge = download.NewBridge(a.downloadRepository(), download.NewFileMediaStore(cfg.LibraryDir), a.Content)
	a.Share = share.NewService(share.Options{
		Index:   a.Index,
		Content: a.Content,
		Bridge:  a.Bridge,
		TTL:     cfg.LibraryCacheTTL,
	})
	return a, nil
}

func (a *App) wrappedKeyStore() keywrap.Store {
	if a.Cfg.WrappedKeyStore == "redis" {
		if err := cache.ConnectRedis(a.Cfg); err != nil {
			logger.Warn("Redis unavailable, falling back to file store", logger.ErrorField(err))
		} else {
			a.redisClient = cache.RedisClient
			a.closers = append(a.closers, cache.CloseRedis)
			return cache.NewWrappedKeyCache(a.redisClient)
		}
	}
	return keywrap.NewFileStore(a.Cfg.WrappedKeysPath)
}

func (a *App) downloadRepository() repository.DownloadRepository {
	if err := db.ConnectGormDB(a.Cfg); err != nil {
		logger.Warn("MySQL unavailable, download index kept in memory", logger.ErrorField(err))
		return repository.NewMemoryDownloadRepository()
	}
	a.gormDB = db.GormDB
	a.closers = append(a.closers, db.CloseGormDB)
	if err := db.AutoMigrate(); err != nil {
		logger.Warn("migrate download index failed", logger.ErrorField(err))
	}
	return repository.NewGormDownloadRepository(a.gormDB)
}

// Checks 健康检查项，只检查实际接入的后端
func (a *App) Checks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"keypair": func(context.Context) error {
			_, err := a.Keys.Load()
			return err
		},
	}
	if a.redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return cache.CheckRedis(ctx, a.redisClient) }
	}
	if a.gormDB != nil {
		checks["mysql"] = func(ctx context.Context) error {
			sqlDB, err := a.gormDB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}
	return checks
}

// Close 释放连接
func (a *App) Close() {
	a.Share.WaitRefresh()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close resource failed", logger.ErrorField(err))
		}
	}
	logger.Sync()
}
