package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ShareFM/cache"
	"ShareFM/config"
	"ShareFM/core/contentcrypto"
	"ShareFM/db"
	"ShareFM/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig MySQL 和 Redis 都指向不可达的端口
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		AccessIndexURL:   "http://127.0.0.1:1/access",
		PlaylistIndexURL: "http://127.0.0.1:1/playlists",
		IndexTimeout:     time.Second,
		GatewayURL:       "http://127.0.0.1:1",
		RedisHost:        "127.0.0.1",
		RedisPort:        "1",
		WrappedKeyStore:  "redis",
		DBHost:           "127.0.0.1",
		DBPort:           "1",
		DBUser:           "sharefm",
		DBName:           "sharefm",
		DataDir:          dir,
		ScratchDir:       filepath.Join(dir, "scratch"),
		LibraryDir:       filepath.Join(dir, "library"),
		KeyPairPath:      filepath.Join(dir, "keys", "keypair.json"),
		WrappedKeysPath:  filepath.Join(dir, "wrapped_keys.json"),
		LibraryCacheTTL:  time.Minute,
	}
}

func TestNewWithoutBackendsReportsHealthy(t *testing.T) {
	cfg := testConfig(t)
	_, _, err := contentcrypto.NewKeyStore(cfg.KeyPairPath, nil).LoadOrCreate()
	require.NoError(t, err)

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.Nil(t, db.GormDB)
	assert.Nil(t, cache.RedisClient)

	checks := a.Checks()
	assert.NotContains(t, checks, "mysql")
	assert.NotContains(t, checks, "redis")
	for name, check := range checks {
		assert.NoError(t, check(context.Background()), name)
	}
}

func TestNewDoesNotCreateKeyPair(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.NoFileExists(t, cfg.KeyPairPath)
	check, ok := a.Checks()["keypair"]
	require.True(t, ok)
	assert.ErrorIs(t, check(context.Background()), model.ErrMissingKeyPair)
}

func TestNewChecksConnectedRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisHost, cfg.RedisPort = mr.Host(), mr.Port()

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	checks := a.Checks()
	require.Contains(t, checks, "redis")
	assert.NoError(t, checks["redis"](context.Background()))
	assert.NotContains(t, checks, "mysql")
}
