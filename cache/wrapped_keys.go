package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ShareFM/core/contentcrypto"
	"ShareFM/logger"
	"ShareFM/model"

	"github.com/go-redis/redis/v8"
)

// 包裹密钥的键格式: sharefm:wrapped:<content_id>:<grantee>
const wrappedKeyFormat = "sharefm:wrapped:%s:%s"

// WrappedKeyCache 用 Redis 保存包裹密钥，多实例共享
type WrappedKeyCache struct {
	client  *redis.Client
	retries int
	backoff time.Duration
}

// NewWrappedKeyCache 创建 Redis 包裹密钥存储
func NewWrappedKeyCache(client *redis.Client) *WrappedKeyCache {
	return &WrappedKeyCache{client: client, retries: 2, backoff: 100 * time.Millisecond}
}

func wrappedKey(contentID, grantee string) string {
	return fmt.Sprintf(wrappedKeyFormat, model.CanonicalID(contentID), model.NormalizeAddress(grantee))
}

// Get 未命中返回 nil, nil
func (c *WrappedKeyCache) Get(ctx context.Context, contentID, grantee string) (*contentcrypto.Envelope, error) {
	key := wrappedKey(contentID, grantee)
	delay := c.backoff

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		data, err := c.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			lastErr = err
			logger.Warn("获取包裹密钥失败，准备重试",
				logger.String("key", key),
				logger.Int("attempt", attempt+1),
				logger.ErrorField(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2 // 指数退避
			continue
		}

		var env contentcrypto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// 损坏的记录直接丢弃，让调用方重新获取
			logger.Warn("包裹密钥记录损坏，已删除", logger.String("key", key), logger.ErrorField(err))
			_ = c.client.Del(ctx, key).Err()
			return nil, nil
		}
		return &env, nil
	}
	return nil, fmt.Errorf("get wrapped key %s: %w", key, lastErr)
}

// Put 包裹密钥不过期，撤销通过授权索引体现
func (c *WrappedKeyCache) Put(ctx context.Context, contentID, grantee string, env *contentcrypto.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	key := wrappedKey(contentID, grantee)
	if err := c.client.Set(ctx, key, data, 0).Err(); err != nil {
		logger.Error("保存包裹密钥失败", logger.String("key", key), logger.ErrorField(err))
		return err
	}
	logger.Debug("包裹密钥已缓存", logger.String("key", key))
	return nil
}
