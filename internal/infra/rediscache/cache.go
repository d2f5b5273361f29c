package rediscache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bitb-ltd/retrieval/internal/core/embedding"
)

// DefaultTTL はキャッシュエントリの既定の有効期間
const DefaultTTL = 24 * time.Hour

// Cache は Redis を使った共有Embeddingキャッシュ。embedding.Cache を実装する。
// ベクトルはリトルエンディアンの4バイト/次元でエンコードして保存される。
// Redis障害はキャッシュミス扱いとし、Embedding生成自体は止めない。
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// CacheOption は Cache のオプション設定
type CacheOption func(*Cache)

// WithTTL はキャッシュエントリの有効期間を設定する
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// NewCache は新しい Cache を返す。
func NewCache(client redis.UniversalClient, opts ...CacheOption) *Cache {
	c := &Cache{
		client: client,
		ttl:    DefaultTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ embedding.Cache = (*Cache)(nil)

func (c *Cache) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Redisからの取得に失敗、キャッシュミス扱い", "key", key, "error", err)
		}
		return nil, false
	}
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, false
	}
	return embedding.DecodeFloat32(data), true
}

func (c *Cache) Set(ctx context.Context, key string, vec []float32) {
	data := embedding.EncodeFloat32(vec)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("Redisへの書き込みに失敗", "key", key, "error", err)
	}
}
