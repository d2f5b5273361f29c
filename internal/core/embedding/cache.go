package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
)

// Cache はモデル・テキストをキーとしたEmbeddingベクトルのキャッシュ。
// Redis実装（internal/infra/rediscache）か、プロセス内の
// 有界マップ（MapCache）を差し込む。
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32)
}

// CacheKey はプロバイダ・モデル・テキストから決定的なキーを導出する。
func CacheKey(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return fmt.Sprintf("emb:%x", h.Sum(nil))
}

// MapCache はプロセス内の有界Embeddingキャッシュ。
// 上限到達時は全クリアする素朴な実装で、Redisが構成されていない
// 環境のフォールバックとして使う。
type MapCache struct {
	mu      sync.RWMutex
	entries map[string][]float32
	maxSize int
}

// NewMapCache は新しい MapCache を作成する
func NewMapCache(maxSize int) *MapCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MapCache{
		entries: make(map[string][]float32),
		maxSize: maxSize,
	}
}

func (c *MapCache) Get(_ context.Context, key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vec, ok := c.entries[key]
	return vec, ok
}

func (c *MapCache) Set(_ context.Context, key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.entries = make(map[string][]float32)
	}
	c.entries[key] = vec
}
