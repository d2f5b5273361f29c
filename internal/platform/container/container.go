package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/bitb-ltd/retrieval/internal/core/chunk"
	"github.com/bitb-ltd/retrieval/internal/core/embedding"
	"github.com/bitb-ltd/retrieval/internal/core/retrieval"
	"github.com/bitb-ltd/retrieval/internal/core/search"
	"github.com/bitb-ltd/retrieval/internal/infra/bleveindex"
	"github.com/bitb-ltd/retrieval/internal/infra/embedhttp"
	"github.com/bitb-ltd/retrieval/internal/infra/openai"
	"github.com/bitb-ltd/retrieval/internal/infra/postgres"
	"github.com/bitb-ltd/retrieval/internal/infra/rediscache"
	"github.com/bitb-ltd/retrieval/pkg/config"
	"github.com/bitb-ltd/retrieval/pkg/db"
)

// Container はアプリケーションの依存関係を構築して保持する。
// CLIの各コマンドはここから組み立て済みのユースケースを取り出す。
type Container struct {
	Logger         *slog.Logger
	Database       *db.DB
	Generator      *embedding.Generator
	VectorStore    *postgres.VectorStore
	KeywordIndex   *bleveindex.KeywordIndex
	Hybrid         *search.Hybrid
	Pipeline       *retrieval.Pipeline
	BatchRetriever *retrieval.BatchRetriever

	redisClient *redis.Client
}

// New は設定から全依存を組み立てる。
func New(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*Container, error) {
	database, err := db.New(ctx, db.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	c := &Container{
		Logger:   logger,
		Database: database,
	}

	client, err := newEmbeddingClient(cfg)
	if err != nil {
		database.Close()
		return nil, err
	}

	cache, redisClient := newEmbeddingCache(cfg, logger)
	c.redisClient = redisClient

	metrics := embedding.NewMetrics(prometheus.DefaultRegisterer)

	generator, err := embedding.NewGenerator(client,
		&embedding.Config{
			BatchSize:      cfg.Embedding.BatchSize,
			MaxParallel:    cfg.Embedding.MaxParallel,
			MaxRetries:     cfg.Embedding.MaxRetries,
			RetryBaseDelay: embedding.DefaultConfig().RetryBaseDelay,
			Quantize:       cfg.Embedding.Quantize,
			MaxTokens:      cfg.Embedding.MaxTokens,
		},
		embedding.WithCache(cache),
		embedding.WithMetrics(metrics),
		embedding.WithGeneratorLogger(logger),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("Embeddingジェネレータの初期化に失敗: %w", err)
	}
	c.Generator = generator

	chunker, err := chunk.NewSemanticChunker(generator,
		&chunk.Config{
			ChunkSize:            cfg.Chunker.ChunkSize,
			MinChunkSize:         cfg.Chunker.MinChunkSize,
			BufferSize:           cfg.Chunker.BufferSize,
			BreakpointPercentile: cfg.Chunker.BreakpointPercentile,
		},
		chunk.WithChunkerLogger(logger),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("チャンカーの初期化に失敗: %w", err)
	}

	vectorStore, err := postgres.NewVectorStore(database.Pool, cfg.Embedding.Dimension,
		postgres.WithVectorStoreLogger(logger))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("ベクトルストアの初期化に失敗: %w", err)
	}
	c.VectorStore = vectorStore

	c.KeywordIndex = bleveindex.NewKeywordIndex(cfg.KeywordIndexDir,
		bleveindex.WithKeywordIndexLogger(logger))

	c.Hybrid = search.NewHybrid(vectorStore, c.KeywordIndex, generator,
		search.WithAlpha(cfg.Search.Alpha),
		search.WithHybridLogger(logger),
	)

	extractors, err := newExtractors(cfg, logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.Pipeline = retrieval.NewPipeline(chunker, generator, vectorStore, c.KeywordIndex, c.Hybrid,
		retrieval.WithExtractors(extractors...),
		retrieval.WithPipelineLogger(logger),
	)

	batchRetriever, err := retrieval.NewBatchRetriever(c.Pipeline,
		retrieval.WithCacheTTL(cfg.Batch.CacheTTL),
		retrieval.WithBatchConcurrency(cfg.Batch.Concurrency),
		retrieval.WithBatchLogger(logger),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("バッチリトリーバーの初期化に失敗: %w", err)
	}
	c.BatchRetriever = batchRetriever

	return c, nil
}

// newEmbeddingClient は設定に応じたEmbeddingクライアントを返す。
func newEmbeddingClient(cfg *config.Config) (embedding.Client, error) {
	switch cfg.Embedding.Provider {
	case "http":
		client, err := embedhttp.NewClient(cfg.Embedding.ServiceURL, cfg.Embedding.Model, cfg.Embedding.Dimension)
		if err != nil {
			return nil, fmt.Errorf("Embeddingサービスクライアントの初期化に失敗: %w", err)
		}
		return client, nil
	case "openai":
		if cfg.Embedding.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY が未設定です")
		}
		return openai.NewEmbedder(cfg.Embedding.OpenAIAPIKey,
			openai.WithEmbeddingModel(cfg.Embedding.Model),
			openai.WithEmbeddingDimension(cfg.Embedding.Dimension),
		), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Embedding.Provider)
	}
}

// newEmbeddingCache はRedisが構成されていれば共有キャッシュを、
// そうでなければプロセス内キャッシュを返す。
func newEmbeddingCache(cfg *config.Config, logger *slog.Logger) (embedding.Cache, *redis.Client) {
	if cfg.Redis.Addr == "" {
		return embedding.NewMapCache(0), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	cache := rediscache.NewCache(client,
		rediscache.WithTTL(cfg.Redis.TTL),
		rediscache.WithLogger(logger),
	)
	return cache, client
}

// newExtractors は設定された種別のエンリッチメント抽出器を構築する。
func newExtractors(cfg *config.Config, logger *slog.Logger) ([]retrieval.Extractor, error) {
	if len(cfg.Extractors) == 0 {
		return nil, nil
	}
	if cfg.Embedding.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY が未設定のためエンリッチメント抽出器を無効化")
		return nil, nil
	}

	extractors := make([]retrieval.Extractor, 0, len(cfg.Extractors))
	for _, name := range cfg.Extractors {
		ex, err := openai.NewExtractor(cfg.Embedding.OpenAIAPIKey, retrieval.ExtractorKind(name))
		if err != nil {
			return nil, fmt.Errorf("抽出器 %s の初期化に失敗: %w", name, err)
		}
		extractors = append(extractors, ex)
	}
	return extractors, nil
}

// Close は保持するリソースを解放する。
func (c *Container) Close() {
	if c.BatchRetriever != nil {
		c.BatchRetriever.Close()
	}
	if c.KeywordIndex != nil {
		if err := c.KeywordIndex.Close(); err != nil {
			c.Logger.Warn("キーワードインデックスのクローズに失敗", "error", err)
		}
	}
	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			c.Logger.Warn("Redisクライアントのクローズに失敗", "error", err)
		}
	}
	if c.Database != nil {
		c.Database.Close()
	}
}
