package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// Embedding生成設定
	Embedding EmbeddingConfig

	// Redis設定（Embeddingキャッシュ用、Addrが空なら未使用）
	Redis RedisConfig

	// チャンカー設定
	Chunker ChunkerConfig

	// ハイブリッド検索設定
	Search SearchConfig

	// バッチリトリーバー設定
	Batch BatchConfig

	// キーワードインデックスの永続化ディレクトリ
	KeywordIndexDir string

	// 有効化するエンリッチメント抽出器（カンマ区切り）
	Extractors []string
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// EmbeddingConfig はEmbedding生成設定
type EmbeddingConfig struct {
	// Provider は "openai" または "http"
	Provider string

	// OpenAI設定
	OpenAIAPIKey string

	// 自前ホストのEmbeddingサービス設定
	ServiceURL string

	Model     string
	Dimension int

	BatchSize   int
	MaxParallel int
	MaxRetries  int
	Quantize    bool
	MaxTokens   int
}

// RedisConfig はRedis接続設定
type RedisConfig struct {
	Addr string
	TTL  time.Duration
}

// ChunkerConfig はセマンティックチャンカーの設定
type ChunkerConfig struct {
	ChunkSize            int
	MinChunkSize         int
	BufferSize           int
	BreakpointPercentile float64
}

// SearchConfig はハイブリッド検索設定
type SearchConfig struct {
	Alpha float64
	TopK  int
}

// BatchConfig はバッチリトリーバー設定
type BatchConfig struct {
	CacheTTL    time.Duration
	Concurrency int
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "retrieval"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "retrieval"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Embedding: EmbeddingConfig{
			Provider:     getEnv("EMBEDDING_PROVIDER", "openai"),
			OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
			ServiceURL:   getEnv("EMBEDDING_SERVICE_URL", "http://localhost:8100"),
			Model:        getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimension:    getEnvAsInt("EMBEDDING_DIMENSION", 1536),
			BatchSize:    getEnvAsInt("EMBEDDING_BATCH_SIZE", 64),
			MaxParallel:  getEnvAsInt("EMBEDDING_MAX_PARALLEL", 4),
			MaxRetries:   getEnvAsInt("EMBEDDING_MAX_RETRIES", 3),
			Quantize:     getEnvAsBool("EMBEDDING_QUANTIZE", false),
			MaxTokens:    getEnvAsInt("EMBEDDING_MAX_TOKENS", 8191),
		},
		Redis: RedisConfig{
			Addr: getEnv("REDIS_ADDR", ""),
			TTL:  getEnvAsDuration("REDIS_CACHE_TTL", 24*time.Hour),
		},
		Chunker: ChunkerConfig{
			ChunkSize:            getEnvAsInt("CHUNK_SIZE", 1000),
			MinChunkSize:         getEnvAsInt("MIN_CHUNK_SIZE", 200),
			BufferSize:           getEnvAsInt("CHUNK_BUFFER_SIZE", 1),
			BreakpointPercentile: getEnvAsFloat("CHUNK_BREAKPOINT_PERCENTILE", 10),
		},
		Search: SearchConfig{
			Alpha: getEnvAsFloat("SEARCH_ALPHA", 0.5),
			TopK:  getEnvAsInt("SEARCH_TOP_K", 10),
		},
		Batch: BatchConfig{
			CacheTTL:    getEnvAsDuration("BATCH_CACHE_TTL", 5*time.Minute),
			Concurrency: getEnvAsInt("BATCH_CONCURRENCY", 8),
		},
		KeywordIndexDir: getEnv("KEYWORD_INDEX_DIR", "/var/lib/retrieval/indexes"),
		Extractors:      getEnvAsList("EXTRACTORS", nil),
	}

	return cfg, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList はカンマ区切りの環境変数をリストとして取得します
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
