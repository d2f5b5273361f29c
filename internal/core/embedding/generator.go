package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

var (
	// ErrNoEmbeddings はサービスがベクトルを返さなかった場合に返されます
	ErrNoEmbeddings = errors.New("no embeddings generated")

	// ErrDimensionMismatch は設定されたモデル次元と異なるベクトルを
	// 受け取った場合に返されます
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// ServiceError はEmbeddingサービス呼び出しがリトライ予算を使い切った
// 後も失敗したことを表します。該当バッチのテキストはハード失敗となり、
// ベクトルが黙って欠落することはありません。
type ServiceError struct {
	Batch int
	Err   error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("embedding service failed for batch %d: %s", e.Batch, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Client はEmbeddingサービスのクライアントインターフェース。
// OpenAIバックエンド（internal/infra/openai）と自前HTTPサービス
// （internal/infra/embedhttp）が実装する。
type Client interface {
	// EmbedBatch は1バッチ分のテキストのEmbeddingを生成する
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// ModelName はモデル名を返す
	ModelName() string
	// Dimension はベクトル次元数を返す
	Dimension() int
	// MaxBatchSize はサービスが受け付ける最大バッチサイズを返す
	MaxBatchSize() int
}

// Config はバッチEmbedding生成の設定
type Config struct {
	// BatchSize は1回のサービス呼び出しに載せるテキスト数
	BatchSize int
	// MaxParallel は同時に処理するバッチ数の上限
	MaxParallel int
	// MaxRetries はバッチごとのリトライ回数の上限
	MaxRetries int
	// RetryBaseDelay はリトライの初期遅延（指数バックオフ）
	RetryBaseDelay time.Duration
	// Quantize は量子化（1バイト/次元）を有効にする
	Quantize bool
	// MaxTokens はサービスへ渡す前にテキストを切り詰めるトークン上限。
	// 0 の場合は切り詰めない。
	MaxTokens int
}

// DefaultConfig はデフォルトの生成設定を返す
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      64,
		MaxParallel:    4,
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
		Quantize:       false,
		MaxTokens:      8191,
	}
}

// Generator は複数テキストのEmbeddingを、バッチ分割・並列実行・
// リトライ付きで生成する。
type Generator struct {
	client  Client
	config  *Config
	cache   Cache
	metrics *Metrics
	encoder *tiktoken.Tiktoken
	logger  *slog.Logger

	// クライアントの上限でクリップ済みの実効バッチサイズ
	effectiveBatchSize int
}

// GeneratorOption は Generator のオプション設定
type GeneratorOption func(*Generator)

// WithGeneratorLogger はロガーを設定する
func WithGeneratorLogger(logger *slog.Logger) GeneratorOption {
	return func(g *Generator) {
		g.logger = logger
	}
}

// WithCache はEmbeddingキャッシュを設定する
func WithCache(cache Cache) GeneratorOption {
	return func(g *Generator) {
		g.cache = cache
	}
}

// WithMetrics はメトリクスを設定する
func WithMetrics(metrics *Metrics) GeneratorOption {
	return func(g *Generator) {
		g.metrics = metrics
	}
}

// NewGenerator は新しい Generator を作成する
func NewGenerator(client Client, config *Config, opts ...GeneratorOption) (*Generator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 || config.MaxParallel <= 0 || config.MaxRetries <= 0 {
		return nil, fmt.Errorf("invalid generator config: batch size, max parallel, max retries must be > 0")
	}

	effective := config.BatchSize
	if max := client.MaxBatchSize(); max > 0 && effective > max {
		effective = max
	}

	g := &Generator{
		client:             client,
		config:             config,
		logger:             slog.Default(),
		effectiveBatchSize: effective,
	}
	for _, opt := range opts {
		opt(g)
	}

	if config.MaxTokens > 0 {
		encoder, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get tiktoken encoder: %w", err)
		}
		g.encoder = encoder
	}

	return g, nil
}

// Dimension は設定されたモデル次元を返す
func (g *Generator) Dimension() int {
	return g.client.Dimension()
}

// ModelName はモデル名を返す
func (g *Generator) ModelName() string {
	return g.client.ModelName()
}

// Quantized は量子化が有効かどうかを返す
func (g *Generator) Quantized() bool {
	return g.config.Quantize
}

// EmbedBatch はN個のテキストをN個のベクトルへ変換する。
// 同一テキストはリクエスト内で重複排除され、順序を保って復元される。
// いずれかのバッチがリトライ上限まで失敗した場合、呼び出し全体が
// 失敗する（部分的なベクトル欠落を許さない）。
func (g *Generator) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	start := time.Now()
	defer func() {
		if g.metrics != nil {
			g.metrics.RequestDuration.Observe(time.Since(start).Seconds())
		}
	}()

	// 順序を保った重複排除
	uniq := make([]string, 0, len(texts))
	uniqIndex := make(map[string]int, len(texts))
	indices := make([]int, len(texts))
	for i, t := range texts {
		idx, ok := uniqIndex[t]
		if !ok {
			idx = len(uniq)
			uniqIndex[t] = idx
			uniq = append(uniq, t)
		}
		indices[i] = idx
	}

	results := make([][]float32, len(uniq))

	// キャッシュ照会
	missing := make([]int, 0, len(uniq))
	for i, t := range uniq {
		if g.cache != nil {
			if vec, ok := g.cache.Get(ctx, CacheKey(g.client.ModelName(), t)); ok {
				results[i] = vec
				if g.metrics != nil {
					g.metrics.CacheHitsTotal.Inc()
				}
				continue
			}
			if g.metrics != nil {
				g.metrics.CacheMissTotal.Inc()
			}
		}
		missing = append(missing, i)
	}

	if err := g.embedMissing(ctx, uniq, missing, results); err != nil {
		return nil, err
	}

	// 元の順序へ写像
	out := make([][]float32, len(texts))
	for i, idx := range indices {
		out[i] = results[idx]
	}

	g.logger.Debug("Embedding生成完了",
		"texts", len(texts),
		"unique", len(uniq),
		"missing", len(missing),
		"duration", time.Since(start),
	)

	return out, nil
}

// embedMissing はキャッシュに無いテキストをバッチ分割して埋め込み、
// results の該当位置へ書き込む。
func (g *Generator) embedMissing(ctx context.Context, uniq []string, missing []int, results [][]float32) error {
	if len(missing) == 0 {
		return nil
	}

	type batch struct {
		ordinal int
		indices []int
	}

	batches := make([]batch, 0, (len(missing)+g.effectiveBatchSize-1)/g.effectiveBatchSize)
	for i := 0; i < len(missing); i += g.effectiveBatchSize {
		end := i + g.effectiveBatchSize
		if end > len(missing) {
			end = len(missing)
		}
		batches = append(batches, batch{ordinal: len(batches), indices: missing[i:end]})
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	semaphore := make(chan struct{}, g.config.MaxParallel)

	for _, b := range batches {
		wg.Add(1)
		go func(b batch) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				mu.Lock()
				if firstErr == nil {
					firstErr = ctx.Err()
				}
				mu.Unlock()
				return
			}

			texts := make([]string, len(b.indices))
			for i, idx := range b.indices {
				texts[i] = g.truncate(uniq[idx])
			}

			batchStart := time.Now()
			var vectors [][]float32
			err := retryWithBackoff(ctx, func() error {
				var callErr error
				vectors, callErr = g.client.EmbedBatch(ctx, texts)
				if callErr != nil {
					return callErr
				}
				if len(vectors) != len(texts) {
					return fmt.Errorf("%w: expected %d vectors, got %d", ErrNoEmbeddings, len(texts), len(vectors))
				}
				for _, v := range vectors {
					if len(v) != g.client.Dimension() {
						return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, g.client.Dimension(), len(v))
					}
				}
				return nil
			}, g.config.MaxRetries, g.config.RetryBaseDelay, g.logger)

			if g.metrics != nil {
				g.metrics.BatchesTotal.Inc()
				g.metrics.TextsTotal.Add(float64(len(texts)))
				g.metrics.BatchDuration.Observe(time.Since(batchStart).Seconds())
			}

			if err != nil {
				if g.metrics != nil {
					g.metrics.FailuresTotal.Inc()
				}
				g.logger.Error("バッチEmbedding生成に失敗（リトライ上限到達）",
					"batch", b.ordinal,
					"batchSize", len(texts),
					"error", err,
				)
				mu.Lock()
				if firstErr == nil {
					firstErr = &ServiceError{Batch: b.ordinal, Err: err}
				}
				mu.Unlock()
				return
			}

			for i, idx := range b.indices {
				vec := vectors[i]
				if g.config.Quantize {
					// 保存表現に合わせて精度を量子化で丸める
					vec = Dequantize(Quantize(vec))
				}
				results[idx] = vec
				if g.cache != nil {
					g.cache.Set(ctx, CacheKey(g.client.ModelName(), uniq[idx]), vec)
				}
			}
		}(b)
	}

	wg.Wait()
	return firstErr
}

// truncate はテキストをモデルのトークン上限まで切り詰める。
func (g *Generator) truncate(text string) string {
	if g.encoder == nil {
		return text
	}
	tokens := g.encoder.Encode(text, nil, nil)
	if len(tokens) <= g.config.MaxTokens {
		return text
	}
	return g.encoder.Decode(tokens[:g.config.MaxTokens])
}
