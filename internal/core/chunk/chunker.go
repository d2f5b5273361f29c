package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/bitb-ltd/retrieval/internal/core/embedding"
)

// Chunk は分割結果の1チャンクを表す。
// StartSentence/EndSentence は元ドキュメント内の文範囲 [start, end) で、
// 1ドキュメントの全チャンクは文範囲を隙間も重複もなく分割する。
type Chunk struct {
	Content        string
	StartSentence  int
	EndSentence    int
	SentenceCount  int
	CoherenceScore float64
}

// Embedder は文脈ウィンドウのEmbeddingをバッチ生成するインターフェース
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config はセマンティックチャンカーの設定
type Config struct {
	// ChunkSize はチャンクの目標最大文字数
	ChunkSize int
	// MinChunkSize はチャンクを確定できる最小文字数
	MinChunkSize int
	// BufferSize は文脈ウィンドウに含める前後の文数
	BufferSize int
	// BreakpointPercentile は類似度列の下側パーセンタイル（0-100）。
	// この閾値を下回る類似度がトピック転換の候補境界となる。
	BreakpointPercentile float64
}

// DefaultConfig はデフォルトのチャンカー設定を返す
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:            1000,
		MinChunkSize:         200,
		BufferSize:           1,
		BreakpointPercentile: 10,
	}
}

func (c *Config) validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be > 0", ErrInvalidConfig)
	}
	if c.MinChunkSize < 0 || c.MinChunkSize > c.ChunkSize {
		return fmt.Errorf("%w: min chunk size must be in [0, chunk size]", ErrInvalidConfig)
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("%w: buffer size must be >= 0", ErrInvalidConfig)
	}
	if c.BreakpointPercentile < 0 || c.BreakpointPercentile > 100 {
		return fmt.Errorf("%w: breakpoint percentile must be in [0, 100]", ErrInvalidConfig)
	}
	return nil
}

// FallbackCoherence はEmbedding失敗時のサイズベース分割で記録する
// 固定のコヒーレンススコア
const FallbackCoherence = 0.5

// SemanticChunker はEmbedding類似度のブレークポイントで
// ドキュメントを意味的にまとまったチャンクに分割する。
type SemanticChunker struct {
	embedder Embedder
	config   *Config
	logger   *slog.Logger
}

// SemanticChunkerOption は SemanticChunker のオプション設定
type SemanticChunkerOption func(*SemanticChunker)

// WithChunkerLogger はロガーを設定する
func WithChunkerLogger(logger *slog.Logger) SemanticChunkerOption {
	return func(c *SemanticChunker) {
		c.logger = logger
	}
}

// NewSemanticChunker は新しい SemanticChunker を作成する
func NewSemanticChunker(embedder Embedder, config *Config, opts ...SemanticChunkerOption) (*SemanticChunker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	c := &SemanticChunker{
		embedder: embedder,
		config:   config,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Chunk はドキュメント本文をチャンクに分割する。
// Embeddingサービスの失敗は取り込みを中断せず、サイズベース分割へ
// 劣化して処理を継続する。
func (c *SemanticChunker) Chunk(ctx context.Context, content string) ([]*Chunk, error) {
	sentences := SplitSentences(content)
	if len(sentences) == 0 {
		return nil, &ChunkerError{Op: "chunk", Err: ErrEmptyContent}
	}

	// 1文だけのドキュメントはコヒーレンス1.0の単一チャンク
	if len(sentences) == 1 {
		return []*Chunk{{
			Content:        sentences[0],
			StartSentence:  0,
			EndSentence:    1,
			SentenceCount:  1,
			CoherenceScore: 1.0,
		}}, nil
	}

	sims, err := c.similarities(ctx, sentences)
	if err != nil {
		c.logger.Warn("Embedding生成に失敗、サイズベース分割へ劣化",
			"sentences", len(sentences),
			"error", err,
		)
		return assemble(sentences, nil, nil, c.config, FallbackCoherence), nil
	}

	threshold := percentile(sims, c.config.BreakpointPercentile)

	// 類似度の低下はトピック転換を示す。閾値を厳密に下回る境界のみが
	// ブレークポイント候補となる（下側パーセンタイル）。
	breakpoints := make([]bool, len(sims))
	for i, s := range sims {
		breakpoints[i] = s < threshold
	}

	return assemble(sentences, sims, breakpoints, c.config, 0), nil
}

// similarities は各文の文脈ウィンドウを埋め込み、隣接ウィンドウ間の
// コサイン類似度列を返す。
func (c *SemanticChunker) similarities(ctx context.Context, sentences []string) ([]float64, error) {
	windows := make([]string, len(sentences))
	for i := range sentences {
		lo := i - c.config.BufferSize
		if lo < 0 {
			lo = 0
		}
		hi := i + c.config.BufferSize + 1
		if hi > len(sentences) {
			hi = len(sentences)
		}
		windows[i] = strings.Join(sentences[lo:hi], " ")
	}

	vectors, err := c.embedder.EmbedBatch(ctx, windows)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(windows) {
		return nil, fmt.Errorf("embedding count mismatch: expected %d, got %d", len(windows), len(vectors))
	}

	sims := make([]float64, len(sentences)-1)
	for i := 0; i < len(sentences)-1; i++ {
		sims[i] = embedding.Cosine(vectors[i], vectors[i+1])
	}
	return sims, nil
}

// assemble は文列をチャンクへ積み上げる。breakpoints が nil の場合は
// サイズのみで分割し、fallbackCoherence を固定スコアとして記録する。
func assemble(sentences []string, sims []float64, breakpoints []bool, cfg *Config, fallbackCoherence float64) []*Chunk {
	chunks := make([]*Chunk, 0, 4)

	start := 0
	curLen := 0
	var interior []float64 // チャンク内部の隣接文類似度

	finalize := func(end int) {
		content := strings.Join(sentences[start:end], " ")
		score := fallbackCoherence
		if breakpoints != nil {
			score = mean(interior, 1.0)
		}
		chunks = append(chunks, &Chunk{
			Content:        content,
			StartSentence:  start,
			EndSentence:    end,
			SentenceCount:  end - start,
			CoherenceScore: score,
		})
		start = end
		curLen = 0
		interior = nil
	}

	for i, s := range sentences {
		// 次の文を足すとChunkSizeを超え、かつ最小サイズを満たしていれば確定
		if curLen > 0 && curLen+1+len(s) > cfg.ChunkSize && curLen >= cfg.MinChunkSize {
			finalize(i)
		}

		if curLen > 0 {
			curLen++ // 結合時の空白
		}
		curLen += len(s)
		if i > start && sims != nil {
			interior = append(interior, sims[i-1])
		}

		// ブレークポイントに到達し、最小サイズを満たしていれば確定
		if breakpoints != nil && i < len(sentences)-1 && breakpoints[i] && curLen >= cfg.MinChunkSize {
			finalize(i + 1)
		}
	}

	if start < len(sentences) {
		finalize(len(sentences))
	}

	return chunks
}

// percentile は値列の p パーセンタイルを線形補間で求める。
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// mean は値列の平均を返す。空の場合は empty を返す。
func mean(values []float64, empty float64) float64 {
	if len(values) == 0 {
		return empty
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// FixedSizeChunker は文を文字数のみで積み上げる単純なチャンカー。
// セマンティック分割を使わない構成向けで、コヒーレンスは固定値になる。
type FixedSizeChunker struct {
	config *Config
}

// NewFixedSizeChunker は新しい FixedSizeChunker を作成する
func NewFixedSizeChunker(config *Config) (*FixedSizeChunker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &FixedSizeChunker{config: config}, nil
}

// Chunk はドキュメント本文をサイズのみでチャンクに分割する。
func (c *FixedSizeChunker) Chunk(_ context.Context, content string) ([]*Chunk, error) {
	sentences := SplitSentences(content)
	if len(sentences) == 0 {
		return nil, &ChunkerError{Op: "chunk", Err: ErrEmptyContent}
	}
	if len(sentences) == 1 {
		return []*Chunk{{
			Content:        sentences[0],
			StartSentence:  0,
			EndSentence:    1,
			SentenceCount:  1,
			CoherenceScore: 1.0,
		}}, nil
	}
	return assemble(sentences, nil, nil, c.config, FallbackCoherence), nil
}
