package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bitb-ltd/retrieval/internal/core/chunk"
	"github.com/bitb-ltd/retrieval/internal/core/tenant"
)

// Chunker はドキュメントをチャンクへ分割するインターフェース
type Chunker interface {
	Chunk(ctx context.Context, content string) ([]*chunk.Chunk, error)
}

// Embedder はテキストバッチのEmbedding生成インターフェース
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// VectorStore はテナントスコープのベクトル永続化インターフェース
type VectorStore interface {
	Upsert(ctx context.Context, tenantID tenant.ID, chunks []*Chunk) error
	DeleteDocument(ctx context.Context, tenantID tenant.ID, docID string) error
	PurgeTenant(ctx context.Context, tenantID tenant.ID) error
}

// KeywordIndex はテナントスコープの全文インデックスインターフェース。
// 契約は VectorStore と対称。
type KeywordIndex interface {
	Upsert(ctx context.Context, tenantID tenant.ID, chunks []*Chunk) error
	DeleteDocument(ctx context.Context, tenantID tenant.ID, docID string) error
	PurgeTenant(ctx context.Context, tenantID tenant.ID) error
}

// Searcher はハイブリッド検索のインターフェース
type Searcher interface {
	Search(ctx context.Context, tenantID tenant.ID, req RetrievalRequest) ([]ScoredDocument, error)
}

// Extractor はチャンクテキストからメタデータを抽出する外部コラボレータ。
// 呼び出しごとに独立して失敗してよく、失敗は空のデフォルトで吸収される。
type Extractor interface {
	Kind() ExtractorKind
	ExtractBatch(ctx context.Context, texts []string) ([]ExtractResult, error)
}

// Pipeline は取り込みと検索のユースケースを提供する。
// ingest: チャンク化 → バッチEmbedding → エンリッチメント → 2ストアへ並行永続化。
// retrieve: ハイブリッド検索へ委譲。
type Pipeline struct {
	chunker    Chunker
	embedder   Embedder
	vector     VectorStore
	keyword    KeywordIndex
	searcher   Searcher
	extractors []Extractor
	logger     *slog.Logger
}

// PipelineOption は Pipeline のオプション設定
type PipelineOption func(*Pipeline)

// WithExtractors はエンリッチメント抽出器を設定する
func WithExtractors(extractors ...Extractor) PipelineOption {
	return func(p *Pipeline) {
		p.extractors = extractors
	}
}

// WithPipelineLogger はロガーを設定する
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline は新しい Pipeline を作成する
func NewPipeline(
	chunker Chunker,
	embedder Embedder,
	vector VectorStore,
	keyword KeywordIndex,
	searcher Searcher,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		chunker:  chunker,
		embedder: embedder,
		vector:   vector,
		keyword:  keyword,
		searcher: searcher,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest はドキュメントを取り込む。Embedding失敗（リトライ後）と
// いずれかのストアへの永続化失敗はドキュメント単位の致命的エラー、
// エンリッチメント失敗は非致命的で空デフォルトへ劣化する。
func (p *Pipeline) Ingest(ctx context.Context, tenantID tenant.ID, doc Document) (*IngestResult, error) {
	startTime := time.Now()

	// テナントスコープの検証はあらゆるI/Oの前に行う
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	if doc.Content == "" {
		return nil, ErrEmptyDocument
	}

	pieces, err := p.chunker.Chunk(ctx, doc.Content)
	if err != nil {
		return nil, fmt.Errorf("チャンク化に失敗: %w", err)
	}

	texts := make([]string, len(pieces))
	for i, piece := range pieces {
		texts[i] = piece.Content
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		// リトライ予算を使い切ったEmbedding失敗は取り込み全体を失敗させる
		return nil, &ExternalServiceError{Service: "embedding", Err: err}
	}
	if len(vectors) != len(pieces) {
		return nil, &ExternalServiceError{
			Service: "embedding",
			Err:     fmt.Errorf("expected %d vectors, got %d", len(pieces), len(vectors)),
		}
	}

	enrichments := p.enrich(ctx, texts)

	chunks := make([]*Chunk, len(pieces))
	for i, piece := range pieces {
		metadata := make(map[string]any, len(doc.Metadata)+len(enrichments))
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
		for kind, results := range enrichments {
			metadata[string(kind)] = results[i].Values
		}

		chunks[i] = &Chunk{
			ID:             uuid.New(),
			TenantID:       tenantID,
			Content:        piece.Content,
			Metadata:       metadata,
			StartSentence:  piece.StartSentence,
			EndSentence:    piece.EndSentence,
			SentenceCount:  piece.SentenceCount,
			CoherenceScore: piece.CoherenceScore,
			Embedding:      vectors[i],
		}
	}

	// 2ストアへの書き込みは並行実行され、順序は保証されない。
	// 両方が成功して初めて取り込みは永続とみなされる。
	var (
		wg     sync.WaitGroup
		vecErr error
		kwErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		vecErr = p.vector.Upsert(ctx, tenantID, chunks)
	}()
	go func() {
		defer wg.Done()
		kwErr = p.keyword.Upsert(ctx, tenantID, chunks)
	}()
	wg.Wait()

	if vecErr != nil {
		return nil, &StorageError{Store: "vector", Op: "upsert", Err: vecErr}
	}
	if kwErr != nil {
		return nil, &StorageError{Store: "keyword", Op: "upsert", Err: kwErr}
	}

	duration := time.Since(startTime)
	p.logger.Info("ドキュメントを取り込み",
		"tenant", tenantID,
		"chunks", len(chunks),
		"duration", duration,
	)

	return &IngestResult{
		ChunkCount: len(chunks),
		Duration:   duration,
	}, nil
}

// enrich は設定された抽出器をチャンクバッチごとに並行実行する。
// 抽出器の失敗は互いに独立で、失敗した抽出器の結果は空デフォルトになる。
func (p *Pipeline) enrich(ctx context.Context, texts []string) map[ExtractorKind][]ExtractResult {
	out := make(map[ExtractorKind][]ExtractResult, len(p.extractors))
	if len(p.extractors) == 0 {
		return out
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, ex := range p.extractors {
		wg.Add(1)
		go func(ex Extractor) {
			defer wg.Done()

			results, err := ex.ExtractBatch(ctx, texts)
			if err != nil || len(results) != len(texts) {
				if err != nil {
					p.logger.Warn("エンリッチメント抽出に失敗、空デフォルトで継続",
						"kind", ex.Kind(),
						"error", err,
					)
				} else {
					p.logger.Warn("エンリッチメント結果数が不一致、空デフォルトで継続",
						"kind", ex.Kind(),
						"expected", len(texts),
						"actual", len(results),
					)
				}
				results = make([]ExtractResult, len(texts))
			}

			mu.Lock()
			out[ex.Kind()] = results
			mu.Unlock()
		}(ex)
	}
	wg.Wait()

	return out
}

// Retrieve はハイブリッド検索へ委譲する。
func (p *Pipeline) Retrieve(ctx context.Context, tenantID tenant.ID, req RetrievalRequest) ([]ScoredDocument, error) {
	return p.searcher.Search(ctx, tenantID, req)
}

// DeleteDocument は両ストアからドキュメントを削除する。
func (p *Pipeline) DeleteDocument(ctx context.Context, tenantID tenant.ID, docID string) error {
	if err := tenant.Validate(tenantID); err != nil {
		return err
	}
	if err := p.vector.DeleteDocument(ctx, tenantID, docID); err != nil {
		return &StorageError{Store: "vector", Op: "delete", Err: err}
	}
	if err := p.keyword.DeleteDocument(ctx, tenantID, docID); err != nil {
		return &StorageError{Store: "keyword", Op: "delete", Err: err}
	}
	return nil
}

// PurgeTenant はテナントの全データを両ストアから削除する。
// チャンクが削除されるのはテナントパージ時のみ。
func (p *Pipeline) PurgeTenant(ctx context.Context, tenantID tenant.ID) error {
	if err := tenant.Validate(tenantID); err != nil {
		return err
	}
	if err := p.vector.PurgeTenant(ctx, tenantID); err != nil {
		return &StorageError{Store: "vector", Op: "purge", Err: err}
	}
	if err := p.keyword.PurgeTenant(ctx, tenantID); err != nil {
		return &StorageError{Store: "keyword", Op: "purge", Err: err}
	}
	return nil
}
