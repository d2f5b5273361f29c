package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bitb-ltd/retrieval/internal/core/retrieval"
	"github.com/bitb-ltd/retrieval/internal/core/tenant"
)

// DefaultAlpha はベクトル類似度とキーワード適合度の融合重みの既定値
const DefaultAlpha = 0.5

// DefaultTopK は件数未指定時の既定値
const DefaultTopK = 10

// VectorSearcher はベクトルストアの検索インターフェース
type VectorSearcher interface {
	Query(ctx context.Context, tenantID tenant.ID, vector []float32, topK int, filter map[string]string) ([]retrieval.ScoredDocument, error)
}

// KeywordSearcher はキーワードインデックスの検索インターフェース
type KeywordSearcher interface {
	Query(ctx context.Context, tenantID tenant.ID, query string, topK int, filter map[string]string) ([]retrieval.ScoredDocument, error)
}

// Embedder はクエリのEmbedding生成インターフェース
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Reranker は融合後のリストを再順位付けするオプショナルなステージ。
// 同数以下のリストを返す。
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []retrieval.ScoredDocument) ([]retrieval.ScoredDocument, error)
}

// Hybrid はベクトル検索とキーワード検索を並行実行し、
// スコア融合で1つのランキングへ統合する。
type Hybrid struct {
	vector   VectorSearcher
	keyword  KeywordSearcher
	embedder Embedder
	reranker Reranker
	alpha    float64
	logger   *slog.Logger
}

// HybridOption は Hybrid のオプション設定
type HybridOption func(*Hybrid)

// WithAlpha は融合重みを設定する（既定 0.5）
func WithAlpha(alpha float64) HybridOption {
	return func(h *Hybrid) {
		h.alpha = alpha
	}
}

// WithReranker は再順位付けステージを設定する
func WithReranker(r Reranker) HybridOption {
	return func(h *Hybrid) {
		h.reranker = r
	}
}

// WithHybridLogger はロガーを設定する
func WithHybridLogger(logger *slog.Logger) HybridOption {
	return func(h *Hybrid) {
		h.logger = logger
	}
}

// NewHybrid は新しい Hybrid を作成する
func NewHybrid(vector VectorSearcher, keyword KeywordSearcher, embedder Embedder, opts ...HybridOption) *Hybrid {
	h := &Hybrid{
		vector:   vector,
		keyword:  keyword,
		embedder: embedder,
		alpha:    DefaultAlpha,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// legResult は検索1系統の結果
type legResult struct {
	docs []retrieval.ScoredDocument
	err  error
}

// Search はハイブリッド検索を実行する。
// 両系統は並行に実行され、マージは両結果が揃った時点で決定的に行われる。
// 片系統の失敗はもう一方の結果へ劣化し、両系統の失敗のみがエラーになる。
func (h *Hybrid) Search(ctx context.Context, tenantID tenant.ID, req retrieval.RetrievalRequest) ([]retrieval.ScoredDocument, error) {
	// テナントスコープの検証はあらゆるI/Oの前に行う
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	if req.Query == "" {
		return nil, retrieval.ErrEmptyQuery
	}

	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	vectors, err := h.embedder.EmbedBatch(ctx, []string{req.Query})
	if err != nil {
		return nil, &retrieval.ExternalServiceError{Service: "embedding", Err: err}
	}
	if len(vectors) != 1 {
		return nil, &retrieval.ExternalServiceError{Service: "embedding", Err: fmt.Errorf("expected 1 query vector, got %d", len(vectors))}
	}
	queryVector := vectors[0]

	var (
		wg     sync.WaitGroup
		vecRes legResult
		kwRes  legResult
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		vecRes.docs, vecRes.err = h.vector.Query(ctx, tenantID, queryVector, topK, req.Filter)
	}()
	go func() {
		defer wg.Done()
		kwRes.docs, kwRes.err = h.keyword.Query(ctx, tenantID, req.Query, topK, req.Filter)
	}()
	wg.Wait()

	if vecRes.err != nil && kwRes.err != nil {
		return nil, fmt.Errorf("hybrid search failed on both legs: vector: %w; keyword: %v", vecRes.err, kwRes.err)
	}
	if vecRes.err != nil {
		h.logger.Warn("ベクトル検索に失敗、キーワード結果のみで継続", "error", vecRes.err)
	}
	if kwRes.err != nil {
		h.logger.Warn("キーワード検索に失敗、ベクトル結果のみで継続", "error", kwRes.err)
	}

	merged := h.fuse(vecRes.docs, kwRes.docs, topK)

	if h.reranker != nil {
		reranked, err := h.reranker.Rerank(ctx, req.Query, merged)
		if err != nil {
			h.logger.Warn("再順位付けに失敗、融合結果をそのまま返す", "error", err)
			return merged, nil
		}
		if len(reranked) > len(merged) {
			reranked = reranked[:len(merged)]
		}
		return reranked, nil
	}

	return merged, nil
}

// fuse は両系統の結果をドキュメントIDをキーにマージする。
// 融合スコアは alpha*vectorScore + (1-alpha)*keywordScore。片系統にしか
// 現れない候補は欠けた項を0として重み付きの寄与のみを保持する（欠席に
// 追加ペナルティは課さない）。
//
// 同点の順位は決定的でなければならない: 安定ソートにより初出順が保持され、
// ベクトル系統を先に列挙するため、同点ではベクトル系統での初出が勝つ。
func (h *Hybrid) fuse(vectorDocs, keywordDocs []retrieval.ScoredDocument, topK int) []retrieval.ScoredDocument {
	type fused struct {
		doc   retrieval.ScoredDocument
		score float64
	}

	index := make(map[string]int, len(vectorDocs)+len(keywordDocs))
	order := make([]*fused, 0, len(vectorDocs)+len(keywordDocs))

	for _, d := range vectorDocs {
		if _, ok := index[d.ID]; ok {
			continue
		}
		index[d.ID] = len(order)
		order = append(order, &fused{doc: d, score: h.alpha * d.Score})
	}
	for _, d := range keywordDocs {
		if i, ok := index[d.ID]; ok {
			order[i].score += (1 - h.alpha) * d.Score
			continue
		}
		index[d.ID] = len(order)
		order = append(order, &fused{doc: d, score: (1 - h.alpha) * d.Score})
	}

	sort.SliceStable(order, func(i, j int) bool {
		return order[i].score > order[j].score
	})

	if len(order) > topK {
		order = order[:topK]
	}

	out := make([]retrieval.ScoredDocument, 0, len(order))
	for _, f := range order {
		doc := f.doc
		doc.Score = f.score
		out = append(out, doc)
	}
	return out
}
