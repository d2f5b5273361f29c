package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitb-ltd/retrieval/internal/core/retrieval"
	"github.com/bitb-ltd/retrieval/internal/core/tenant"
)

const testTenant = tenant.ID("tn_test1")

type stubVectorLeg struct {
	docs   []retrieval.ScoredDocument
	err    error
	called int
}

func (s *stubVectorLeg) Query(_ context.Context, _ tenant.ID, _ []float32, _ int, _ map[string]string) ([]retrieval.ScoredDocument, error) {
	s.called++
	return s.docs, s.err
}

type stubKeywordLeg struct {
	docs   []retrieval.ScoredDocument
	err    error
	called int
}

func (s *stubKeywordLeg) Query(_ context.Context, _ tenant.ID, _ string, _ int, _ map[string]string) ([]retrieval.ScoredDocument, error) {
	s.called++
	return s.docs, s.err
}

type stubQueryEmbedder struct {
	err    error
	called int
}

func (s *stubQueryEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	s.called++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func doc(id string, score float64) retrieval.ScoredDocument {
	return retrieval.ScoredDocument{ID: id, Content: "content-" + id, Score: score}
}

func TestHybridFusionFormula(t *testing.T) {
	// 両系統に現れる候補の融合スコアは厳密に alpha*vec + (1-alpha)*kw
	vec := &stubVectorLeg{docs: []retrieval.ScoredDocument{doc("d1", 0.8)}}
	kw := &stubKeywordLeg{docs: []retrieval.ScoredDocument{doc("d1", 0.6)}}

	h := NewHybrid(vec, kw, &stubQueryEmbedder{}, WithAlpha(0.7))
	results, err := h.Search(context.Background(), testTenant, retrieval.RetrievalRequest{Query: "q", TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.InDelta(t, 0.7*0.8+0.3*0.6, results[0].Score, 1e-12)
}

func TestHybridSingleLegCandidateKeepsWeightedContribution(t *testing.T) {
	vec := &stubVectorLeg{docs: []retrieval.ScoredDocument{doc("only-vec", 0.9)}}
	kw := &stubKeywordLeg{docs: []retrieval.ScoredDocument{doc("only-kw", 0.9)}}

	h := NewHybrid(vec, kw, &stubQueryEmbedder{}, WithAlpha(0.5))
	results, err := h.Search(context.Background(), testTenant, retrieval.RetrievalRequest{Query: "q", TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// 欠けた項は0として扱われ、追加ペナルティはない
	for _, r := range results {
		assert.InDelta(t, 0.45, r.Score, 1e-12)
	}
}

func TestHybridTieBreakIsStableByFirstSeen(t *testing.T) {
	// 同点候補の順序は決定的: ベクトル系統の列挙が先なので、
	// ベクトル系統での初出順が勝つ
	vec := &stubVectorLeg{docs: []retrieval.ScoredDocument{
		doc("v1", 0.5),
		doc("v2", 0.5),
	}}
	kw := &stubKeywordLeg{docs: []retrieval.ScoredDocument{
		doc("k1", 0.5),
		doc("v2", 0.5), // v2 は両系統に現れ、先に加点される
	}}

	h := NewHybrid(vec, kw, &stubQueryEmbedder{}, WithAlpha(0.5))

	for i := 0; i < 10; i++ {
		results, err := h.Search(context.Background(), testTenant, retrieval.RetrievalRequest{Query: "q", TopK: 5})
		require.NoError(t, err)
		require.Len(t, results, 3)

		// v2 は両系統の寄与で最上位、残る同点 v1/k1 は初出順
		assert.Equal(t, "v2", results[0].ID)
		assert.Equal(t, "v1", results[1].ID)
		assert.Equal(t, "k1", results[2].ID)
	}
}

func TestHybridTruncatesToTopK(t *testing.T) {
	vec := &stubVectorLeg{docs: []retrieval.ScoredDocument{
		doc("a", 0.9), doc("b", 0.8), doc("c", 0.7),
	}}
	kw := &stubKeywordLeg{}

	h := NewHybrid(vec, kw, &stubQueryEmbedder{})
	results, err := h.Search(context.Background(), testTenant, retrieval.RetrievalRequest{Query: "q", TopK: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
}

func TestHybridDegradesToSingleLegOnFailure(t *testing.T) {
	vec := &stubVectorLeg{err: errors.New("vector store down")}
	kw := &stubKeywordLeg{docs: []retrieval.ScoredDocument{doc("k1", 0.4)}}

	h := NewHybrid(vec, kw, &stubQueryEmbedder{})
	results, err := h.Search(context.Background(), testTenant, retrieval.RetrievalRequest{Query: "q", TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "k1", results[0].ID)
}

func TestHybridFailsWhenBothLegsFail(t *testing.T) {
	vec := &stubVectorLeg{err: errors.New("vector store down")}
	kw := &stubKeywordLeg{err: errors.New("keyword index down")}

	h := NewHybrid(vec, kw, &stubQueryEmbedder{})
	_, err := h.Search(context.Background(), testTenant, retrieval.RetrievalRequest{Query: "q"})
	require.Error(t, err)
}

func TestHybridValidatesBeforeAnyIO(t *testing.T) {
	vec := &stubVectorLeg{}
	kw := &stubKeywordLeg{}
	embedder := &stubQueryEmbedder{}
	h := NewHybrid(vec, kw, embedder)

	// 不正なテナントIDはI/Oの前に拒否される
	_, err := h.Search(context.Background(), "bogus", retrieval.RetrievalRequest{Query: "q"})
	require.Error(t, err)
	var verr *tenant.ValidationError
	assert.ErrorAs(t, err, &verr)

	// 空クエリも同様
	_, err = h.Search(context.Background(), testTenant, retrieval.RetrievalRequest{Query: ""})
	assert.ErrorIs(t, err, retrieval.ErrEmptyQuery)

	assert.Equal(t, 0, embedder.called)
	assert.Equal(t, 0, vec.called)
	assert.Equal(t, 0, kw.called)
}

func TestHybridRerankerRuns(t *testing.T) {
	vec := &stubVectorLeg{docs: []retrieval.ScoredDocument{doc("a", 0.9), doc("b", 0.1)}}
	kw := &stubKeywordLeg{}

	h := NewHybrid(vec, kw, &stubQueryEmbedder{}, WithReranker(reverseReranker{}))
	results, err := h.Search(context.Background(), testTenant, retrieval.RetrievalRequest{Query: "q", TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "b", results[0].ID)
}

type reverseReranker struct{}

func (reverseReranker) Rerank(_ context.Context, _ string, docs []retrieval.ScoredDocument) ([]retrieval.ScoredDocument, error) {
	out := make([]retrieval.ScoredDocument, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = d
	}
	return out, nil
}
