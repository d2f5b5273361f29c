package chunk

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder はテキストごとに固定のベクトルを返すテスト用Embedder
type stubEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (e *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, ok := e.vectors[t]
		if !ok {
			vec = []float32{1, 0}
		}
		out[i] = vec
	}
	return out, nil
}

func TestSemanticChunkerSingleSentence(t *testing.T) {
	embedder := &stubEmbedder{}
	chunker, err := NewSemanticChunker(embedder, DefaultConfig())
	require.NoError(t, err)

	chunks, err := chunker.Chunk(context.Background(), "Only one sentence here.")
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	assert.Equal(t, "Only one sentence here.", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].StartSentence)
	assert.Equal(t, 1, chunks[0].EndSentence)
	assert.Equal(t, 1, chunks[0].SentenceCount)
	assert.Equal(t, 1.0, chunks[0].CoherenceScore)

	// 文脈ウィンドウのEmbeddingは不要
	assert.Equal(t, 0, embedder.calls)
}

func TestSemanticChunkerEmptyContent(t *testing.T) {
	chunker, err := NewSemanticChunker(&stubEmbedder{}, DefaultConfig())
	require.NoError(t, err)

	_, err = chunker.Chunk(context.Background(), "   ")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyContent)
}

// TestSemanticChunkerBreakpointPolarity は閾値の向きを明示的に検証する。
// 類似度の「低下」がトピック転換であり、下側パーセンタイルを下回る
// 境界のみが分割点になる（高い類似度で分割してはならない）。
func TestSemanticChunkerBreakpointPolarity(t *testing.T) {
	// Cats. Dogs. は近く、Stocks. Bonds. も近いが、両グループ間は遠い
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"Cats purr loudly.":    {1, 0},
		"Dogs bark loudly.":    {0.95, 0.05},
		"Stocks rose sharply.": {0, 1},
		"Bonds fell slightly.": {0.05, 0.95},
	}}

	chunker, err := NewSemanticChunker(embedder, &Config{
		ChunkSize:            1000,
		MinChunkSize:         10,
		BufferSize:           0, // ウィンドウ＝文そのもの
		BreakpointPercentile: 25,
	})
	require.NoError(t, err)

	content := "Cats purr loudly. Dogs bark loudly. Stocks rose sharply. Bonds fell slightly."
	chunks, err := chunker.Chunk(context.Background(), content)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	// 類似度が急落する境界（2文目と3文目の間）で分割される
	assert.Equal(t, 0, chunks[0].StartSentence)
	assert.Equal(t, 2, chunks[0].EndSentence)
	assert.Equal(t, 2, chunks[1].StartSentence)
	assert.Equal(t, 4, chunks[1].EndSentence)

	// コヒーレンスはチャンク内部の隣接類似度の平均（ここでは高い値）
	assert.Greater(t, chunks[0].CoherenceScore, 0.9)
	assert.Greater(t, chunks[1].CoherenceScore, 0.9)
}

func TestSemanticChunkerMinSizeSuppressesBreakpoint(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"Alpha topic.": {1, 0},
		"Beta topic.":  {0, 1}, // 直前の文との類似度0 → ブレークポイント候補
		"Gamma topic.": {0, 1},
	}}

	chunker, err := NewSemanticChunker(embedder, &Config{
		ChunkSize:            1000,
		MinChunkSize:         500, // 最小サイズが大きく、分割は抑制される
		BufferSize:           0,
		BreakpointPercentile: 50,
	})
	require.NoError(t, err)

	chunks, err := chunker.Chunk(context.Background(), "Alpha topic. Beta topic. Gamma topic.")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 3, chunks[0].SentenceCount)
}

func TestSemanticChunkerFallbackOnEmbeddingFailure(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("service unavailable")}
	chunker, err := NewSemanticChunker(embedder, &Config{
		ChunkSize:            60,
		MinChunkSize:         10,
		BufferSize:           1,
		BreakpointPercentile: 10,
	})
	require.NoError(t, err)

	content := "First sentence here. Second sentence here. Third sentence here. Fourth sentence here."
	chunks, err := chunker.Chunk(context.Background(), content)

	// Embedding失敗は取り込みを中断しない
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.Equal(t, FallbackCoherence, c.CoherenceScore)
	}
}

// TestChunkRangesPartitionDocument は文範囲が [0, N) を隙間も重複もなく
// 分割し、各チャンクの長さが ChunkSize + 有界の超過に収まることを検証する。
func TestChunkRangesPartitionDocument(t *testing.T) {
	sentences := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		sentences = append(sentences, "This is a moderately sized sentence for partition testing.")
	}
	content := strings.Join(sentences, " ")

	embedder := &stubEmbedder{} // 全ウィンドウが同一ベクトル → 類似度は常に1
	cfg := &Config{
		ChunkSize:            200,
		MinChunkSize:         50,
		BufferSize:           1,
		BreakpointPercentile: 10,
	}
	chunker, err := NewSemanticChunker(embedder, cfg)
	require.NoError(t, err)

	chunks, err := chunker.Chunk(context.Background(), content)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	maxSentenceLen := 0
	for _, s := range SplitSentences(content) {
		if len(s) > maxSentenceLen {
			maxSentenceLen = len(s)
		}
	}

	next := 0
	for _, c := range chunks {
		assert.Equal(t, next, c.StartSentence, "ギャップも重複もないこと")
		assert.Greater(t, c.EndSentence, c.StartSentence)
		assert.Equal(t, c.EndSentence-c.StartSentence, c.SentenceCount)
		// 許容超過は高々1文分
		assert.LessOrEqual(t, len(c.Content), cfg.ChunkSize+maxSentenceLen+1)
		next = c.EndSentence
	}
	assert.Equal(t, 30, next, "最終チャンクはドキュメント末尾で終わる")
}

func TestFixedSizeChunker(t *testing.T) {
	chunker, err := NewFixedSizeChunker(&Config{
		ChunkSize:            80,
		MinChunkSize:         20,
		BufferSize:           0,
		BreakpointPercentile: 10,
	})
	require.NoError(t, err)

	content := "First sentence here. Second sentence here. Third sentence here. Fourth sentence here."
	chunks, err := chunker.Chunk(context.Background(), content)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	next := 0
	for _, c := range chunks {
		assert.Equal(t, next, c.StartSentence)
		assert.Equal(t, FallbackCoherence, c.CoherenceScore)
		next = c.EndSentence
	}
	assert.Equal(t, 4, next)
}

func TestPercentile(t *testing.T) {
	values := []float64{0.1, 0.9, 0.9, 0.9}

	// 下側パーセンタイルは低い値に寄る
	low := percentile(values, 10)
	high := percentile(values, 90)
	assert.Less(t, low, high)
	assert.InDelta(t, 0.1, percentile(values, 0), 1e-9)
	assert.InDelta(t, 0.9, percentile(values, 100), 1e-9)
	assert.Equal(t, 0.0, percentile(nil, 50))
}
