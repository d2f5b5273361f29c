package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitb-ltd/retrieval/internal/core/tenant"
)

type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{cur: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}

type countingRetriever struct {
	mu    sync.Mutex
	docs  map[string][]ScoredDocument
	errs  map[string]error
	calls map[string]int
}

func newCountingRetriever() *countingRetriever {
	return &countingRetriever{
		docs:  make(map[string][]ScoredDocument),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (r *countingRetriever) Retrieve(_ context.Context, _ tenant.ID, req RetrievalRequest) ([]ScoredDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[req.Query]++
	if err, ok := r.errs[req.Query]; ok {
		return nil, err
	}
	return r.docs[req.Query], nil
}

func (r *countingRetriever) callCount(query string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[query]
}

func TestBatchRetriever_RetrieveBatch(t *testing.T) {
	t.Run("結果は入力順に返る", func(t *testing.T) {
		retriever := newCountingRetriever()
		retriever.docs["alpha"] = []ScoredDocument{{ID: "a1", Score: 0.9}}
		retriever.docs["beta"] = []ScoredDocument{{ID: "b1", Score: 0.8}}
		retriever.docs["gamma"] = []ScoredDocument{{ID: "c1", Score: 0.7}}

		b, err := NewBatchRetriever(retriever, WithClock(newFakeClock().Now))
		require.NoError(t, err)
		defer b.Close()

		results, err := b.RetrieveBatch(context.Background(), "tn_abc123", []RetrievalRequest{
			{Query: "alpha", TopK: 5},
			{Query: "beta", TopK: 5},
			{Query: "gamma", TopK: 5},
		})
		require.NoError(t, err)
		require.Len(t, results, 3)

		assert.Equal(t, "a1", results[0].Documents[0].ID)
		assert.Equal(t, "b1", results[1].Documents[0].ID)
		assert.Equal(t, "c1", results[2].Documents[0].ID)
		for _, res := range results {
			assert.False(t, res.Cached)
			assert.NoError(t, res.Err)
		}
	})

	t.Run("TTL内の同一リクエストはキャッシュから返る", func(t *testing.T) {
		retriever := newCountingRetriever()
		retriever.docs["alpha"] = []ScoredDocument{{ID: "a1", Score: 0.9}}

		clock := newFakeClock()
		b, err := NewBatchRetriever(retriever, WithClock(clock.Now), WithCacheTTL(time.Minute))
		require.NoError(t, err)
		defer b.Close()

		reqs := []RetrievalRequest{{Query: "alpha", TopK: 5}}

		first, err := b.RetrieveBatch(context.Background(), "tn_abc123", reqs)
		require.NoError(t, err)
		assert.False(t, first[0].Cached)

		clock.Advance(30 * time.Second)

		second, err := b.RetrieveBatch(context.Background(), "tn_abc123", reqs)
		require.NoError(t, err)
		assert.True(t, second[0].Cached)
		assert.Equal(t, int64(0), second[0].LatencyMs)
		assert.Equal(t, "a1", second[0].Documents[0].ID)

		assert.Equal(t, 1, retriever.callCount("alpha"))
	})

	t.Run("TTL経過後は再度検索が実行される", func(t *testing.T) {
		retriever := newCountingRetriever()
		retriever.docs["alpha"] = []ScoredDocument{{ID: "a1", Score: 0.9}}

		clock := newFakeClock()
		b, err := NewBatchRetriever(retriever, WithClock(clock.Now), WithCacheTTL(time.Minute))
		require.NoError(t, err)
		defer b.Close()

		reqs := []RetrievalRequest{{Query: "alpha", TopK: 5}}

		_, err = b.RetrieveBatch(context.Background(), "tn_abc123", reqs)
		require.NoError(t, err)

		clock.Advance(time.Minute)

		second, err := b.RetrieveBatch(context.Background(), "tn_abc123", reqs)
		require.NoError(t, err)
		assert.False(t, second[0].Cached)

		assert.Equal(t, 2, retriever.callCount("alpha"))
	})

	t.Run("クエリ正規化後に同一ならキャッシュを共有する", func(t *testing.T) {
		retriever := newCountingRetriever()
		retriever.docs["alpha"] = []ScoredDocument{{ID: "a1", Score: 0.9}}
		retriever.docs["  Alpha "] = []ScoredDocument{{ID: "a1", Score: 0.9}}

		clock := newFakeClock()
		b, err := NewBatchRetriever(retriever, WithClock(clock.Now))
		require.NoError(t, err)
		defer b.Close()

		_, err = b.RetrieveBatch(context.Background(), "tn_abc123", []RetrievalRequest{{Query: "alpha", TopK: 5}})
		require.NoError(t, err)

		second, err := b.RetrieveBatch(context.Background(), "tn_abc123", []RetrievalRequest{{Query: "  Alpha ", TopK: 5}})
		require.NoError(t, err)
		assert.True(t, second[0].Cached)
	})

	t.Run("TopKやフィルタが異なれば別キャッシュになる", func(t *testing.T) {
		retriever := newCountingRetriever()
		retriever.docs["alpha"] = []ScoredDocument{{ID: "a1", Score: 0.9}}

		clock := newFakeClock()
		b, err := NewBatchRetriever(retriever, WithClock(clock.Now))
		require.NoError(t, err)
		defer b.Close()

		_, err = b.RetrieveBatch(context.Background(), "tn_abc123", []RetrievalRequest{{Query: "alpha", TopK: 5}})
		require.NoError(t, err)

		second, err := b.RetrieveBatch(context.Background(), "tn_abc123", []RetrievalRequest{
			{Query: "alpha", TopK: 10},
			{Query: "alpha", TopK: 5, Filter: map[string]string{"lang": "ja"}},
		})
		require.NoError(t, err)
		assert.False(t, second[0].Cached)
		assert.False(t, second[1].Cached)

		assert.Equal(t, 3, retriever.callCount("alpha"))
	})

	t.Run("バッチ横断で重複ドキュメントは最初の出現のみ残る", func(t *testing.T) {
		retriever := newCountingRetriever()
		retriever.docs["alpha"] = []ScoredDocument{{ID: "d1", Score: 0.9}, {ID: "d2", Score: 0.8}}
		retriever.docs["beta"] = []ScoredDocument{{ID: "d2", Score: 0.85}, {ID: "d3", Score: 0.7}}

		b, err := NewBatchRetriever(retriever, WithClock(newFakeClock().Now))
		require.NoError(t, err)
		defer b.Close()

		results, err := b.RetrieveBatch(context.Background(), "tn_abc123", []RetrievalRequest{
			{Query: "alpha", TopK: 5},
			{Query: "beta", TopK: 5},
		})
		require.NoError(t, err)

		require.Len(t, results[0].Documents, 2)
		require.Len(t, results[1].Documents, 1)
		assert.Equal(t, "d3", results[1].Documents[0].ID)
	})

	t.Run("重複排除はキャッシュ本体を破壊しない", func(t *testing.T) {
		retriever := newCountingRetriever()
		retriever.docs["alpha"] = []ScoredDocument{{ID: "d1", Score: 0.9}}
		retriever.docs["beta"] = []ScoredDocument{{ID: "d1", Score: 0.85}, {ID: "d2", Score: 0.7}}

		clock := newFakeClock()
		b, err := NewBatchRetriever(retriever, WithClock(clock.Now))
		require.NoError(t, err)
		defer b.Close()

		_, err = b.RetrieveBatch(context.Background(), "tn_abc123", []RetrievalRequest{
			{Query: "alpha", TopK: 5},
			{Query: "beta", TopK: 5},
		})
		require.NoError(t, err)

		// beta 単独で引き直すと d1 を含む完全な結果がキャッシュから返る
		second, err := b.RetrieveBatch(context.Background(), "tn_abc123", []RetrievalRequest{{Query: "beta", TopK: 5}})
		require.NoError(t, err)
		assert.True(t, second[0].Cached)
		require.Len(t, second[0].Documents, 2)
		assert.Equal(t, "d1", second[0].Documents[0].ID)
	})

	t.Run("1リクエストの失敗は他のリクエストに影響しない", func(t *testing.T) {
		retriever := newCountingRetriever()
		retriever.docs["alpha"] = []ScoredDocument{{ID: "a1", Score: 0.9}}
		retriever.errs["broken"] = errors.New("search failed")

		b, err := NewBatchRetriever(retriever, WithClock(newFakeClock().Now))
		require.NoError(t, err)
		defer b.Close()

		results, err := b.RetrieveBatch(context.Background(), "tn_abc123", []RetrievalRequest{
			{Query: "alpha", TopK: 5},
			{Query: "broken", TopK: 5},
		})
		require.NoError(t, err)

		assert.NoError(t, results[0].Err)
		require.Len(t, results[0].Documents, 1)

		assert.Error(t, results[1].Err)
		assert.Empty(t, results[1].Documents)
	})

	t.Run("失敗した結果はキャッシュされない", func(t *testing.T) {
		retriever := newCountingRetriever()
		retriever.errs["broken"] = errors.New("search failed")

		b, err := NewBatchRetriever(retriever, WithClock(newFakeClock().Now))
		require.NoError(t, err)
		defer b.Close()

		reqs := []RetrievalRequest{{Query: "broken", TopK: 5}}
		_, err = b.RetrieveBatch(context.Background(), "tn_abc123", reqs)
		require.NoError(t, err)
		_, err = b.RetrieveBatch(context.Background(), "tn_abc123", reqs)
		require.NoError(t, err)

		assert.Equal(t, 2, retriever.callCount("broken"))
	})

	t.Run("不正テナントIDは検索前に拒否される", func(t *testing.T) {
		retriever := newCountingRetriever()

		b, err := NewBatchRetriever(retriever, WithClock(newFakeClock().Now))
		require.NoError(t, err)
		defer b.Close()

		_, err = b.RetrieveBatch(context.Background(), "BAD", []RetrievalRequest{{Query: "alpha", TopK: 5}})

		var verr *tenant.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, 0, retriever.callCount("alpha"))
	})

	t.Run("テナントが異なればキャッシュは分離される", func(t *testing.T) {
		retriever := newCountingRetriever()
		retriever.docs["alpha"] = []ScoredDocument{{ID: "a1", Score: 0.9}}

		b, err := NewBatchRetriever(retriever, WithClock(newFakeClock().Now))
		require.NoError(t, err)
		defer b.Close()

		_, err = b.RetrieveBatch(context.Background(), "tn_abc123", []RetrievalRequest{{Query: "alpha", TopK: 5}})
		require.NoError(t, err)

		second, err := b.RetrieveBatch(context.Background(), "tn_prioritized", []RetrievalRequest{{Query: "alpha", TopK: 5}})
		require.NoError(t, err)
		assert.False(t, second[0].Cached)

		assert.Equal(t, 2, retriever.callCount("alpha"))
	})
}
