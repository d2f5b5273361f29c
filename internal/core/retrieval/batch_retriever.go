package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/bitb-ltd/retrieval/internal/core/tenant"
)

const (
	// DefaultBatchConcurrency はバッチ内リクエストの最大並行数
	DefaultBatchConcurrency = 8
	// DefaultCacheTTL はバッチリトリーバーのキャッシュ有効期間
	DefaultCacheTTL = 5 * time.Minute
)

// Retriever は単一クエリの検索インターフェース。Pipeline が実装する。
type Retriever interface {
	Retrieve(ctx context.Context, tenantID tenant.ID, req RetrievalRequest) ([]ScoredDocument, error)
}

// BatchResult はバッチ内の1リクエストに対する結果。
// 失敗したリクエストは空の結果集合と Err で表現され、
// バッチ内の他のリクエストには影響しない。
type BatchResult struct {
	Documents []ScoredDocument
	Cached    bool
	LatencyMs int64
	Err       error
}

type cacheEntry struct {
	documents []ScoredDocument
	createdAt time.Time
}

// BatchRetriever は複数の検索リクエストを並行処理し、
// TTL付きキャッシュとバッチ横断の結果重複排除を行う。
type BatchRetriever struct {
	retriever   Retriever
	pool        *ants.Pool
	ttl         time.Duration
	concurrency int
	now         func() time.Time
	logger      *slog.Logger

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// BatchRetrieverOption は BatchRetriever のオプション設定
type BatchRetrieverOption func(*BatchRetriever)

// WithCacheTTL はキャッシュの有効期間を設定する
func WithCacheTTL(ttl time.Duration) BatchRetrieverOption {
	return func(b *BatchRetriever) {
		b.ttl = ttl
	}
}

// WithBatchConcurrency はバッチ内の最大並行数を設定する
func WithBatchConcurrency(n int) BatchRetrieverOption {
	return func(b *BatchRetriever) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) BatchRetrieverOption {
	return func(b *BatchRetriever) {
		b.now = now
	}
}

// WithBatchLogger はロガーを設定する
func WithBatchLogger(logger *slog.Logger) BatchRetrieverOption {
	return func(b *BatchRetriever) {
		b.logger = logger
	}
}

// NewBatchRetriever は新しい BatchRetriever を作成する
func NewBatchRetriever(retriever Retriever, opts ...BatchRetrieverOption) (*BatchRetriever, error) {
	b := &BatchRetriever{
		retriever:   retriever,
		ttl:         DefaultCacheTTL,
		concurrency: DefaultBatchConcurrency,
		now:         time.Now,
		logger:      slog.Default(),
		cache:       make(map[string]*cacheEntry),
	}
	for _, opt := range opts {
		opt(b)
	}

	pool, err := ants.NewPool(b.concurrency)
	if err != nil {
		return nil, fmt.Errorf("ワーカープールの作成に失敗: %w", err)
	}
	b.pool = pool

	return b, nil
}

// Close はワーカープールを解放する。
func (b *BatchRetriever) Close() {
	b.pool.Release()
}

// RetrieveBatch はリクエスト群を並行処理し、入力順を保った結果を返す。
// キャッシュヒットは Cached=true かつ LatencyMs=0 で返る。
// バッチ内で同一ドキュメントが複数リクエストにまたがって出現した場合、
// 最初に出現したリクエストの結果にのみ含まれる。
func (b *BatchRetriever) RetrieveBatch(ctx context.Context, tenantID tenant.ID, requests []RetrievalRequest) ([]BatchResult, error) {
	// テナントスコープの検証はあらゆるI/Oの前に行う
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}

	results := make([]BatchResult, len(requests))

	var wg sync.WaitGroup
	for i, req := range requests {
		key := b.cacheKey(tenantID, req)

		if docs, ok := b.lookup(key); ok {
			results[i] = BatchResult{Documents: docs, Cached: true, LatencyMs: 0}
			continue
		}

		wg.Add(1)
		i, req := i, req
		if err := b.pool.Submit(func() {
			defer wg.Done()
			results[i] = b.retrieveOne(ctx, tenantID, req, key)
		}); err != nil {
			wg.Done()
			results[i] = BatchResult{Err: fmt.Errorf("ワーカープールへの投入に失敗: %w", err)}
		}
	}
	wg.Wait()

	b.dedupe(results)

	return results, nil
}

// retrieveOne は1リクエストを実行し、成功時はキャッシュへ書き込む。
// 失敗はリクエスト単位で閉じ、キャッシュは汚染されない。
func (b *BatchRetriever) retrieveOne(ctx context.Context, tenantID tenant.ID, req RetrievalRequest, key string) BatchResult {
	start := b.now()

	docs, err := b.retriever.Retrieve(ctx, tenantID, req)
	if err != nil {
		b.logger.Warn("バッチ内リクエストが失敗",
			"tenant", tenantID,
			"query", req.Query,
			"error", err,
		)
		return BatchResult{Err: err}
	}

	b.store(key, docs)

	return BatchResult{
		Documents: docs,
		Cached:    false,
		LatencyMs: b.now().Sub(start).Milliseconds(),
	}
}

// lookup はTTL内のキャッシュエントリを返す。期限切れはミス扱い。
func (b *BatchRetriever) lookup(key string) ([]ScoredDocument, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.cache[key]
	if !ok {
		return nil, false
	}
	if b.now().Sub(entry.createdAt) >= b.ttl {
		delete(b.cache, key)
		return nil, false
	}

	// 後段の重複排除がキャッシュ本体を破壊しないようコピーを返す
	docs := make([]ScoredDocument, len(entry.documents))
	copy(docs, entry.documents)
	return docs, true
}

func (b *BatchRetriever) store(key string, docs []ScoredDocument) {
	stored := make([]ScoredDocument, len(docs))
	copy(stored, docs)

	b.mu.Lock()
	b.cache[key] = &cacheEntry{documents: stored, createdAt: b.now()}
	b.mu.Unlock()
}

// dedupe はバッチ横断でドキュメントIDの重複を除去する。
// 入力順に走査し、最初に出現したリクエストが勝つ。
func (b *BatchRetriever) dedupe(results []BatchResult) {
	seen := make(map[string]struct{})
	for i := range results {
		if results[i].Err != nil {
			continue
		}
		kept := results[i].Documents[:0:0]
		for _, doc := range results[i].Documents {
			if _, ok := seen[doc.ID]; ok {
				continue
			}
			seen[doc.ID] = struct{}{}
			kept = append(kept, doc)
		}
		results[i].Documents = kept
	}
}

// cacheKey はテナント・正規化クエリ・TopK・フィルタから決定的なキーを作る。
func (b *BatchRetriever) cacheKey(tenantID tenant.ID, req RetrievalRequest) string {
	var sb strings.Builder
	sb.WriteString(string(tenantID))
	sb.WriteByte(0)
	sb.WriteString(strings.ToLower(strings.TrimSpace(req.Query)))
	sb.WriteByte(0)
	fmt.Fprintf(&sb, "%d", req.TopK)

	if len(req.Filter) > 0 {
		keys := make([]string, 0, len(req.Filter))
		for k := range req.Filter {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteByte(0)
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(req.Filter[k])
		}
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
