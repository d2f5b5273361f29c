package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/bitb-ltd/retrieval/internal/core/embedding"
	"github.com/bitb-ltd/retrieval/internal/core/retrieval"
	"github.com/bitb-ltd/retrieval/internal/core/tenant"
	"github.com/bitb-ltd/retrieval/pkg/lock"
)

// scanLimit はクライアントサイドフォールバック時に読み込む最大行数
const scanLimit = 1000

// undefinedFunction は PostgreSQL の SQLSTATE 42883
const undefinedFunction = "42883"

// dimensionColumns は次元ごとのEmbeddingカラム。
// 未知の次元のベクトルはどのカラムにも書き込まれない。
var dimensionColumns = map[int]string{
	384:  "embedding_384",
	768:  "embedding_768",
	1536: "embedding_1536",
}

// VectorStore は vector_documents テーブルを使う pgvector ベースの
// ベクトルストア。retrieval.VectorStore と search.VectorSearcher を実装する。
type VectorStore struct {
	pool      *pgxpool.Pool
	dimension int
	column    string
	logger    *slog.Logger
}

// VectorStoreOption は VectorStore のオプション設定
type VectorStoreOption func(*VectorStore)

// WithVectorStoreLogger はロガーを設定する
func WithVectorStoreLogger(logger *slog.Logger) VectorStoreOption {
	return func(s *VectorStore) {
		s.logger = logger
	}
}

// NewVectorStore は新しい VectorStore を返す。
// dimension は dimensionColumns にあるものでなければならない。
func NewVectorStore(pool *pgxpool.Pool, dimension int, opts ...VectorStoreOption) (*VectorStore, error) {
	column, ok := dimensionColumns[dimension]
	if !ok {
		return nil, fmt.Errorf("unsupported embedding dimension: %d", dimension)
	}

	s := &VectorStore{
		pool:      pool,
		dimension: dimension,
		column:    column,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ retrieval.VectorStore = (*VectorStore)(nil)

// Upsert はチャンクを一括で書き込む。設定次元と一致しないEmbeddingを持つ
// チャンクは書き込まれず、警告ログのうえスキップされる。
func (s *VectorStore) Upsert(ctx context.Context, tenantID tenant.ID, chunks []*retrieval.Chunk) error {
	if err := tenant.Validate(tenantID); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	queued := 0

	for _, c := range chunks {
		if len(c.Embedding) != s.dimension {
			s.logger.Warn("Embedding次元が不一致のためチャンクをスキップ",
				"tenant", tenantID,
				"chunk_id", c.ID,
				"expected", s.dimension,
				"actual", len(c.Embedding),
			)
			continue
		}

		metadata, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}

		query := fmt.Sprintf(`
			INSERT INTO vector_documents (id, tenant_id, content, metadata, coherence_score, %[1]s)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content,
				metadata = EXCLUDED.metadata,
				coherence_score = EXCLUDED.coherence_score,
				%[1]s = EXCLUDED.%[1]s`, s.column)

		batch.Queue(query,
			c.ID,
			string(tenantID),
			c.Content,
			metadata,
			c.CoherenceScore,
			pgvector.NewVector(c.Embedding),
		)
		queued++
	}

	if queued == 0 {
		return nil
	}

	// テナント単位の書き込みとパージをアドバイザリロックで直列化する
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lock.Acquire(ctx, tx, s.tenantLockID(tenantID)); err != nil {
		return err
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < queued; i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to upsert vector documents: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *VectorStore) tenantLockID(tenantID tenant.ID) int64 {
	return lock.GenerateLockID("vector_documents", string(tenantID))
}

// Query はクエリベクトルに対する類似度検索を実行する。
// サーバサイド関数 match_vector_documents を優先し、未定義なら旧関数
// match_documents、それも未定義ならクライアントサイドの線形走査へ
// フォールバックする。
func (s *VectorStore) Query(ctx context.Context, tenantID tenant.ID, vector []float32, topK int, filter map[string]string) ([]retrieval.ScoredDocument, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("query vector dimension %d does not match store dimension %d", len(vector), s.dimension)
	}

	filterJSON, err := marshalFilter(filter)
	if err != nil {
		return nil, err
	}

	docs, err := s.matchFunc(ctx, "match_vector_documents", tenantID, vector, topK, filterJSON)
	if err == nil {
		return docs, nil
	}
	if !isUndefinedFunction(err) {
		return nil, err
	}

	docs, err = s.matchFunc(ctx, "match_documents", tenantID, vector, topK, filterJSON)
	if err == nil {
		s.logger.Debug("match_vector_documents が未定義のため match_documents を使用")
		return docs, nil
	}
	if !isUndefinedFunction(err) {
		return nil, err
	}

	s.logger.Warn("サーバサイド類似度関数が未定義のためクライアントサイド走査へフォールバック",
		"tenant", tenantID,
		"scan_limit", scanLimit,
	)
	return s.clientSideScan(ctx, tenantID, vector, topK, filterJSON)
}

// matchFunc はサーバサイドの類似度関数を呼び出す。
func (s *VectorStore) matchFunc(ctx context.Context, fn string, tenantID tenant.ID, vector []float32, topK int, filterJSON []byte) ([]retrieval.ScoredDocument, error) {
	query := fmt.Sprintf(
		`SELECT id, content, metadata, score FROM %s($1, $2, $3, $4::jsonb)`, fn)

	rows, err := s.pool.Query(ctx, query,
		pgvector.NewVector(vector),
		string(tenantID),
		topK,
		filterJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", fn, err)
	}
	defer rows.Close()

	return scanScoredDocuments(rows)
}

// clientSideScan は最終フォールバック。テナントの行を上限付きで読み込み、
// コサイン類似度をプロセス内で計算する。
func (s *VectorStore) clientSideScan(ctx context.Context, tenantID tenant.ID, vector []float32, topK int, filterJSON []byte) ([]retrieval.ScoredDocument, error) {
	query := fmt.Sprintf(`
		SELECT id, content, metadata, %[1]s
		FROM vector_documents
		WHERE tenant_id = $1
		  AND %[1]s IS NOT NULL
		  AND metadata @> $2::jsonb
		LIMIT $3`, s.column)

	rows, err := s.pool.Query(ctx, query, string(tenantID), filterJSON, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan vector documents: %w", err)
	}
	defer rows.Close()

	var docs []retrieval.ScoredDocument
	for rows.Next() {
		var (
			id           string
			content      string
			metadataJSON []byte
			vec          pgvector.Vector
		)
		if err := rows.Scan(&id, &content, &metadataJSON, &vec); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		metadata, err := unmarshalMetadata(metadataJSON)
		if err != nil {
			return nil, err
		}

		docs = append(docs, retrieval.ScoredDocument{
			ID:       id,
			Content:  content,
			Score:    embedding.Cosine(vector, vec.Slice()),
			Metadata: metadata,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].Score > docs[j].Score
	})
	if topK > 0 && len(docs) > topK {
		docs = docs[:topK]
	}
	return docs, nil
}

// DeleteDocument は metadata の document_id が一致するチャンクを削除する。
func (s *VectorStore) DeleteDocument(ctx context.Context, tenantID tenant.ID, docID string) error {
	if err := tenant.Validate(tenantID); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`DELETE FROM vector_documents WHERE tenant_id = $1 AND metadata->>'document_id' = $2`,
		string(tenantID), docID)
	if err != nil {
		return fmt.Errorf("failed to delete vector documents: %w", err)
	}
	return nil
}

// PurgeTenant はテナントの全行を削除する。
// 進行中の取り込みとはアドバイザリロックで直列化される。
func (s *VectorStore) PurgeTenant(ctx context.Context, tenantID tenant.ID) error {
	if err := tenant.Validate(tenantID); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lock.Acquire(ctx, tx, s.tenantLockID(tenantID)); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM vector_documents WHERE tenant_id = $1`,
		string(tenantID)); err != nil {
		return fmt.Errorf("failed to purge tenant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func scanScoredDocuments(rows pgx.Rows) ([]retrieval.ScoredDocument, error) {
	var docs []retrieval.ScoredDocument
	for rows.Next() {
		var (
			id           string
			content      string
			metadataJSON []byte
			score        float64
		)
		if err := rows.Scan(&id, &content, &metadataJSON, &score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		metadata, err := unmarshalMetadata(metadataJSON)
		if err != nil {
			return nil, err
		}

		docs = append(docs, retrieval.ScoredDocument{
			ID:       id,
			Content:  content,
			Score:    score,
			Metadata: metadata,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return docs, nil
}

func marshalFilter(filter map[string]string) ([]byte, error) {
	if len(filter) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal filter: %w", err)
	}
	return data, nil
}

func unmarshalMetadata(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return metadata, nil
}

func isUndefinedFunction(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedFunction
}
