package bleveindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/mapping"

	"github.com/bitb-ltd/retrieval/internal/core/retrieval"
	"github.com/bitb-ltd/retrieval/internal/core/tenant"
)

// deleteScanSize はドキュメント削除時に1回で走査するヒット数の上限
const deleteScanSize = 1000

// KeywordIndex はテナントごとに独立した bleve インデックスを管理する
// 全文検索アダプタ。retrieval.KeywordIndex と search.KeywordSearcher を実装する。
// path が空の場合はインメモリインデックスになる（テスト用）。
type KeywordIndex struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	indexes map[tenant.ID]bleve.Index
}

// KeywordIndexOption は KeywordIndex のオプション設定
type KeywordIndexOption func(*KeywordIndex)

// WithKeywordIndexLogger はロガーを設定する
func WithKeywordIndexLogger(logger *slog.Logger) KeywordIndexOption {
	return func(x *KeywordIndex) {
		x.logger = logger
	}
}

// NewKeywordIndex は新しい KeywordIndex を返す。
func NewKeywordIndex(path string, opts ...KeywordIndexOption) *KeywordIndex {
	x := &KeywordIndex{
		path:    path,
		logger:  slog.Default(),
		indexes: make(map[tenant.ID]bleve.Index),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

var _ retrieval.KeywordIndex = (*KeywordIndex)(nil)

// indexedChunk は bleve に格納されるドキュメント形式。
// メタデータの文字列値はフィールドとして検索可能になり、
// 完全なメタデータは metadata_json に保存される。
type indexedChunk map[string]any

// newIndexMapping はテナントインデックスのマッピングを構築する。
// content のみ標準アナライザで全文検索し、メタデータ由来のフィールドは
// すべて keyword アナライザで完全一致検索の対象にする。document_id の
// ようなハイフン入りの値がトークン分割されると Term クエリで一致しなく
// なるため、既定アナライザは keyword にする。
func newIndexMapping() mapping.IndexMapping {
	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = standard.Name

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("content", contentField)

	m := bleve.NewIndexMapping()
	m.DefaultAnalyzer = keyword.Name
	m.DefaultMapping = docMapping
	return m
}

// forTenant はテナント専用インデックスを遅延オープンする。
func (x *KeywordIndex) forTenant(tenantID tenant.ID, create bool) (bleve.Index, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if idx, ok := x.indexes[tenantID]; ok {
		return idx, nil
	}

	if x.path == "" {
		if !create {
			return nil, nil
		}
		idx, err := bleve.NewMemOnly(newIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory index: %w", err)
		}
		x.indexes[tenantID] = idx
		return idx, nil
	}

	indexPath := filepath.Join(x.path, string(tenantID))
	idx, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		if !create {
			return nil, nil
		}
		idx, err = bleve.New(indexPath, newIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open index for tenant %s: %w", tenantID, err)
	}

	x.indexes[tenantID] = idx
	return idx, nil
}

// Upsert はチャンクをテナントのインデックスへ一括登録する。
func (x *KeywordIndex) Upsert(ctx context.Context, tenantID tenant.ID, chunks []*retrieval.Chunk) error {
	if err := tenant.Validate(tenantID); err != nil {
		return err
	}

	idx, err := x.forTenant(tenantID, true)
	if err != nil {
		return err
	}

	batch := idx.NewBatch()
	for _, c := range chunks {
		doc := indexedChunk{
			"content": c.Content,
		}
		for k, v := range c.Metadata {
			if s, ok := v.(string); ok {
				doc[k] = s
			}
		}
		if len(c.Metadata) > 0 {
			metadataJSON, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal metadata: %w", err)
			}
			doc["metadata_json"] = string(metadataJSON)
		}

		if err := batch.Index(c.ID.String(), doc); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", c.ID, err)
		}
	}

	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("failed to apply index batch: %w", err)
	}
	return nil
}

// Query は全文検索を実行する。スコアは結果集合内の最大スコアで
// 正規化され (0, 1] の範囲になる。
func (x *KeywordIndex) Query(ctx context.Context, tenantID tenant.ID, query string, topK int, filter map[string]string) ([]retrieval.ScoredDocument, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}

	idx, err := x.forTenant(tenantID, false)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, nil
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("content")

	searchQuery := bleve.NewConjunctionQuery(matchQuery)
	for field, value := range filter {
		termQuery := bleve.NewTermQuery(value)
		termQuery.SetField(field)
		searchQuery.AddQuery(termQuery)
	}

	req := bleve.NewSearchRequestOptions(searchQuery, topK, 0, false)
	req.Fields = []string{"content", "metadata_json"}

	result, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}

	maxScore := 0.0
	for _, hit := range result.Hits {
		if hit.Score > maxScore {
			maxScore = hit.Score
		}
	}

	docs := make([]retrieval.ScoredDocument, 0, len(result.Hits))
	for _, hit := range result.Hits {
		score := hit.Score
		if maxScore > 0 {
			score = hit.Score / maxScore
		}

		doc := retrieval.ScoredDocument{
			ID:    hit.ID,
			Score: score,
		}
		if content, ok := hit.Fields["content"].(string); ok {
			doc.Content = content
		}
		if metadataJSON, ok := hit.Fields["metadata_json"].(string); ok {
			var metadata map[string]any
			if err := json.Unmarshal([]byte(metadataJSON), &metadata); err == nil {
				doc.Metadata = metadata
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// DeleteDocument は metadata の document_id が一致するチャンクを削除する。
func (x *KeywordIndex) DeleteDocument(ctx context.Context, tenantID tenant.ID, docID string) error {
	if err := tenant.Validate(tenantID); err != nil {
		return err
	}

	idx, err := x.forTenant(tenantID, false)
	if err != nil {
		return err
	}
	if idx == nil {
		return nil
	}

	termQuery := bleve.NewTermQuery(docID)
	termQuery.SetField("document_id")

	for {
		req := bleve.NewSearchRequestOptions(termQuery, deleteScanSize, 0, false)
		result, err := idx.SearchInContext(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to search for deletion: %w", err)
		}
		if len(result.Hits) == 0 {
			return nil
		}

		batch := idx.NewBatch()
		for _, hit := range result.Hits {
			batch.Delete(hit.ID)
		}
		if err := idx.Batch(batch); err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
	}
}

// PurgeTenant はテナントのインデックスを完全に破棄する。
func (x *KeywordIndex) PurgeTenant(_ context.Context, tenantID tenant.ID) error {
	if err := tenant.Validate(tenantID); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if idx, ok := x.indexes[tenantID]; ok {
		if err := idx.Close(); err != nil {
			return fmt.Errorf("failed to close index: %w", err)
		}
		delete(x.indexes, tenantID)
	}

	if x.path != "" {
		indexPath := filepath.Join(x.path, string(tenantID))
		if err := os.RemoveAll(indexPath); err != nil {
			return fmt.Errorf("failed to remove index directory: %w", err)
		}
	}
	return nil
}

// Close は開いている全インデックスを閉じる。
func (x *KeywordIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	var firstErr error
	for tenantID, idx := range x.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close index for tenant %s: %w", tenantID, err)
		}
		delete(x.indexes, tenantID)
	}
	return firstErr
}
