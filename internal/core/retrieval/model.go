package retrieval

import (
	"time"

	"github.com/google/uuid"

	"github.com/bitb-ltd/retrieval/internal/core/tenant"
)

// Document は取り込みの入力を表す。永続化されない一時的なデータであり、
// チャンク化された後は Chunk として扱われる。
type Document struct {
	Content  string
	Metadata map[string]any
}

// Chunk は取り込み時に生成される不変のチャンクを表す。
// 生成後に更新されることはなく、再取り込み時は新しいIDで作り直される。
type Chunk struct {
	ID       uuid.UUID
	TenantID tenant.ID
	Content  string
	Metadata map[string]any

	// 文単位の範囲情報（元ドキュメント内での位置）
	StartSentence int
	EndSentence   int
	SentenceCount int

	// CoherenceScore はチャンク内部の文間類似度の平均。
	// トピックの一貫性の指標として保存される。
	CoherenceScore float64

	// Embedding は設定されたモデル次元のベクトル
	Embedding []float32
}

// RetrievalRequest は検索リクエストを表す。
type RetrievalRequest struct {
	Query  string
	TopK   int
	Filter map[string]string
}

// ScoredDocument は検索結果の1件を表す。
type ScoredDocument struct {
	ID       string
	Content  string
	Score    float64
	Metadata map[string]any
}

// IngestResult は1ドキュメントの取り込み結果を表す。
type IngestResult struct {
	ChunkCount int
	Duration   time.Duration
}

// ExtractorKind はエンリッチメント抽出器の種別。
type ExtractorKind string

const (
	ExtractorKeywords  ExtractorKind = "keywords"
	ExtractorSummary   ExtractorKind = "summary"
	ExtractorQuestions ExtractorKind = "questions"
	ExtractorEntities  ExtractorKind = "entities"
)

// ExtractResult は1テキスト分の抽出結果。抽出器の出力は境界で
// このスキーマに正規化され、任意構造のまま信用されることはない。
type ExtractResult struct {
	// Values は抽出された値のリスト（summary の場合は要素1つ）
	Values []string
}
