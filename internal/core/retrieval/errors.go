package retrieval

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyQuery は検索クエリが空の場合に返されます
	ErrEmptyQuery = errors.New("empty query")

	// ErrEmptyDocument はドキュメント本文が空の場合に返されます
	ErrEmptyDocument = errors.New("empty document content")
)

// ExternalServiceError は外部サービス（Embeddingサービス等）の呼び出しが
// リトライ予算を使い切った後も失敗した場合を表します。
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s: %s", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// StorageError はベクトルストアまたはキーワードインデックスへの
// 永続化失敗を表します。ドキュメント単位で取り込み全体が失敗します。
type StorageError struct {
	Store string // "vector" or "keyword"
	Op    string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %s: %s", e.Store, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
