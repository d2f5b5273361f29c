package tenant

import (
	"fmt"
	"regexp"
)

// ID はテナント識別子を表す。すべてのデータとクエリは単一のテナントに
// スコープされ、テナントをまたぐアクセスは常に致命的エラーとして扱う。
type ID string

// idPattern はテナントIDの形式（例: tn_abc123, tn_prioritized）
var idPattern = regexp.MustCompile(`^tn_[a-z0-9][a-z0-9_-]{1,62}$`)

// Validate はテナントIDの形式を検証する。
// 不正なIDはあらゆるI/Oの前に検出されなければならない。
func Validate(id ID) error {
	if id == "" {
		return &ValidationError{Field: "tenant_id", Reason: "empty"}
	}
	if !idPattern.MatchString(string(id)) {
		return &ValidationError{Field: "tenant_id", Reason: fmt.Sprintf("malformed: %q", id)}
	}
	return nil
}

// String は ID を文字列として返す。
func (id ID) String() string {
	return string(id)
}

// ValidationError は入力検証の失敗を表す。
// テナントスコープの曖昧さは常に致命的であり、I/Oの前に送出される。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}
