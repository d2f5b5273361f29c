package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateLockID(t *testing.T) {
	t.Run("同じ入力からは同じIDが生成される", func(t *testing.T) {
		id1 := GenerateLockID("vector_documents", "tn_abc123")
		id2 := GenerateLockID("vector_documents", "tn_abc123")
		assert.Equal(t, id1, id2)
	})

	t.Run("異なる入力からは異なるIDが生成される", func(t *testing.T) {
		id1 := GenerateLockID("vector_documents", "tn_abc123")
		id2 := GenerateLockID("vector_documents", "tn_prioritized")
		assert.NotEqual(t, id1, id2)
	})

	t.Run("部分の区切り方に依存しすぎない", func(t *testing.T) {
		id1 := GenerateLockID("vector_documents", "tn_abc123")
		id2 := GenerateLockID("vector_documents")
		assert.NotEqual(t, id1, id2)
	})
}
