package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetadataFlags(t *testing.T) {
	t.Run("key=value形式を解析できる", func(t *testing.T) {
		metadata, err := parseMetadataFlags([]string{"source=manual", "lang=ja"})
		require.NoError(t, err)
		assert.Equal(t, "manual", metadata["source"])
		assert.Equal(t, "ja", metadata["lang"])
	})

	t.Run("値に=を含んでもよい", func(t *testing.T) {
		metadata, err := parseMetadataFlags([]string{"url=https://example.com?a=b"})
		require.NoError(t, err)
		assert.Equal(t, "https://example.com?a=b", metadata["url"])
	})

	t.Run("不正な形式はエラーになる", func(t *testing.T) {
		_, err := parseMetadataFlags([]string{"no-separator"})
		assert.Error(t, err)

		_, err = parseMetadataFlags([]string{"=value"})
		assert.Error(t, err)
	})
}

func TestParseFilterFlags(t *testing.T) {
	t.Run("空の場合はnilを返す", func(t *testing.T) {
		filter, err := parseFilterFlags(nil)
		require.NoError(t, err)
		assert.Nil(t, filter)
	})

	t.Run("key=value形式を解析できる", func(t *testing.T) {
		filter, err := parseFilterFlags([]string{"lang=ja"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"lang": "ja"}, filter)
	})
}
