package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "基本的な分割",
			text: "First sentence. Second sentence! Third sentence?",
			want: []string{"First sentence.", "Second sentence!", "Third sentence?"},
		},
		{
			name: "省略形は境界にならない",
			text: "Dr. Smith arrived at 9 a.m. today. He was early.",
			want: []string{"Dr. Smith arrived at 9 a.m. today.", "He was early."},
		},
		{
			name: "e.g. を含む文",
			text: "Use a database, e.g. Postgres. It works well.",
			want: []string{"Use a database, e.g. Postgres.", "It works well."},
		},
		{
			name: "イニシャル",
			text: "J. Smith wrote the paper. It was published.",
			want: []string{"J. Smith wrote the paper.", "It was published."},
		},
		{
			name: "連続する終端記号",
			text: "Really?! Yes.",
			want: []string{"Really?!", "Yes."},
		},
		{
			name: "終端記号で終わらない末尾",
			text: "Complete sentence. trailing fragment",
			want: []string{"Complete sentence.", "trailing fragment"},
		},
		{
			name: "小数点は境界にならない",
			text: "The value is 3.14 exactly. Next sentence.",
			want: []string{"The value is 3.14 exactly.", "Next sentence."},
		},
		{
			name: "空文字列",
			text: "",
			want: []string{},
		},
		{
			name: "空白のみ",
			text: "   \n\t  ",
			want: []string{},
		},
		{
			name: "1文のみ",
			text: "Only one sentence here.",
			want: []string{"Only one sentence here."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitSentences(tt.text)
			assert.Equal(t, tt.want, got)
		})
	}
}
