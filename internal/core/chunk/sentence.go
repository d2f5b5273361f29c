package chunk

import (
	"strings"
	"unicode"
)

// abbreviations は文末のピリオドを文境界と見なさない既知の省略形。
// 末尾ピリオドを除いた小文字形で保持する。
var abbreviations = map[string]struct{}{
	"mr":     {},
	"mrs":    {},
	"ms":     {},
	"dr":     {},
	"prof":   {},
	"sr":     {},
	"jr":     {},
	"st":     {},
	"no":     {},
	"vs":     {},
	"etc":    {},
	"inc":    {},
	"ltd":    {},
	"co":     {},
	"fig":    {},
	"dept":   {},
	"approx": {},
	"e.g":    {},
	"i.e":    {},
	"a.m":    {},
	"p.m":    {},
	"u.s":    {},
	"u.k":    {},
}

// SplitSentences はテキストを文単位に分割する。
// 句読点（. ! ?）を境界とするが、既知の省略形に続くピリオドは
// 文を終端しない。連続する終端記号は1つの境界として扱う。
func SplitSentences(text string) []string {
	runes := []rune(text)
	sentences := make([]string, 0, 16)

	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}

		// 連続する終端記号（"?!" など）をまとめて読み飛ばす
		end := i
		for end+1 < len(runes) {
			next := runes[end+1]
			if next == '.' || next == '!' || next == '?' {
				end++
			} else {
				break
			}
		}

		// ピリオド単独の場合のみ省略形チェック
		if r == '.' && end == i && isAbbreviation(runes, i) {
			continue
		}

		// 境界は終端記号の直後が空白または入力末尾の場合のみ
		if end+1 < len(runes) && !unicode.IsSpace(runes[end+1]) {
			i = end
			continue
		}

		sentence := strings.TrimSpace(string(runes[start : end+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = end + 1
		i = end
	}

	// 終端記号で終わらない残りも1文として扱う
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		sentences = append(sentences, rest)
	}

	return sentences
}

// isAbbreviation は位置 i のピリオドが省略形の一部かどうか判定する。
// ピリオド直前の語を取り出し、既知の省略形集合と照合する。
func isAbbreviation(runes []rune, i int) bool {
	j := i - 1
	for j >= 0 && !unicode.IsSpace(runes[j]) {
		j--
	}
	word := strings.ToLower(string(runes[j+1 : i]))
	word = strings.TrimSuffix(word, ".")
	if word == "" {
		return false
	}
	if _, ok := abbreviations[word]; ok {
		return true
	}
	// 単一アルファベットのイニシャル（"J. Smith" 等）も省略形扱い
	if len(word) == 1 && unicode.IsLetter([]rune(word)[0]) {
		return true
	}
	return false
}
