// Package wordmatch 构造按单词边界匹配关键词的正则，边界判定基于 Unicode 字母与数字。
// This package is internal and should not be imported by external projects.
package wordmatch

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	leftBoundary  = `(?:^|[^\p{L}\p{N}_])`
	rightBoundary = `(?:$|[^\p{L}\p{N}_])`
)

// unspacedScripts 不以空格分词的文字，关键词端点落在这些文字上时不要求边界
var unspacedScripts = []*unicode.RangeTable{
	unicode.Han,
	unicode.Hiragana,
	unicode.Katakana,
	unicode.Hangul,
	unicode.Thai,
	unicode.Lao,
	unicode.Khmer,
	unicode.Myanmar,
}

// Pattern 返回匹配 word 的正则；word 为空白时返回 nil。
// 仅当端点字符为字母或数字时才在该端要求边界，因此 "c++" 只在左侧要求边界。
// 边界会消耗相邻字符，结果只适合 MatchString 判定，不适合 FindAll 定位。
func Pattern(word string, foldCase bool) *regexp.Regexp {
	word = strings.TrimSpace(word)
	if word == "" {
		return nil
	}
	first, _ := utf8.DecodeRuneInString(word)
	last, _ := utf8.DecodeLastRuneInString(word)

	var b strings.Builder
	if foldCase {
		b.WriteString(`(?i)`)
	}
	if needsBoundary(first) {
		b.WriteString(leftBoundary)
	}
	b.WriteString(regexp.QuoteMeta(word))
	if needsBoundary(last) {
		b.WriteString(rightBoundary)
	}
	return regexp.MustCompile(b.String())
}

// Match 判断 text 中是否存在 word 的整词出现
func Match(text, word string, foldCase bool) bool {
	re := Pattern(word, foldCase)
	return re != nil && re.MatchString(text)
}

func needsBoundary(r rune) bool {
	if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
		return false
	}
	return !unicode.In(r, unspacedScripts...)
}
