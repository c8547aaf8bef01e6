package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はチャットに流すテキストからマークアップを取り除く。
// IdPから得た表示名などの外部由来の値を返信文に埋め込む前に使う。
type TextSanitizer interface {
	Sanitize(text string) string
}

// DefaultMaxTextLength は無害化後のテキストの既定の最大文字数。
const DefaultMaxTextLength = 2000

type textSanitizer struct {
	policy *bluemonday.Policy
	maxLen int
}

// NewTextSanitizer はbluemondayのStrictPolicyで全タグを除去するTextSanitizerを生成する。
// maxLenが0以下の場合はDefaultMaxTextLengthを使う。
func NewTextSanitizer(maxLen int) TextSanitizer {
	if maxLen <= 0 {
		maxLen = DefaultMaxTextLength
	}
	return &textSanitizer{policy: bluemonday.StrictPolicy(), maxLen: maxLen}
}

// Sanitize はタグと制御文字を除去し、最大文字数で切り詰める。改行は残す。
// StrictPolicyはエスケープ済みの文字列を返すため、チャット向けに元の文字へ戻す。
func (s *textSanitizer) Sanitize(text string) string {
	if text == "" {
		return ""
	}
	cleaned := html.UnescapeString(s.policy.Sanitize(text))
	cleaned = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.TrimSpace(cleaned)

	if runes := []rune(cleaned); len(runes) > s.maxLen {
		cleaned = string(runes[:s.maxLen])
	}
	return cleaned
}
