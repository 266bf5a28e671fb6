package library

import (
	"regexp"
	"strings"
)

var (
	disallowedTitleChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	repeatedUnderscores  = regexp.MustCompile(`_+`)
)

// SanitizeTitle はタイトルをディレクトリ名として安全な文字列に変換します。
// 英数字・'_'・'-' 以外は '_' に置き換え、連続する '_' をまとめ、前後の '_' を除去して maxLen で切り詰めます。
// 結果に対して再度適用しても変化しません。
func SanitizeTitle(title string, maxLen int) string {
	s := disallowedTitleChars.ReplaceAllString(title, "_")
	s = repeatedUnderscores.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if maxLen > 0 && len(s) > maxLen {
		// 切り詰め後に末尾が '_' になった場合も除去する
		s = strings.TrimRight(s[:maxLen], "_")
	}
	return s
}
