// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はユーザーが入力した表示名や申請者名などのプレーンテキストから
// HTMLタグを除去し、リモートストアへ保存する前に正規化する。
// bluemondayのStrictPolicyを使用し、すべてのタグと属性を取り除く。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプレーンテキスト入力のサニタイズ機能のインターフェースを定義する。
// プロフィール更新、会員登録、出金申請の書き込み前に使用される。
type TextSanitizer interface {
	// Sanitize は入力からHTMLタグを除去したプレーンテキストを返す。
	// script, styleなどの要素は内容ごと除去し、それ以外のタグはタグのみを除去する。
	// 連続する空白（改行・タブを含む）は半角スペース1つにまとめ、前後の空白を取り除く。
	// HTMLエンティティは元の文字に戻す（JSONとして出力する際にエスケープされるため）。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(input string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのポリシーはスレッドセーフなため、複数のgoroutineから共有できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTMLタグを除去し、空白を正規化したプレーンテキストを返す。
func (s *textSanitizer) Sanitize(input string) string {
	if input == "" {
		return ""
	}
	stripped := html.UnescapeString(s.policy.Sanitize(input))
	return strings.Join(strings.Fields(stripped), " ")
}
