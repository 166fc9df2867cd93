// Package security は取り込み経路のセキュリティ機能を提供する。
//
// ContentSanitizerService は受信コンテンツからマークアップを除去し、
// 下流（分類・カード・ダイジェスト）が常にプレーンテキストだけを
// 扱えることを保証する。bluemondayの許可リストベースのポリシーを使う。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService は受信テキストのサニタイズ機能のインターフェースを定義する。
// IngestServiceがContentItemを組み立てる前に使用する。
type ContentSanitizerService interface {
	// PlainText はHTML・スクリプトを含みうる入力からタグをすべて除去し、
	// 実体参照を解決した上で空白を正規化したプレーンテキストを返す。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	PlainText(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyはタグを一切許可しないため、script/iframe/styleや
// on*イベント属性を含むあらゆるマークアップが除去される。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// PlainText は入力からマークアップを除去してプレーンテキストを返す。
// 改行は保持し、行内の連続空白は1つに畳む。
func (s *contentSanitizer) PlainText(raw string) string {
	if raw == "" {
		return ""
	}

	stripped := s.policy.Sanitize(raw)
	// bluemondayは&amp;等をエスケープしたまま返すため実体参照を解決する
	stripped = html.UnescapeString(stripped)

	lines := strings.Split(stripped, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, strings.Join(strings.Fields(line), " "))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
