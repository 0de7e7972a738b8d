// Package security はユーザー入力とメール本文のサニタイズを提供する。
//
// bluemondayの許可リストベースのポリシーを用い、
// 経歴のSTAR記述などプレーンテキスト項目からはマークアップを全て取り除き、
// メールのHTMLパートには安全なタグと属性のみを通過させる。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizer はサニタイズ機能のインターフェース。
// 実装はスレッドセーフで、同一入力に対して常に同一出力を返す。
type ContentSanitizer interface {
	// PlainText はマークアップを全て除去したテキストを返す。
	// HTMLエンティティは元の文字に戻すため、"R&D" はそのまま保存される。
	PlainText(s string) string
	// EmailHTML はメールのHTMLパートとして安全なHTMLを返す。
	// 許可タグ: p, br, a, ul, ol, li, strong, em, h1, h2, h3, blockquote。
	// aのhrefはhttpsスキームのみ許可する。
	EmailHTML(rawHTML string) string
}

// contentSanitizer はContentSanitizerの実装。
type contentSanitizer struct {
	strict *bluemonday.Policy
	email  *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerの新しいインスタンスを生成する。
func NewContentSanitizer() ContentSanitizer {
	p := bluemonday.NewPolicy()

	// script, iframe, style等は許可リストに含めないことで除去される
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"strong", "em", "h1", "h2", "h3", "blockquote",
	)

	// メールクライアントでは相対URLが解決できない
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.RequireNoReferrerOnLinks(true)
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return u.Host != ""
	})

	return &contentSanitizer{
		strict: bluemonday.StrictPolicy(),
		email:  p,
	}
}

// PlainText はマークアップを全て除去したテキストを返す。前後の空白も取り除く。
func (s *contentSanitizer) PlainText(str string) string {
	if str == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(str)))
}

// EmailHTML はメールのHTMLパートとして安全なHTMLを返す。
func (s *contentSanitizer) EmailHTML(rawHTML string) string {
	return s.email.Sanitize(rawHTML)
}
