package security

import (
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// 物語文に使ってよい要素。画像など外部リソースを読み込む要素は含めない。
var narrativeElements = []string{
	"p", "br", "h2", "h3",
	"ul", "ol", "li",
	"blockquote", "strong", "em",
}

// NarrativeSanitizer はLLMが生成したHTMLを許可リストで絞り込む。
// 生成結果はプロンプトインジェクションで任意のマークアップを含みうるため、
// クライアントへ返す前に必ず通す。Policyは並行利用して問題ない。
type NarrativeSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer は物語文用のサニタイザを生成する。
// リンクは絶対https URLのみ残し、新しいタブ・noreferrerで開かせる。
func NewContentSanitizer() *NarrativeSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(narrativeElements...)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return u.Host != "" && u.User == nil
	})
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &NarrativeSanitizer{policy: p}
}

// Sanitize は許可外の要素・属性を除いたHTMLを返す。前後の空白は落とす。
func (s *NarrativeSanitizer) Sanitize(rawHTML string) string {
	return strings.TrimSpace(s.policy.Sanitize(rawHTML))
}
