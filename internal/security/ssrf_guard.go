// Package security は外部通信とユーザー向け出力の安全対策を提供する。
package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrUnsafeURL はプロバイダのURLが接続先として許可されないことを表す。
var ErrUnsafeURL = errors.New("unsafe provider url")

// 内部向けとみなすホスト名の接尾辞。
var internalHostSuffixes = []string{".localhost", ".local", ".internal"}

// SSRFGuard は外部プロバイダ（Webpay, Calendly）向けのHTTPクライアントを作る。
// 接続はHTTPSの443番ポートに限り、解決後のIPがプライベート・ループバック・
// リンクローカル（クラウドのメタデータIPを含む）であれば safeurl がダイヤル時に拒否する。
type SSRFGuard struct{}

// NewSSRFGuard はSSRFGuardを生成する。
func NewSSRFGuard() *SSRFGuard {
	return &SSRFGuard{}
}

// NewSafeClient は allowedHosts 以外への接続を拒否するクライアントを返す。
// allowedHosts を省略した場合はホストの制限をかけない。
func (g *SSRFGuard) NewSafeClient(timeout time.Duration, allowedHosts ...string) *http.Client {
	builder := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443)
	if len(allowedHosts) > 0 {
		builder = builder.SetAllowedHosts(allowedHosts...)
	}
	return safeurl.Client(builder.Build()).Client
}

// ClientFor はベースURLを検証し、そのホストだけに接続できるクライアントを返す。
// 設定ミスで内部ネットワークを指している場合は起動時にエラーにする。
func (g *SSRFGuard) ClientFor(baseURL string, timeout time.Duration) (*http.Client, error) {
	if err := g.ValidateURL(baseURL); err != nil {
		return nil, err
	}
	return g.NewSafeClient(timeout, HostOf(baseURL)), nil
}

// ValidateURL はDNS解決を行わずにURLを静的に検査する。
// DNS再バインディングはNewSafeClientのダイヤル時検証で防ぐ。
func (g *SSRFGuard) ValidateURL(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("%w: scheme must be https, got %q", ErrUnsafeURL, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: userinfo is not allowed", ErrUnsafeURL)
	}
	if p := u.Port(); p != "" && p != "443" {
		return fmt.Errorf("%w: port %s is not allowed", ErrUnsafeURL, p)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrUnsafeURL)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if isInternalAddr(addr) {
			return fmt.Errorf("%w: internal address %s", ErrUnsafeURL, addr)
		}
		return nil
	}
	if host == "localhost" || hasInternalSuffix(host) {
		return fmt.Errorf("%w: internal host %s", ErrUnsafeURL, host)
	}
	return nil
}

func isInternalAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified() ||
		(addr.Is4() && addr.As4()[0] == 0)
}

func hasInternalSuffix(host string) bool {
	for _, suffix := range internalHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// HostOf はURLのホスト名を小文字で返す。解析できない場合は空文字列。
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
