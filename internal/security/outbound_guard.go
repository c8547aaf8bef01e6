// Package security は外部送信先の検証と、チャットに流すテキストの無害化を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuard はプロアクティブ送信先（受信アクティビティのserviceUrl）を検証する。
// serviceUrlは外部から届く値なので、送信前の静的検証と、
// DNS解決後のIP検証を行うHTTPクライアントの両方で守る。
type OutboundGuard interface {
	// NewClient はプライベートIP等への接続を拒否するHTTPクライアントを生成する。
	NewClient(timeout time.Duration) *http.Client
	// ValidateServiceURL は送信先URLを事前に検証する。
	ValidateServiceURL(rawURL string) error
}

// OutboundConfig は送信先検証の設定。
type OutboundConfig struct {
	// AllowedHosts が空でない場合、ホスト名がいずれかに一致（またはサブドメイン）する場合のみ許可する。
	AllowedHosts []string
	// AllowHTTP はhttpスキームを許可する。既定ではhttpsのみ。
	AllowHTTP bool
}

// blockedNetworks は送信先として拒否するネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"100.64.0.0/10",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

type outboundGuard struct {
	allowedHosts []string
	schemes      []string
}

// NewOutboundGuard はOutboundGuardを生成する。
func NewOutboundGuard(config OutboundConfig) OutboundGuard {
	schemes := []string{"https"}
	if config.AllowHTTP {
		schemes = append(schemes, "http")
	}
	hosts := make([]string, 0, len(config.AllowedHosts))
	for _, h := range config.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	return &outboundGuard{allowedHosts: hosts, schemes: schemes}
}

// NewClient はsafeurlでラップしたHTTPクライアントを返す。
// safeurlはDialerのControlフックで解決後のIPを検証するため、DNS再バインディングも防ぐ。
func (g *outboundGuard) NewClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(g.schemes...).
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(config).Client
}

// ValidateServiceURL はスキーム、ホスト、IP、許可ホスト一覧を静的に検証する。
func (g *outboundGuard) ValidateServiceURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty service URL")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid service URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !g.schemeAllowed(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, g.schemes)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("empty host in service URL: %s", rawURL)
	}
	if parsed.User != nil {
		return fmt.Errorf("userinfo is not allowed in service URL")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
	} else if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	if len(g.allowedHosts) > 0 && !g.hostAllowed(host) {
		return fmt.Errorf("host not in allow list: %s", host)
	}
	return nil
}

func (g *outboundGuard) schemeAllowed(scheme string) bool {
	for _, s := range g.schemes {
		if s == scheme {
			return true
		}
	}
	return false
}

func (g *outboundGuard) hostAllowed(host string) bool {
	for _, allowed := range g.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
