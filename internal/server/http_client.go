package server

import (
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/offline-hub/internal/config"
)

const defaultUpstreamTimeout = 30 * time.Second

// newOriginTransport 构建回源 Transport；同一进程内所有未配置 Proxy 的站点共享一份。
func newOriginTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// NewUpstreamClient 返回回源共用的 http.Client，超时取 Global.UpstreamTimeout。
// 不跟随重定向：3xx 原样交给浏览器或离线控制器处理。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := defaultUpstreamTimeout
	if cfg != nil {
		if d := cfg.Global.UpstreamTimeout.DurationValue(); d > 0 {
			timeout = d
		}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: newOriginTransport(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ClientForSite 为配置了 Proxy 的站点派生独立 Transport，其余站点直接复用 base。
func ClientForSite(base *http.Client, proxyURL *url.URL) *http.Client {
	if base == nil || proxyURL == nil {
		return base
	}
	transport := newOriginTransport()
	if t, ok := base.Transport.(*http.Transport); ok && t != nil {
		transport = t.Clone()
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	client := *base
	client.Transport = transport
	return &client
}

// hopByHopHeaders 是 RFC 7230 6.1 规定只在单跳有效的头部。
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// CopyHeaders 把 src 中可跨跳的头追加到 dst。除固定的 hop-by-hop 列表外，
// src 的 Connection 头点名的字段也会被丢弃。
func CopyHeaders(dst, src http.Header) {
	named := connectionTokens(src)
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if IsHopByHopHeader(canonical) {
			continue
		}
		if _, drop := named[canonical]; drop {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether key is in the fixed hop-by-hop list.
func IsHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	for _, h := range hopByHopHeaders {
		if h == canonical {
			return true
		}
	}
	return false
}

func connectionTokens(h http.Header) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				tokens[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return tokens
}
