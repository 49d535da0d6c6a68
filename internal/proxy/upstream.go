package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
)

// Upstream 是站点 Origin 的网络访问实现，同时服务离线控制器（缓冲整个正文）
// 与透传路径（流式返回 *http.Response）。
type Upstream struct {
	client  *http.Client
	route   *server.SiteRoute
	maxBody int64
}

var _ offline.Fetcher = (*Upstream)(nil)

// NewUpstream 为站点构建 Upstream，配置了 Proxy 的站点使用独立 Transport。
// maxBody > 0 时 Fetch 最多缓冲 maxBody 字节。
func NewUpstream(client *http.Client, route *server.SiteRoute, maxBody int64) *Upstream {
	return &Upstream{
		client:  server.ClientForSite(client, route.ProxyURL),
		route:   route,
		maxBody: maxBody,
	}
}

// Fetch implements offline.Fetcher. 正文超过 maxBody 时返回 offline.ErrResponseTooLarge。
func (u *Upstream) Fetch(ctx context.Context, req *offline.Request) (*offline.Response, error) {
	resp, err := u.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if u.maxBody > 0 && resp.ContentLength > u.maxBody {
		return nil, fmt.Errorf("%w: %s declares %d bytes", offline.ErrResponseTooLarge, req.URL, resp.ContentLength)
	}
	var reader io.Reader = resp.Body
	if u.maxBody > 0 {
		reader = io.LimitReader(resp.Body, u.maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if u.maxBody > 0 && int64(len(body)) > u.maxBody {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", offline.ErrResponseTooLarge, req.URL, u.maxBody)
	}
	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	return &offline.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
		Source: offline.SourceNetwork,
	}, nil
}

// Do 把作用域下的请求改写到 Origin 并发出，调用方负责关闭响应体。
func (u *Upstream) Do(ctx context.Context, req *offline.Request) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target := u.route.UpstreamURL(req.URL)
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), bytesReader(req.Body))
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Host")
	// 交给 Transport 自动协商压缩，缓存中保存解压后的正文
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = target.Host

	return u.client.Do(httpReq)
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}
