package offline

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/any-hub/offline-hub/internal/cache"
)

// Mode 对应请求的用途，navigate 表示顶层页面导航，其余均为子资源请求。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// Request 是一次 fetch 通知携带的请求描述。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	Mode   Mode
}

// IsNavigation 报告请求是否为页面导航。
func (r *Request) IsNavigation() bool {
	return r != nil && r.Mode == ModeNavigate
}

// Key 返回请求在缓存代中的键。
func (r *Request) Key() cache.Key {
	return cache.NewKey(r.Method, r.URL)
}

// Source 标记响应的来源，便于日志与响应头输出。
type Source string

const (
	SourceNetwork     Source = "network"
	SourcePreload     Source = "preload"
	SourceCache       Source = "cache"
	SourceOfflinePage Source = "offline-page"
	SourceBuiltin     Source = "builtin-offline"
)

// Response 是控制器给出的响应：状态码、头与完整正文。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// Clone 深拷贝响应，写回缓存与返回给调用方的副本互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// Fetcher 代表网络。返回 error 表示网络层失败（离线、连接被拒、超时），
// 非 2xx 状态码仍然是成功的响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Preload 代表宿主在询问控制器之前已经发起的导航预加载。
type Preload interface {
	Response(ctx context.Context) (*Response, error)
}

// FetchEvent 是一次 fetch 通知。Preload 为 nil 表示宿主没有预加载。
type FetchEvent struct {
	Request *Request
	Preload Preload
}

// CacheStorage 是控制器可见的全部缓存代，cache.SiteCaches 即为其实现。
type CacheStorage interface {
	Open(ctx context.Context, name string) (cache.Generation, error)
	Lookup(ctx context.Context, name string) (cache.Generation, error)
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
}

// Controller 是宿主调用的三个生命周期/事件入口。
type Controller interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	// Fetch 返回 handled=false 表示不介入，由宿主走默认网络处理。
	Fetch(ctx context.Context, event FetchEvent) (resp *Response, handled bool, err error)
}

var (
	// ErrPrecacheFailed 表示预缓存清单中至少一个资源获取失败，安装被拒绝。
	ErrPrecacheFailed = errors.New("precache failed")
	// ErrInvalidState 表示在当前生命周期状态下不允许该操作。
	ErrInvalidState = errors.New("invalid lifecycle state")
	// ErrNotActive 表示注册尚无激活的控制器。
	ErrNotActive = errors.New("no active controller")
	// ErrResponseTooLarge 表示网络响应超过可缓冲的大小，控制器放弃处理该请求。
	ErrResponseTooLarge = errors.New("response too large to buffer")
)
