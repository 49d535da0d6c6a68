package offline

import (
	"context"
	"sync"
)

// pendingPreload 是已经在后台发起的一次网络请求，结果只计算一次。
type pendingPreload struct {
	done chan struct{}
	once sync.Once
	resp *Response
	err  error
}

// StartPreload 立即在后台用 network 发起 req，供导航处理时复用。
// ctx 取消会中止预加载本身。
func StartPreload(ctx context.Context, network Fetcher, req *Request) Preload {
	p := &pendingPreload{done: make(chan struct{})}
	go func() {
		resp, err := network.Fetch(ctx, req)
		p.finish(resp, err)
	}()
	return p
}

func (p *pendingPreload) finish(resp *Response, err error) {
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
	})
}

// Response 等待预加载完成；ctx 先结束时返回 ctx 的错误。
func (p *pendingPreload) Response(ctx context.Context) (*Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
