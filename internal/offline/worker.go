package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// Options 描述一个控制器实例：版本标签、作用域、预缓存清单以及依赖的缓存与网络。
type Options struct {
	Site              string
	Version           string
	Scope             *url.URL
	OfflinePage       string
	Precache          []string
	StaticExtensions  []string
	NavigationPreload bool

	Caches  CacheStorage
	Network Fetcher
	Logger  *logrus.Logger
}

// Worker 是绑定到单个缓存版本的离线控制器。
type Worker struct {
	site       string
	version    string
	scope      *url.URL
	offlineURL *url.URL
	precache   []*url.URL
	static     *regexp.Regexp
	enablePre  bool

	caches  CacheStorage
	network Fetcher
	logger  *logrus.Logger

	mu             sync.RWMutex
	state          State
	skipWaiting    bool
	preloadEnabled bool
}

var _ Controller = (*Worker)(nil)

// New 校验选项并解析出离线页与预缓存清单的绝对 URL。
func New(opts Options) (*Worker, error) {
	if strings.TrimSpace(opts.Version) == "" {
		return nil, errors.New("cache version required")
	}
	if opts.Scope == nil || opts.Scope.Scheme == "" || opts.Scope.Host == "" {
		return nil, errors.New("absolute scope url required")
	}
	if opts.Caches == nil {
		return nil, errors.New("cache storage required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher required")
	}
	if strings.TrimSpace(opts.OfflinePage) == "" {
		return nil, errors.New("offline page required")
	}

	offlineURL, err := ResolveAsset(opts.Scope, opts.OfflinePage)
	if err != nil {
		return nil, fmt.Errorf("resolve offline page: %w", err)
	}

	precache := make([]*url.URL, 0, len(opts.Precache)+1)
	seen := make(map[string]struct{}, len(opts.Precache)+1)
	for _, asset := range append([]string{opts.OfflinePage}, opts.Precache...) {
		u, err := ResolveAsset(opts.Scope, asset)
		if err != nil {
			return nil, fmt.Errorf("resolve precache asset %q: %w", asset, err)
		}
		if _, ok := seen[u.String()]; ok {
			continue
		}
		seen[u.String()] = struct{}{}
		precache = append(precache, u)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Worker{
		site:       opts.Site,
		version:    opts.Version,
		scope:      opts.Scope,
		offlineURL: offlineURL,
		precache:   precache,
		static:     StaticPattern(opts.StaticExtensions),
		enablePre:  opts.NavigationPreload,
		caches:     opts.Caches,
		network:    opts.Network,
		logger:     logger,
		state:      StateParsed,
	}, nil
}

// Version 返回该实例绑定的缓存版本标签。
func (w *Worker) Version() string { return w.version }

// Scope 返回作用域根 URL 的副本。
func (w *Worker) Scope() *url.URL {
	u := *w.scope
	return &u
}

// OfflineURL 返回离线页的绝对地址。
func (w *Worker) OfflineURL() string { return w.offlineURL.String() }

// PrecacheURLs 返回预缓存清单的绝对地址，离线页排在首位。
func (w *Worker) PrecacheURLs() []string {
	out := make([]string, len(w.precache))
	for i, u := range w.precache {
		out[i] = u.String()
	}
	return out
}

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// SkipWaiting 报告安装后是否要求立即激活。
func (w *Worker) SkipWaiting() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// NavigationPreloadEnabled 报告激活后是否开启了导航预加载。
func (w *Worker) NavigationPreloadEnabled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.preloadEnabled
}

// Classify 按当前实例的作用域与静态扩展名给请求分类。
func (w *Worker) Classify(req *Request) Class {
	return Classify(req, w.scope, w.static)
}

// Install 获取整个预缓存清单并一次性写入当前版本的缓存代。
// 任一资源出现网络错误或非 2xx 状态都会拒绝安装，缓存代保持不变，实例回到 parsed 以便重试。
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateInstalling, StateParsed); err != nil {
		return err
	}

	start := time.Now()
	entries, err := w.fetchPrecache(ctx)
	if err == nil {
		var gen cache.Generation
		gen, err = w.caches.Open(ctx, w.version)
		if err == nil {
			err = gen.PutAll(ctx, entries)
		}
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrPrecacheFailed, err)
		}
	}
	if err != nil {
		w.setState(StateParsed)
		w.logger.WithFields(w.fields()).
			WithError(err).
			WithField("action", "install").
			Warn("install_failed")
		return err
	}

	w.mu.Lock()
	w.state = StateInstalled
	w.skipWaiting = true
	w.mu.Unlock()

	w.logger.WithFields(w.fields()).
		WithFields(logrus.Fields{
			"action":       "install",
			"precached":    len(entries),
			"elapsed_ms":   time.Since(start).Milliseconds(),
			"skip_waiting": true,
		}).
		Info("install_complete")
	return nil
}

func (w *Worker) fetchPrecache(ctx context.Context) ([]cache.Entry, error) {
	entries := make([]cache.Entry, len(w.precache))
	errs := make([]error, len(w.precache))

	var wg sync.WaitGroup
	for i, target := range w.precache {
		wg.Add(1)
		go func(i int, target *url.URL) {
			defer wg.Done()
			req := &Request{
				Method: http.MethodGet,
				URL:    target,
				Header: http.Header{},
				Mode:   ModeSameOrigin,
			}
			resp, err := w.network.Fetch(ctx, req)
			if err != nil {
				errs[i] = fmt.Errorf("%w: %s: %v", ErrPrecacheFailed, target, err)
				return
			}
			if resp.Status < 200 || resp.Status > 299 {
				errs[i] = fmt.Errorf("%w: %s: status %d", ErrPrecacheFailed, target, resp.Status)
				return
			}
			entries[i] = responseToEntry(req.Key(), resp)
		}(i, target)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return entries, nil
}

// Activate 开启导航预加载（若配置），删除除当前版本以外的全部缓存代。
// 重复调用是安全的：已不存在的旧缓存代不会再被删除。
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateInstalled, StateActivating, StateActivated:
	default:
		current := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, current)
	}
	reactivate := w.state == StateActivated
	if !reactivate {
		w.state = StateActivating
	}
	if w.enablePre {
		w.preloadEnabled = true
	}
	w.mu.Unlock()

	names, err := w.caches.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list cache generations: %w", err)
	}
	var removed []string
	for _, name := range names {
		if name == w.version {
			continue
		}
		deleted, err := w.caches.Delete(ctx, name)
		if err != nil {
			return fmt.Errorf("delete cache generation %s: %w", name, err)
		}
		if deleted {
			removed = append(removed, name)
			w.logger.WithFields(w.fields()).
				WithField("action", "activate").
				WithField("generation", name).
				Info("generation_deleted")
		}
	}

	w.setState(StateActivated)
	w.logger.WithFields(w.fields()).
		WithFields(logrus.Fields{
			"action":              "activate",
			"removed_generations": removed,
			"navigation_preload":  w.NavigationPreloadEnabled(),
		}).
		Info("activate_complete")
	return nil
}

// Fetch 处理一次 fetch 通知。未激活或未分类的请求返回 handled=false。
// 静态资源在缓存未命中且网络失败时返回 handled=true 与网络错误。
// 网络响应超过回源缓冲上限（ErrResponseTooLarge）时同样返回 handled=false，交给宿主直接透传。
func (w *Worker) Fetch(ctx context.Context, event FetchEvent) (*Response, bool, error) {
	if w.State() != StateActivated {
		return nil, false, nil
	}
	req := event.Request
	switch w.Classify(req) {
	case ClassNavigation:
		resp, handled := w.handleNavigation(ctx, event)
		return resp, handled, nil
	case ClassStatic:
		return w.handleStatic(ctx, req)
	default:
		return nil, false, nil
	}
}

func (w *Worker) handleNavigation(ctx context.Context, event FetchEvent) (*Response, bool) {
	if event.Preload != nil && w.NavigationPreloadEnabled() {
		resp, err := event.Preload.Response(ctx)
		switch {
		case errors.Is(err, ErrResponseTooLarge):
			return nil, false
		case err != nil:
			return w.offlineFallback(ctx, event.Request, err), true
		case resp != nil:
			resp.Source = SourcePreload
			return resp, true
		}
	}

	resp, err := w.network.Fetch(ctx, event.Request)
	if errors.Is(err, ErrResponseTooLarge) {
		return nil, false
	}
	if err != nil {
		return w.offlineFallback(ctx, event.Request, err), true
	}
	resp.Source = SourceNetwork
	return resp, true
}

func (w *Worker) offlineFallback(ctx context.Context, req *Request, cause error) *Response {
	entry, err := w.matchCurrent(ctx, cache.NewKey(http.MethodGet, w.offlineURL))
	logger := w.logger.WithFields(w.fields()).
		WithField("action", "navigate").
		WithField("url", req.URL.String()).
		WithField("network_error", cause.Error())
	if err != nil {
		logger.WithError(err).Warn("offline_page_unavailable")
		return builtinOfflineResponse()
	}
	logger.Info("offline_fallback")
	return entryToResponse(entry, SourceOfflinePage)
}

// handleStatic 只查找已存在的当前缓存代：缓存代被新版本激活删除后不会被重新创建，
// 此时直接回源且不写回。
func (w *Worker) handleStatic(ctx context.Context, req *Request) (*Response, bool, error) {
	key := req.Key()
	gen, err := w.caches.Lookup(ctx, w.version)
	if err != nil {
		if !errors.Is(err, cache.ErrGenerationMissing) {
			w.logger.WithFields(w.fields()).WithError(err).Warn("cache_open_failed")
		}
		gen = nil
	}
	if gen != nil {
		entry, err := gen.Match(ctx, key)
		if err == nil {
			return entryToResponse(entry, SourceCache), true, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithFields(w.fields()).WithError(err).WithField("key", key.String()).Warn("cache_match_failed")
		}
	}

	resp, err := w.network.Fetch(ctx, req)
	if errors.Is(err, ErrResponseTooLarge) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, err
	}
	resp.Source = SourceNetwork
	if gen != nil && resp.Status == http.StatusOK {
		if err := gen.Put(ctx, responseToEntry(key, resp)); err != nil && !errors.Is(err, cache.ErrGenerationMissing) {
			w.logger.WithFields(w.fields()).WithError(err).WithField("key", key.String()).Warn("cache_write_failed")
		}
	}
	return resp, true, nil
}

// matchCurrent 在当前版本缓存代中查找 key，缓存代不存在时返回 ErrGenerationMissing。
func (w *Worker) matchCurrent(ctx context.Context, key cache.Key) (*cache.Entry, error) {
	gen, err := w.caches.Lookup(ctx, w.version)
	if err != nil {
		return nil, err
	}
	return gen.Match(ctx, key)
}

// markRedundant 在被新实例取代后调用。
func (w *Worker) markRedundant() {
	w.setState(StateRedundant)
}

func (w *Worker) transition(to State, from ...State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, allowed := range from {
		if w.state == allowed {
			w.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s from %s", ErrInvalidState, to, w.state)
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) fields() logrus.Fields {
	return logging.SiteFields(w.site, w.scope.Host, w.version)
}

func responseToEntry(key cache.Key, resp *Response) cache.Entry {
	body := append([]byte(nil), resp.Body...)
	return cache.Entry{
		Key:    key,
		Status: resp.Status,
		Header: resp.Header.Clone(),
		Body:   body,
	}
}

func entryToResponse(entry *cache.Entry, source Source) *Response {
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status: entry.Status,
		Header: header,
		Body:   entry.Body,
		Source: source,
	}
}
