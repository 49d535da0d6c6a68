package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
)

func TestHandlerPassesThroughBeforeControl(t *testing.T) {
	origin := newTestOrigin(t)
	env := newOfflineEnv(t, origin)

	resp := env.do(t, navigationReq("/portfolio/"))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Offline-Hub-Source"); got != "passthrough" {
		t.Fatalf("uncontrolled site should pass through, got %q", got)
	}
	if body := readBody(t, resp); body != "home page" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHandlerNavigationFallsBackToOfflinePage(t *testing.T) {
	origin := newTestOrigin(t)
	env := newOfflineEnv(t, origin)
	env.activate(t)

	resp := env.do(t, navigationReq("/portfolio/projects"))
	if resp.Header.Get("X-Offline-Hub-Source") != "preload" {
		t.Fatalf("online navigation should use the preload response, got %q", resp.Header.Get("X-Offline-Hub-Source"))
	}
	if body := readBody(t, resp); body != "projects page" {
		t.Fatalf("unexpected body %q", body)
	}

	origin.down.Store(true)
	resp = env.do(t, navigationReq("/portfolio/projects"))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("offline navigation should serve cached offline page with 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Offline-Hub-Source") != "offline-page" || resp.Header.Get("X-Offline-Hub-Cache-Hit") != "true" {
		t.Fatalf("unexpected offline headers: %v", resp.Header)
	}
	if resp.Header.Get("X-Offline-Hub-Version") != "gp-cache-v1" {
		t.Fatalf("version header missing: %v", resp.Header)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("request id header missing")
	}
	if body := readBody(t, resp); body != "offline page" {
		t.Fatalf("unexpected offline body %q", body)
	}
}

func TestHandlerNavigationOutsideScopeIsNotControlled(t *testing.T) {
	origin := newTestOrigin(t)
	env := newOfflineEnv(t, origin)
	env.activate(t)

	resp := env.do(t, navigationReq("/blog/post"))
	if got := resp.Header.Get("X-Offline-Hub-Source"); got != "passthrough" {
		t.Fatalf("navigation outside /portfolio/ should pass through, got %q", got)
	}
	if body := readBody(t, resp); body != "blog post" {
		t.Fatalf("unexpected body %q", body)
	}

	origin.down.Store(true)
	resp = env.do(t, navigationReq("/blog/post"))
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("offline navigation outside scope should fail like the origin, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); strings.Contains(body, "offline page") {
		t.Fatalf("offline page must not be served outside the scope: %q", body)
	}

	resp = env.do(t, navigationReq("/portfolio/projects"))
	if got := resp.Header.Get("X-Offline-Hub-Source"); got != "offline-page" {
		t.Fatalf("navigation inside the scope should still fall back, got %q", got)
	}
}

func TestHandlerOversizedStaticAssetPassesThrough(t *testing.T) {
	origin := newTestOrigin(t)
	env := newOfflineEnvWith(t, origin, func(cfg *config.Config) {
		cfg.Global.MaxBodySize = 32
	})
	env.activate(t)

	resp := env.do(t, assetReq(http.MethodGet, "/portfolio/static/img/hero.png"))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Offline-Hub-Source"); got != "passthrough" {
		t.Fatalf("oversized asset should be streamed by passthrough, got %q", got)
	}
	if body := readBody(t, resp); len(body) != 64 {
		t.Fatalf("passthrough should deliver the full body, got %d bytes", len(body))
	}

	gen, err := env.route.Caches.Lookup(context.Background(), "gp-cache-v1")
	if err != nil {
		t.Fatalf("lookup generation: %v", err)
	}
	keys, _ := gen.Keys(context.Background())
	for _, key := range keys {
		if strings.HasSuffix(key.URL, "/hero.png") {
			t.Fatalf("oversized asset must not be cached: %s", key)
		}
	}
}

func TestHandlerStaticCacheFirst(t *testing.T) {
	origin := newTestOrigin(t)
	env := newOfflineEnv(t, origin)
	env.activate(t)

	first := env.do(t, assetReq(http.MethodGet, "/portfolio/static/js/main.js"))
	if first.Header.Get("X-Offline-Hub-Source") != "network" {
		t.Fatalf("first fetch should come from network, got %q", first.Header.Get("X-Offline-Hub-Source"))
	}
	readBody(t, first)

	origin.down.Store(true)
	second := env.do(t, assetReq(http.MethodGet, "/portfolio/static/js/main.js"))
	if second.StatusCode != fiber.StatusOK || second.Header.Get("X-Offline-Hub-Cache-Hit") != "true" {
		t.Fatalf("second fetch should be served from cache, got %d %v", second.StatusCode, second.Header)
	}
	if body := readBody(t, second); body != "console.log('gp')" {
		t.Fatalf("unexpected cached body %q", body)
	}
	if got := second.Header.Get("Content-Type"); !strings.HasPrefix(got, "application/javascript") {
		t.Fatalf("cached content type should be replayed, got %q", got)
	}
	if hits := origin.hitCount("/portfolio/static/js/main.js"); hits != 1 {
		t.Fatalf("expected a single origin hit, got %d", hits)
	}
}

func TestHandlerStaticMissWhileOfflineReturns502(t *testing.T) {
	origin := newTestOrigin(t)
	env := newOfflineEnv(t, origin)
	env.activate(t)
	origin.down.Store(true)

	resp := env.do(t, assetReq(http.MethodGet, "/portfolio/static/css/main.css"))
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected upstream_failed body, got %s", body)
	}
}

func TestHandlerDeclinedRequestsStreamToOrigin(t *testing.T) {
	origin := newTestOrigin(t)
	env := newOfflineEnv(t, origin)
	env.activate(t)

	req := httptest.NewRequest(http.MethodPost, "http://gp.local/portfolio/api/data?draft=1", strings.NewReader(`{"name":"gp"}`))
	req.Host = "gp.local"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "keep-alive")

	resp := env.do(t, req)
	if resp.Header.Get("X-Offline-Hub-Source") != "passthrough" {
		t.Fatalf("POST should be declined, got %q", resp.Header.Get("X-Offline-Hub-Source"))
	}
	if body := readBody(t, resp); body != `echo:{"name":"gp"}` {
		t.Fatalf("unexpected body %q", body)
	}

	last := origin.lastRequest()
	if last.Header.Get("X-Forwarded-Host") != "gp.local" {
		t.Fatalf("X-Forwarded-Host missing: %v", last.Header)
	}
	if last.Header.Get("X-Forwarded-Port") != "5000" {
		t.Fatalf("X-Forwarded-Port mismatch: %v", last.Header)
	}
	if last.URL.RawQuery != "draft=1" {
		t.Fatalf("query should be forwarded, got %q", last.URL.RawQuery)
	}

	gen, err := env.route.Caches.Open(context.Background(), "gp-cache-v1")
	if err != nil {
		t.Fatalf("open generation: %v", err)
	}
	keys, _ := gen.Keys(context.Background())
	for _, key := range keys {
		if strings.Contains(key.URL, "/api/") {
			t.Fatalf("declined request must not be cached: %s", key)
		}
	}
}

func TestHandlerHeadForStaticAssetIsDeclined(t *testing.T) {
	origin := newTestOrigin(t)
	env := newOfflineEnv(t, origin)
	env.activate(t)

	resp := env.do(t, assetReq(http.MethodHead, "/portfolio/logo192.png"))
	if resp.Header.Get("X-Offline-Hub-Source") != "passthrough" {
		t.Fatalf("HEAD for static asset should be declined, got %q", resp.Header.Get("X-Offline-Hub-Source"))
	}
}

func TestDetectMode(t *testing.T) {
	cases := []struct {
		name   string
		method string
		header http.Header
		want   offline.Mode
	}{
		{"sec fetch navigate", http.MethodPost, http.Header{"Sec-Fetch-Mode": {"navigate"}}, offline.ModeNavigate},
		{"sec fetch no-cors", http.MethodGet, http.Header{"Sec-Fetch-Mode": {"no-cors"}, "Accept": {"text/html"}}, offline.ModeNoCORS},
		{"html accept", http.MethodGet, http.Header{"Accept": {"text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"}}, offline.ModeNavigate},
		{"xhtml accept", http.MethodHead, http.Header{"Accept": {"application/xhtml+xml"}}, offline.ModeNavigate},
		{"image accept", http.MethodGet, http.Header{"Accept": {"image/avif,image/webp,*/*"}}, offline.ModeNoCORS},
		{"wildcard", http.MethodGet, http.Header{"Accept": {"*/*"}}, offline.ModeNoCORS},
		{"post html", http.MethodPost, http.Header{"Accept": {"text/html"}}, offline.ModeNoCORS},
	}
	for _, tc := range cases {
		if got := detectMode(tc.method, tc.header); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

type offlineEnv struct {
	app       *fiber.App
	route     *server.SiteRoute
	lifecycle *server.Lifecycle
}

func newOfflineEnv(t *testing.T, origin *testOrigin) *offlineEnv {
	t.Helper()
	return newOfflineEnvWith(t, origin, nil)
}

func newOfflineEnvWith(t *testing.T, origin *testOrigin, tweak func(*config.Config)) *offlineEnv {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			StoragePath:     t.TempDir(),
			InitialBackoff:  config.Duration(time.Millisecond),
			UpstreamTimeout: config.Duration(5 * time.Second),
			MaxBodySize:     config.DefaultMaxBodySize,
		},
		Sites: []config.SiteConfig{{
			Name:              "portfolio",
			Domain:            "gp.local",
			Origin:            origin.URL,
			Scheme:            "http",
			BasePath:          "/portfolio",
			CacheVersion:      "gp-cache-v1",
			OfflinePage:       config.DefaultOfflinePage,
			Precache:          config.DefaultPrecache(),
			StaticExtensions:  config.DefaultStaticExtensions(),
			NavigationPreload: true,
		}},
	}
	if tweak != nil {
		tweak(cfg)
	}

	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	logger := logging.Discard()
	registry, err := server.NewSiteRegistry(cfg, store, logger)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	handler := NewHandler(server.NewUpstreamClient(cfg), logger, cfg.Global.MaxBodySize)
	lifecycle, err := server.NewLifecycle(cfg, registry, handler.Network, logger)
	if err != nil {
		t.Fatalf("lifecycle error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	route, _ := registry.Find("portfolio")
	return &offlineEnv{app: app, route: route, lifecycle: lifecycle}
}

func (e *offlineEnv) activate(t *testing.T) {
	t.Helper()
	if err := e.lifecycle.Run(context.Background()); err != nil {
		t.Fatalf("lifecycle run error: %v", err)
	}
}

func (e *offlineEnv) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := e.app.Test(req, fiber.TestConfig{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func navigationReq(path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "http://gp.local"+path, nil)
	req.Host = "gp.local"
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html")
	return req
}

func assetReq(method, path string) *http.Request {
	req := httptest.NewRequest(method, "http://gp.local"+path, nil)
	req.Host = "gp.local"
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

type testOrigin struct {
	*httptest.Server
	down atomic.Bool

	mu   sync.Mutex
	hits map[string]int
	last *http.Request
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{hits: make(map[string]int)}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	if o.down.Load() {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	body, _ := io.ReadAll(r.Body)
	o.mu.Lock()
	o.hits[r.URL.Path]++
	o.last = r.Clone(context.Background())
	o.mu.Unlock()

	switch r.URL.Path {
	case "/portfolio/":
		writeBody(w, "text/html; charset=utf-8", "home page")
	case "/portfolio/projects":
		writeBody(w, "text/html; charset=utf-8", "projects page")
	case "/portfolio/offline.html":
		writeBody(w, "text/html; charset=utf-8", "offline page")
	case "/portfolio/static/js/main.js":
		writeBody(w, "application/javascript", "console.log('gp')")
	case "/blog/post":
		writeBody(w, "text/html; charset=utf-8", "blog post")
	case "/portfolio/static/img/hero.png":
		writeBody(w, "image/png", strings.Repeat("x", 64))
	case "/portfolio/api/data":
		writeBody(w, "application/json", "echo:"+string(body))
	case "/portfolio/favicon.ico", "/portfolio/logo192.png", "/portfolio/logo512.png", "/portfolio/manifest.json":
		writeBody(w, "application/octet-stream", r.URL.Path)
	default:
		http.NotFound(w, r)
	}
}

func (o *testOrigin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *testOrigin) lastRequest() *http.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func writeBody(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}
