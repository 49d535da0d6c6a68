package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/offline"
)

// SiteRoute 将站点配置与派生属性（作用域、解析后的 Origin/Proxy URL、
// 缓存命名空间与离线注册）聚合在一起，供路由/代理层直接复用。
type SiteRoute struct {
	// Config 是 config.toml 中声明的站点字段副本。
	Config config.SiteConfig
	// ListenPort 记录当前监听端口，方便日志/转发头输出。
	ListenPort int
	// ScopeURL 是客户端看到的站点根地址，离线控制器以它为作用域。
	ScopeURL *url.URL
	// OriginURL/ProxyURL 在构造 Registry 时提前解析完成。
	OriginURL *url.URL
	ProxyURL  *url.URL
	// Caches 是该站点可见的全部缓存代。
	Caches cache.SiteCaches
	// Registration 持有该站点的 installing/waiting/active 控制器。
	Registration *offline.Registration
}

// SiteRegistry 提供 Host/Host:port 到 SiteRoute 的查询能力，所有站点共享同一个监听端口。
type SiteRegistry struct {
	routes  map[string]*SiteRoute
	byName  map[string]*SiteRoute
	ordered []*SiteRoute
}

// NewSiteRegistry 根据配置构建 Host 映射。store 为全站共享的缓存后端。
func NewSiteRegistry(cfg *config.Config, store cache.Store, logger *logrus.Logger) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &SiteRegistry{
		routes: make(map[string]*SiteRoute, len(cfg.Sites)),
		byName: make(map[string]*SiteRoute, len(cfg.Sites)),
	}

	for _, site := range cfg.Sites {
		normalizedHost := normalizeDomain(site.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for site %s", site.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildSiteRoute(cfg, site, store, logger)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[site.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 SiteRoute。
func (r *SiteRegistry) Lookup(host string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}
	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}
	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Find 按站点名称查找。
func (r *SiteRegistry) Find(name string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[strings.TrimSpace(name)]
	return route, ok
}

// List 按配置顺序返回全部站点。
func (r *SiteRegistry) List() []*SiteRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*SiteRoute(nil), r.ordered...)
}

func buildSiteRoute(cfg *config.Config, site config.SiteConfig, store cache.Store, logger *logrus.Logger) (*SiteRoute, error) {
	scopeURL, err := url.Parse(site.ScopeURL())
	if err != nil {
		return nil, fmt.Errorf("invalid scope for site %s: %w", site.Name, err)
	}

	originURL, err := url.Parse(site.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin for site %s: %w", site.Name, err)
	}

	var proxyURL *url.URL
	if site.Proxy != "" {
		proxyURL, err = url.Parse(site.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for site %s: %w", site.Name, err)
		}
	}

	return &SiteRoute{
		Config:       site,
		ListenPort:   cfg.Global.ListenPort,
		ScopeURL:     scopeURL,
		OriginURL:    originURL,
		ProxyURL:     proxyURL,
		Caches:       cache.ForSite(store, site.Name),
		Registration: offline.NewRegistration(site.Name, scopeURL, logger),
	}, nil
}

// Controller 返回当前接管站点的控制器；尚未激活时返回 nil。
func (r *SiteRoute) Controller() *offline.Worker {
	if r == nil || r.Registration == nil {
		return nil
	}
	w, err := r.Registration.Active()
	if err != nil {
		return nil
	}
	return w
}

// RequestURL 把客户端请求路径映射为作用域所在源下的绝对 URL。
func (r *SiteRoute) RequestURL(path, rawQuery string) *url.URL {
	if path == "" {
		path = "/"
	}
	return &url.URL{
		Scheme:   r.ScopeURL.Scheme,
		Host:     r.ScopeURL.Host,
		Path:     path,
		RawQuery: rawQuery,
	}
}

// UpstreamURL 把作用域下的 URL 映射到 Origin，保留路径与查询串。
func (r *SiteRoute) UpstreamURL(u *url.URL) *url.URL {
	path := u.Path
	if path == "" {
		path = "/"
	}
	target := *r.OriginURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	target.RawPath = ""
	target.RawQuery = u.RawQuery
	target.Fragment = ""
	return &target
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
