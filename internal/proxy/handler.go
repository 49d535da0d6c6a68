package proxy

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
)

const (
	headerSource    = "X-Offline-Hub-Source"
	headerCacheHit  = "X-Offline-Hub-Cache-Hit"
	headerVersion   = "X-Offline-Hub-Version"
	headerRequestID = "X-Request-ID"

	sourcePassthrough = "passthrough"
)

// Handler 把每个入站请求转换为 fetch 通知交给站点的离线控制器；
// 控制器不介入（或站点尚未被接管）时以流式方式透传到 Origin。
type Handler struct {
	client    *http.Client
	logger    *logrus.Logger
	maxBody   int64
	upstreams sync.Map // key: site name, value: *Upstream
}

// NewHandler constructs a proxy handler with shared HTTP client/logger.
// maxBody 限制控制器缓冲的单个回源响应大小，<=0 时使用 config.DefaultMaxBodySize。
func NewHandler(client *http.Client, logger *logrus.Logger, maxBody int64) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	if maxBody <= 0 {
		maxBody = config.DefaultMaxBodySize
	}
	return &Handler{
		client:  client,
		logger:  logger,
		maxBody: maxBody,
	}
}

// Network 返回站点复用的 Upstream，可直接作为 server.NetworkFactory 使用。
func (h *Handler) Network(route *server.SiteRoute) offline.Fetcher {
	return h.upstream(route)
}

func (h *Handler) upstream(route *server.SiteRoute) *Upstream {
	if value, ok := h.upstreams.Load(route.Config.Name); ok {
		return value.(*Upstream)
	}
	value, _ := h.upstreams.LoadOrStore(route.Config.Name, NewUpstream(h.client, route, h.maxBody))
	return value.(*Upstream)
}

// Handle 执行 控制器判定 → 缓存/网络/离线页 → 写回响应，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := buildFetchRequest(c, route)
	upstream := h.upstream(route)

	worker := route.Controller()
	if worker == nil {
		return h.passthrough(ctx, c, route, upstream, req, "", requestID, started)
	}

	// 作用域之外的页面导航不归该控制器管辖
	if req.IsNavigation() && !route.Registration.Controls(req.URL) {
		return h.passthrough(ctx, c, route, upstream, req, worker.Version(), requestID, started)
	}

	class := worker.Classify(req)
	event := offline.FetchEvent{Request: req}
	if class == offline.ClassNavigation && worker.NavigationPreloadEnabled() {
		event.Preload = offline.StartPreload(ctx, upstream, req)
	}

	resp, handled, err := worker.Fetch(ctx, event)
	if !handled {
		return h.passthrough(ctx, c, route, upstream, req, worker.Version(), requestID, started)
	}
	if err != nil {
		h.logResult(route, worker.Version(), class, "", requestID, 0, false, started, err)
		setRequestIDHeader(c, requestID)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	return h.writeResponse(c, route, worker.Version(), class, resp, requestID, started)
}

func (h *Handler) writeResponse(
	c fiber.Ctx,
	route *server.SiteRoute,
	version string,
	class offline.Class,
	resp *offline.Response,
	requestID string,
	started time.Time,
) error {
	copyResponseHeaders(c, resp.Header)
	cacheHit := isCacheSource(resp.Source)
	c.Set(headerSource, string(resp.Source))
	c.Set(headerCacheHit, fmt.Sprintf("%t", cacheHit))
	c.Set(headerVersion, version)
	setRequestIDHeader(c, requestID)
	c.Status(resp.Status)

	h.logResult(route, version, class, string(resp.Source), requestID, resp.Status, cacheHit, started, nil)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) passthrough(
	ctx context.Context,
	c fiber.Ctx,
	route *server.SiteRoute,
	upstream *Upstream,
	req *offline.Request,
	version string,
	requestID string,
	started time.Time,
) error {
	resp, err := upstream.Do(ctx, req)
	if err != nil {
		h.logResult(route, version, offline.ClassDeclined, sourcePassthrough, requestID, 0, false, started, err)
		setRequestIDHeader(c, requestID)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(headerSource, sourcePassthrough)
	c.Set(headerCacheHit, "false")
	if version != "" {
		c.Set(headerVersion, version)
	}
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, version, offline.ClassDeclined, sourcePassthrough, requestID, resp.StatusCode, false, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, version, offline.ClassDeclined, sourcePassthrough, requestID, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.SiteRoute,
	version string,
	class offline.Class,
	source string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		version,
		string(class),
		source,
		cacheHit,
	)
	fields["action"] = "proxy"
	fields["upstream"] = route.OriginURL.String()
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildFetchRequest 从 Fiber 上下文构造请求描述，并补充 X-Forwarded-* 头。
func buildFetchRequest(c fiber.Ctx, route *server.SiteRoute) *offline.Request {
	uri := c.Request().URI()
	header := fiberHeadersAsHTTP(c)
	method := c.Method()

	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Scheme())
	header.Set("X-Forwarded-Port", routePort(route))

	return &offline.Request{
		Method: method,
		URL:    route.RequestURL(string(uri.Path()), string(uri.QueryString())),
		Header: header,
		Body:   append([]byte(nil), c.Body()...),
		Mode:   detectMode(method, header),
	}
}

// detectMode 优先采用浏览器的 Sec-Fetch-Mode；缺失时把偏好 HTML 的 GET/HEAD 视为导航。
func detectMode(method string, header http.Header) offline.Mode {
	if mode := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode"))); mode != "" {
		return offline.Mode(mode)
	}
	if method != http.MethodGet && method != http.MethodHead {
		return offline.ModeNoCORS
	}
	if prefersHTML(header.Get("Accept")) {
		return offline.ModeNavigate
	}
	return offline.ModeNoCORS
}

func prefersHTML(accept string) bool {
	first, _, _ := strings.Cut(accept, ",")
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(first))
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func isCacheSource(source offline.Source) bool {
	switch source {
	case offline.SourceCache, offline.SourceOfflinePage:
		return true
	default:
		return false
	}
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func routePort(route *server.SiteRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set(headerRequestID, requestID)
	}
}
