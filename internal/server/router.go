package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler 处理落在某个站点上的请求，测试中可注入假实现。
type ProxyHandler interface {
	Handle(fiber.Ctx, *SiteRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *SiteRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *SiteRoute) error {
	return f(c, route)
}

// AppOptions 描述单个监听端口上的 Fiber 应用依赖。
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *SiteRegistry
	Proxy      ProxyHandler
	ListenPort int
}

func (o AppOptions) validate() error {
	switch {
	case o.Logger == nil:
		return errors.New("logger is required")
	case o.Registry == nil:
		return errors.New("site registry is required")
	case o.Proxy == nil:
		return errors.New("proxy handler is required")
	case o.ListenPort <= 0:
		return fmt.Errorf("invalid listen port: %d", o.ListenPort)
	}
	return nil
}

const (
	localsRoute     = "_offlinehub_route"
	localsRequestID = "_offlinehub_request_id"

	// DiagnosticsPrefix 下的路径不参与 Host 路由，由 routes 包注册。
	DiagnosticsPrefix = "/-/"
)

// hostRouter 按 Host 头把请求分派到站点，未登记的 Host 统一返回 404。
type hostRouter struct {
	opts AppOptions
}

// NewApp 构建带 Host 路由与 JSON 错误输出的 Fiber 应用。
// DiagnosticsPrefix 下的请求跳过 Host 路由，交给之后注册的诊断路由。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	router := &hostRouter{opts: opts}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  router.renderError,
	})
	app.Use(recover.New())
	app.Use(router.assignRequestID)
	app.Use(router.resolveSite)
	app.All("/*", router.dispatch)
	return app, nil
}

func (r *hostRouter) assignRequestID(c fiber.Ctx) error {
	reqID := uuid.NewString()
	c.Locals(localsRequestID, reqID)
	c.Set("X-Request-ID", reqID)
	return c.Next()
}

func (r *hostRouter) resolveSite(c fiber.Ctx) error {
	if isDiagnosticsPath(c) {
		return c.Next()
	}
	host := requestHost(c)
	route, ok := r.opts.Registry.Lookup(host)
	if !ok {
		return r.hostUnmapped(c, host)
	}
	c.Locals(localsRoute, route)
	return c.Next()
}

func (r *hostRouter) dispatch(c fiber.Ctx) error {
	if isDiagnosticsPath(c) {
		return c.Next()
	}
	route, _ := c.Locals(localsRoute).(*SiteRoute)
	if route == nil {
		return r.hostUnmapped(c, "")
	}
	return r.opts.Proxy.Handle(c, route)
}

func (r *hostRouter) hostUnmapped(c fiber.Ctx, host string) error {
	r.opts.Logger.WithFields(logrus.Fields{
		"action": "host_lookup",
		"host":   host,
		"port":   r.opts.ListenPort,
	}).Warn("host unmapped")

	if host != "" {
		c.Set("X-Offline-Hub-Host", host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "host_unmapped"})
}

// renderError 把未被处理的错误统一输出为 {"error": ..., "request_id": ...}。
func (r *hostRouter) renderError(c fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := "internal_error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
		message = fe.Message
	}
	if status >= fiber.StatusInternalServerError {
		r.opts.Logger.WithFields(logrus.Fields{
			"action":     "request_error",
			"path":       c.Path(),
			"request_id": RequestID(c),
		}).WithError(err).Error("unhandled error")
	}
	return c.Status(status).JSON(fiber.Map{
		"error":      message,
		"request_id": RequestID(c),
	})
}

func requestHost(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return strings.TrimSpace(string(raw))
	}
	return strings.TrimSpace(c.Hostname())
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(localsRequestID).(string)
	return reqID
}

func isDiagnosticsPath(c fiber.Ctx) bool {
	return strings.HasPrefix(string(c.Request().URI().Path()), DiagnosticsPrefix)
}
