package routes

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
)

// SiteUpdater 重新执行某个站点的安装与激活。
type SiteUpdater interface {
	UpdateSite(ctx context.Context, name string) (offline.Snapshot, error)
}

// RegisterSiteRoutes 暴露 /-/sites 诊断接口，供运维查询各站点的缓存版本、生命周期与缓存代，
// 并提供部署后触发更新的钩子。allowRemoteUpdate 为 false 时更新钩子只接受回环地址的请求。
func RegisterSiteRoutes(app *fiber.App, registry *server.SiteRegistry, updater SiteUpdater, allowRemoteUpdate bool) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/sites", func(c fiber.Ctx) error {
		ctx := c.Context()
		routes := registry.List()
		payload := make([]sitePayload, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, encodeSite(ctx, route))
		}
		return c.JSON(fiber.Map{"sites": payload})
	})

	app.Get("/-/sites/:name", func(c fiber.Ctx) error {
		route, ok := registry.Find(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		ctx := c.Context()
		payload := encodeSite(ctx, route)
		entries, err := currentEntries(ctx, route)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_read_failed"})
		}
		payload.Entries = entries
		return c.JSON(payload)
	})

	app.Post("/-/sites/:name/update", func(c fiber.Ctx) error {
		if updater == nil {
			return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "update_disabled"})
		}
		if !allowRemoteUpdate && !c.IsFromLocal() {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "update_forbidden"})
		}
		name := strings.TrimSpace(c.Params("name"))
		snap, err := updater.UpdateSite(c.Context(), name)
		switch {
		case errors.Is(err, server.ErrSiteNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		case err != nil:
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":        "install_failed",
				"detail":       err.Error(),
				"registration": snap,
			})
		}
		return c.JSON(fiber.Map{"site": name, "registration": snap})
	})
}

type sitePayload struct {
	Name         string            `json:"name"`
	Domain       string            `json:"domain"`
	Scope        string            `json:"scope"`
	Origin       string            `json:"origin"`
	Port         int               `json:"port"`
	CacheVersion string            `json:"cache_version"`
	Registration offline.Snapshot  `json:"registration"`
	Generations  []string          `json:"generations"`
	Strategies   []strategyPayload `json:"strategies"`
	Entries      []string          `json:"entries,omitempty"`
}

type strategyPayload struct {
	Class       offline.Class `json:"class"`
	Strategy    string        `json:"strategy"`
	Extensions  []string      `json:"extensions,omitempty"`
	OfflinePage string        `json:"offline_page,omitempty"`
}

func encodeSite(ctx context.Context, route *server.SiteRoute) sitePayload {
	site := route.Config
	payload := sitePayload{
		Name:         site.Name,
		Domain:       site.Domain,
		Scope:        route.ScopeURL.String(),
		Origin:       route.OriginURL.String(),
		Port:         route.ListenPort,
		CacheVersion: site.CacheVersion,
		Registration: route.Registration.Snapshot(),
		Strategies:   encodeStrategies(route),
	}
	if names, err := route.Caches.Keys(ctx); err == nil {
		payload.Generations = names
	}
	if payload.Generations == nil {
		payload.Generations = []string{}
	}
	return payload
}

func encodeStrategies(route *server.SiteRoute) []strategyPayload {
	offlinePage := route.Config.OfflinePage
	if w := route.Controller(); w != nil {
		offlinePage = w.OfflineURL()
	}
	return []strategyPayload{
		{Class: offline.ClassNavigation, Strategy: "network-first", OfflinePage: offlinePage},
		{Class: offline.ClassStatic, Strategy: "cache-first", Extensions: append([]string(nil), route.Config.StaticExtensions...)},
		{Class: offline.ClassDeclined, Strategy: "network-only"},
	}
}

// currentEntries 列出当前版本缓存代中的键；缓存代尚不存在时返回空列表而不创建它。
func currentEntries(ctx context.Context, route *server.SiteRoute) ([]string, error) {
	gen, err := route.Caches.Lookup(ctx, route.Config.CacheVersion)
	if errors.Is(err, cache.ErrGenerationMissing) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	keys, err := gen.Keys(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]string, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, key.String())
	}
	return entries, nil
}
