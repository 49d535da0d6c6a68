package cache

import (
	"context"
	"fmt"
	"strings"
)

// Open 按 driver 选择缓存后端：fs 时 path 是根目录，sqlite 时 path 是数据库文件。
func Open(driver, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "fs":
		return NewStore(path)
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

// SiteCaches 把 Store 限定在单个站点命名空间内，相当于该站点可见的全部缓存代。
type SiteCaches struct {
	store Store
	site  string
}

// ForSite 返回 site 命名空间下的缓存视图。
func ForSite(store Store, site string) SiteCaches {
	return SiteCaches{store: store, site: site}
}

// Site 返回命名空间名称。
func (c SiteCaches) Site() string {
	return c.site
}

// Open 打开（不存在时创建）名为 name 的缓存代。
func (c SiteCaches) Open(ctx context.Context, name string) (Generation, error) {
	return c.store.Open(ctx, c.site, name)
}

// Lookup 打开已存在的缓存代，不存在时返回 ErrGenerationMissing。
func (c SiteCaches) Lookup(ctx context.Context, name string) (Generation, error) {
	return c.store.Lookup(ctx, c.site, name)
}

// Keys 返回当前站点的全部缓存代名称。
func (c SiteCaches) Keys(ctx context.Context) ([]string, error) {
	return c.store.Keys(ctx, c.site)
}

// Delete 删除名为 name 的缓存代。
func (c SiteCaches) Delete(ctx context.Context, name string) (bool, error) {
	return c.store.Delete(ctx, c.site, name)
}
