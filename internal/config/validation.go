package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StorageDriver {
	case StorageDriverFS, StorageDriverSQLite:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 fs/sqlite")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxBodySize <= 0 {
		return newFieldError("Global.MaxBodySize", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]string{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if strings.ContainsAny(site.Name, `/\ `) {
			return newFieldError(siteField(site.Name, "Name"), "不允许包含路径分隔符或空格")
		}
		if strings.HasPrefix(site.Name, ".") {
			return newFieldError(siteField(site.Name, "Name"), "不能以 . 开头")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		domainKey := strings.ToLower(site.Domain)
		if other, exists := seenDomains[domainKey]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "与 Site["+other+"] 重复")
		}
		seenDomains[domainKey] = site.Name
		if site.Scheme != "http" && site.Scheme != "https" {
			return newFieldError(siteField(site.Name, "Scheme"), "仅支持 http/https")
		}
		if err := validateCacheVersion(site.CacheVersion); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "CacheVersion"), err)
		}
		if err := validateOrigin(site.Origin); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Origin"), err)
		}
		if site.Proxy != "" {
			if err := validateOrigin(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}
		if err := validateAssetPath(site.OfflinePage); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "OfflinePage"), err)
		}
		if !containsAsset(site.Precache, site.OfflinePage) {
			return newFieldError(siteField(site.Name, "Precache"), "必须包含 OfflinePage")
		}
		for _, asset := range site.Precache {
			if err := validateAssetPath(asset); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Precache"), err)
			}
		}
		for _, ext := range site.StaticExtensions {
			if ext == "" || strings.ContainsAny(ext, "./ ") {
				return newFieldError(siteField(site.Name, "StaticExtensions"), fmt.Sprintf("非法扩展名: %q", ext))
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

// validateCacheVersion 限制版本标签只能作为单层目录名/表键使用。
func validateCacheVersion(version string) error {
	if version == "" {
		return errors.New("缓存版本不能为空")
	}
	// 缓存代名称会成为目录名或表键，以 . 开头的名字留给存储层的暂存目录
	if strings.HasPrefix(version, ".") || strings.ContainsAny(version, `/\ `) {
		return fmt.Errorf("非法缓存版本: %s", version)
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}

func validateAssetPath(asset string) error {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return errors.New("资源路径不能为空")
	}
	if strings.Contains(trimmed, "://") {
		return fmt.Errorf("资源路径必须是作用域内的相对路径: %s", asset)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == ".." {
			return fmt.Errorf("资源路径越出作用域: %s", asset)
		}
	}
	return nil
}

func containsAsset(list []string, asset string) bool {
	want := strings.TrimLeft(strings.TrimSpace(asset), "/")
	for _, item := range list {
		if strings.TrimLeft(strings.TrimSpace(item), "/") == want {
			return true
		}
	}
	return false
}
