package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SiteFields 提供站点与缓存版本字段，供生命周期日志复用。
func SiteFields(site, domain, version string) logrus.Fields {
	return logrus.Fields{
		"site":          site,
		"domain":        domain,
		"cache_version": version,
	}
}

// RequestFields 在站点字段基础上补充请求分类、响应来源与命中状态。
func RequestFields(site, domain, version, class, source string, cacheHit bool) logrus.Fields {
	fields := SiteFields(site, domain, version)
	fields["request_class"] = class
	fields["source"] = source
	fields["cache_hit"] = cacheHit
	return fields
}
