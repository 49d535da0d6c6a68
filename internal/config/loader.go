package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultOfflinePage 是未配置 OfflinePage 时使用的离线兜底页面。
const DefaultOfflinePage = "offline.html"

// DefaultPrecache 返回默认预缓存清单：离线页、favicon、两种尺寸 logo 与 manifest。
func DefaultPrecache() []string {
	return []string{
		DefaultOfflinePage,
		"favicon.ico",
		"logo192.png",
		"logo512.png",
		"manifest.json",
	}
}

// DefaultStaticExtensions 返回按扩展名识别静态资源的默认白名单。
func DefaultStaticExtensions() []string {
	return []string{
		"png", "jpg", "jpeg", "gif", "svg", "webp", "ico",
		"css", "js",
		"woff", "woff2", "ttf",
	}
}

// DefaultMaxBodySize 是 MaxBodySize 的默认值（32 MiB）。
const DefaultMaxBodySize int64 = 32 << 20

// EnvPrefix 是全局字段的环境变量前缀，例如 OFFLINE_HUB_LISTENPORT 覆盖 ListenPort。
const EnvPrefix = "OFFLINE_HUB"

// unsupportedSiteKeys 列出 [[Site]] 中不接受的字段及提示。
var unsupportedSiteKeys = map[string]string{
	"Port":       "不支持站点级端口，请使用全局 ListenPort",
	"ListenPort": "不支持站点级端口，请使用全局 ListenPort",
	"LogLevel":   "日志配置只能出现在全局段",
}

// Load 读取 TOML 配置，叠加环境变量覆盖与默认值后完成校验。
// path 为空时读取工作目录下的 config.toml。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	if err := rejectUnsupportedSiteKeys(v); err != nil {
		return nil, err
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Sites {
		applySiteDefaults(&cfg.Sites[i])
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"ListenPort":        5000,
		"LogLevel":          "info",
		"LogFilePath":       "",
		"LogMaxSize":        100,
		"LogMaxBackups":     10,
		"LogCompress":       true,
		"StorageDriver":     StorageDriverFS,
		"StoragePath":       "./storage",
		"MaxRetries":        3,
		"InitialBackoff":    "1s",
		"UpstreamTimeout":   "30s",
		"MaxBodySize":       DefaultMaxBodySize,
		"AllowRemoteUpdate": false,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverFS
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.MaxBodySize == 0 {
		g.MaxBodySize = DefaultMaxBodySize
	}
}

func applySiteDefaults(s *SiteConfig) {
	s.Domain = strings.TrimSpace(s.Domain)
	s.CacheVersion = strings.TrimSpace(s.CacheVersion)
	s.Scheme = strings.ToLower(strings.TrimSpace(s.Scheme))
	if s.Scheme == "" {
		s.Scheme = "http"
	}
	s.BasePath = "/" + strings.Trim(strings.TrimSpace(s.BasePath), "/")
	if strings.TrimSpace(s.OfflinePage) == "" {
		s.OfflinePage = DefaultOfflinePage
	}
	if len(s.Precache) == 0 {
		s.Precache = DefaultPrecache()
		s.Precache[0] = s.OfflinePage
	}
	if len(s.StaticExtensions) == 0 {
		s.StaticExtensions = DefaultStaticExtensions()
	}
	for i, ext := range s.StaticExtensions {
		s.StaticExtensions[i] = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	}
}

// parseDuration 接受 Go duration 字符串或秒数。
func parseDuration(data any) (Duration, error) {
	switch v := data.(type) {
	case string:
		if v == "" {
			return 0, nil
		}
		if parsed, err := time.ParseDuration(v); err == nil {
			return Duration(parsed), nil
		}
		seconds, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("无法解析 Duration 字段: %s", v)
		}
		return Duration(time.Duration(seconds * float64(time.Second))), nil
	case int:
		return Duration(time.Duration(v) * time.Second), nil
	case int64:
		return Duration(time.Duration(v) * time.Second), nil
	case float64:
		return Duration(time.Duration(v * float64(time.Second))), nil
	case time.Duration:
		return Duration(v), nil
	case Duration:
		return v, nil
	default:
		return 0, fmt.Errorf("不支持的 Duration 类型: %T", v)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(Duration(0))
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		return parseDuration(data)
	}
}

// rejectUnsupportedSiteKeys 拒绝只允许出现在全局段的字段。
func rejectUnsupportedSiteKeys(v *viper.Viper) error {
	sites, ok := v.Get("Site").([]any)
	if !ok {
		return nil
	}
	for idx, entry := range sites {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		for key := range m {
			reason, bad := unsupportedSiteKeys[key]
			if !bad {
				continue
			}
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := m["Name"].(string); ok && rawName != "" {
				name = rawName
			}
			return newFieldError(siteField(name, key), reason)
		}
	}
	return nil
}
