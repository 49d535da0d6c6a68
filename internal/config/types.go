package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

const (
	// StorageDriverFS 将每个缓存代写入 StoragePath/<site>/<generation>/ 目录。
	StorageDriverFS = "fs"
	// StorageDriverSQLite 将所有缓存代写入 StoragePath 指向的单个 SQLite 文件。
	StorageDriverSQLite = "sqlite"
)

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	StoragePath     string   `mapstructure:"StoragePath"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	// MaxBodySize 是控制器缓冲单个回源响应的字节上限，超出的响应直接透传且不缓存。
	MaxBodySize int64 `mapstructure:"MaxBodySize"`
	// AllowRemoteUpdate 为 false 时 POST /-/sites/:name/update 只接受回环地址。
	AllowRemoteUpdate bool `mapstructure:"AllowRemoteUpdate"`
}

// SiteConfig 决定单个站点的离线缓存控制器如何安装、激活以及回源。
type SiteConfig struct {
	Name              string   `mapstructure:"Name"`
	Domain            string   `mapstructure:"Domain"`
	Origin            string   `mapstructure:"Origin"`
	Proxy             string   `mapstructure:"Proxy"`
	Scheme            string   `mapstructure:"Scheme"`
	BasePath          string   `mapstructure:"BasePath"`
	CacheVersion      string   `mapstructure:"CacheVersion"`
	OfflinePage       string   `mapstructure:"OfflinePage"`
	Precache          []string `mapstructure:"Precache"`
	StaticExtensions  []string `mapstructure:"StaticExtensions"`
	NavigationPreload bool     `mapstructure:"NavigationPreload"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// ScopeURL 返回站点对外的作用域地址，例如 https://gp.example.com/portfolio/。
// 调用方需保证 Validate 已经通过。
func (s SiteConfig) ScopeURL() string {
	base := "/" + strings.Trim(s.BasePath, "/")
	if base != "/" {
		base += "/"
	}
	return fmt.Sprintf("%s://%s%s", s.Scheme, s.Domain, base)
}

// CacheVersions 返回所有站点的缓存版本摘要，例如 portfolio:gp-cache-v1。
func CacheVersions(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.CacheVersion)
	}
	return result
}
