package offline

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Class 是控制器对请求的分类结果，决定走哪条缓存策略。
type Class string

const (
	ClassNavigation Class = "navigation"
	ClassStatic     Class = "static"
	ClassDeclined   Class = "passthrough"
)

// StaticPattern 由扩展名列表构造路径匹配正则，大小写不敏感，只匹配路径结尾。
func StaticPattern(extensions []string) *regexp.Regexp {
	quoted := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
		if ext == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(ext))
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\.(?:` + strings.Join(quoted, "|") + `)$`)
}

// Classify 判断请求类别：导航优先；其次是同源 GET 且路径命中静态扩展名；
// 其余一律放行。跨域静态资源不会被缓存。
func Classify(req *Request, scope *url.URL, static *regexp.Regexp) Class {
	if req == nil || req.URL == nil {
		return ClassDeclined
	}
	if req.IsNavigation() {
		return ClassNavigation
	}
	if static == nil || req.Method != http.MethodGet {
		return ClassDeclined
	}
	if !SameOrigin(req.URL, scope) {
		return ClassDeclined
	}
	if static.MatchString(req.URL.Path) {
		return ClassStatic
	}
	return ClassDeclined
}

// SameOrigin 比较 scheme、主机与端口（默认端口视为相同）。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return originOf(a) == originOf(b)
}

func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	switch {
	case port == "":
	case scheme == "http" && port == "80":
		port = ""
	case scheme == "https" && port == "443":
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}

// ResolveAsset 把作用域根与相对资源路径以单个斜杠拼接，
// 例如 http://gp.local/portfolio/ + logo192.png => http://gp.local/portfolio/logo192.png。
func ResolveAsset(scope *url.URL, rel string) (*url.URL, error) {
	base := strings.TrimRight(scope.String(), "/")
	return url.Parse(base + "/" + strings.TrimLeft(rel, "/"))
}
