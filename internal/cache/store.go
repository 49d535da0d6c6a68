package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Store 管理所有站点的缓存代。每个站点拥有独立的命名空间，互不可见。
type Store interface {
	// Open 打开（不存在时创建）指定站点下名为 name 的缓存代。
	Open(ctx context.Context, site, name string) (Generation, error)

	// Lookup 打开已存在的缓存代，不存在时返回 ErrGenerationMissing 且不创建。
	Lookup(ctx context.Context, site, name string) (Generation, error)

	// Keys 返回站点下所有缓存代名称，按字典序排列。
	Keys(ctx context.Context, site string) ([]string, error)

	// Delete 删除整个缓存代及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, site, name string) (bool, error)

	// Close 释放底层资源。
	Close() error
}

// Generation 是一个命名的 key → response 集合。
type Generation interface {
	Name() string

	// Match 返回 key 对应的缓存响应，未命中时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Entry, error)

	// Put 写入单个条目，同一 key 后写覆盖先写。
	Put(ctx context.Context, entry Entry) error

	// PutAll 原子地写入一组条目：要么全部可见，要么一个都不可见。
	PutAll(ctx context.Context, entries []Entry) error

	// Keys 返回当前缓存代中的全部 key。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一定位缓存代中的一个条目：请求方法 + 去掉 fragment 的绝对 URL。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 标准化方法与 URL，空方法视为 GET。
func NewKey(method string, u *url.URL) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if u == nil {
		return Key{Method: method}
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return Key{Method: method, URL: clean.String()}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Entry 是一次被捕获的响应。
type Entry struct {
	Key      Key
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 深拷贝条目，调用方可以自由修改返回值。
func (e Entry) Clone() Entry {
	cloned := e
	cloned.Header = e.Header.Clone()
	if e.Body != nil {
		cloned.Body = append([]byte(nil), e.Body...)
	}
	return cloned
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrGenerationMissing 表示缓存代已被删除，写入被拒绝。
	ErrGenerationMissing = errors.New("cache generation missing")
)

// validateSegment 保证站点名与缓存代名称可以安全地作为单层目录名或表键。
func validateSegment(kind, value string) error {
	if value == "" {
		return fmt.Errorf("%s required", kind)
	}
	if value == "." || value == ".." || strings.HasPrefix(value, ".") || strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("invalid %s: %q", kind, value)
	}
	return nil
}

func validateEntry(entry Entry) error {
	if entry.Key.URL == "" {
		return errors.New("cache key url required")
	}
	if entry.Status <= 0 {
		return fmt.Errorf("invalid status %d for %s", entry.Status, entry.Key)
	}
	return nil
}

func storedAt(entry Entry) time.Time {
	if entry.StoredAt.IsZero() {
		return time.Now().UTC()
	}
	return entry.StoredAt.UTC()
}
