package offline

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
)

// Registration 把一个作用域与其控制器实例关联起来，负责驱动安装、激活与接管。
// 同一时刻最多存在一个 installing、一个 waiting 与一个 active 实例。
type Registration struct {
	site   string
	scope  *url.URL
	logger *logrus.Logger

	updateMu sync.Mutex

	mu         sync.RWMutex
	installing *Worker
	waiting    *Worker
	active     *Worker
}

// Snapshot 是注册状态的只读视图，供诊断接口输出。
type Snapshot struct {
	Scope             string `json:"scope"`
	Installing        string `json:"installing,omitempty"`
	Waiting           string `json:"waiting,omitempty"`
	Active            string `json:"active,omitempty"`
	ActiveState       string `json:"activeState,omitempty"`
	NavigationPreload bool   `json:"navigationPreload"`
}

// NewRegistration 创建一个尚无控制器的注册。
func NewRegistration(site string, scope *url.URL, logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registration{site: site, scope: scope, logger: logger}
}

// Scope 返回作用域根 URL。
func (r *Registration) Scope() *url.URL {
	u := *r.scope
	return &u
}

// Controls 报告 u 是否位于该注册的作用域之内。
func (r *Registration) Controls(u *url.URL) bool {
	if u == nil || !SameOrigin(u, r.scope) {
		return false
	}
	prefix := r.scope.Path
	if prefix == "" || prefix == "/" {
		return true
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return strings.HasPrefix(path, prefix) || path == strings.TrimRight(prefix, "/")
}

// Update 安装新实例；安装成功后因为跳过等待而立即激活并接管，旧实例变为 redundant。
// 安装失败时旧的 active 实例保持不变。
func (r *Registration) Update(ctx context.Context, w *Worker) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()

	if err := w.Install(ctx); err != nil {
		r.mu.Lock()
		if r.installing == w {
			r.installing = nil
		}
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.installing = nil
	if r.waiting != nil && r.waiting != w {
		r.waiting.markRedundant()
	}
	r.waiting = w
	r.mu.Unlock()

	if !w.SkipWaiting() {
		return nil
	}
	return r.activateWaiting(ctx)
}

// ActivateWaiting 激活处于 waiting 的实例，用于重试一次失败的激活。
func (r *Registration) ActivateWaiting(ctx context.Context) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	return r.activateWaiting(ctx)
}

func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.RLock()
	w := r.waiting
	r.mu.RUnlock()
	if w == nil {
		return nil
	}

	if err := w.Activate(ctx); err != nil {
		r.logger.WithFields(logging.SiteFields(r.site, r.scope.Host, w.Version())).
			WithError(err).
			Warn("offline_activate_failed")
		return err
	}

	r.mu.Lock()
	previous := r.active
	r.active = w
	r.waiting = nil
	r.mu.Unlock()

	if previous != nil && previous != w {
		previous.markRedundant()
	}
	fields := logging.SiteFields(r.site, r.scope.Host, w.Version())
	if previous != nil && previous != w {
		fields["replaced_version"] = previous.Version()
	}
	r.logger.WithFields(fields).Info("offline_claimed")
	return nil
}

// Active 返回接管作用域的实例，尚未激活时返回 ErrNotActive。
func (r *Registration) Active() (*Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return nil, ErrNotActive
	}
	return r.active, nil
}

// Snapshot 返回当前注册状态。
func (r *Registration) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{Scope: r.scope.String()}
	if r.installing != nil {
		snap.Installing = r.installing.Version()
	}
	if r.waiting != nil {
		snap.Waiting = r.waiting.Version()
	}
	if r.active != nil {
		snap.Active = r.active.Version()
		snap.ActiveState = r.active.State().String()
		snap.NavigationPreload = r.active.NavigationPreloadEnabled()
	}
	return snap
}
