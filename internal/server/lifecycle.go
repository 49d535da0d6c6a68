package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/offline"
)

// NetworkFactory 为站点构造离线控制器使用的回源 Fetcher。
type NetworkFactory func(route *SiteRoute) offline.Fetcher

// Lifecycle 为每个站点构建离线控制器，并以指数退避驱动 install → activate。
type Lifecycle struct {
	registry       *SiteRegistry
	network        NetworkFactory
	logger         *logrus.Logger
	maxRetries     int
	initialBackoff time.Duration
}

// NewLifecycle 读取 Global.MaxRetries/InitialBackoff 作为安装重试策略。
func NewLifecycle(cfg *config.Config, registry *SiteRegistry, network NetworkFactory, logger *logrus.Logger) (*Lifecycle, error) {
	if registry == nil {
		return nil, errors.New("site registry is required")
	}
	if network == nil {
		return nil, errors.New("network factory is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	l := &Lifecycle{
		registry:       registry,
		network:        network,
		logger:         logger,
		initialBackoff: time.Second,
	}
	if cfg != nil {
		l.maxRetries = cfg.Global.MaxRetries
		if d := cfg.Global.InitialBackoff.DurationValue(); d > 0 {
			l.initialBackoff = d
		}
	}
	return l, nil
}

// NewWorker 根据站点配置构造一个尚未安装的控制器实例。
func (l *Lifecycle) NewWorker(route *SiteRoute) (*offline.Worker, error) {
	site := route.Config
	return offline.New(offline.Options{
		Site:              site.Name,
		Version:           site.CacheVersion,
		Scope:             route.ScopeURL,
		OfflinePage:       site.OfflinePage,
		Precache:          site.Precache,
		StaticExtensions:  site.StaticExtensions,
		NavigationPreload: site.NavigationPreload,
		Caches:            route.Caches,
		Network:           l.network(route),
		Logger:            l.logger,
	})
}

// Run 并发为全部站点执行安装与激活，阻塞到所有站点完成或放弃。
// 返回值聚合了放弃的站点错误；这些站点保持未接管，请求全部透传。
func (l *Lifecycle) Run(ctx context.Context) error {
	routes := l.registry.List()
	errs := make([]error, len(routes))

	var wg sync.WaitGroup
	for i, route := range routes {
		wg.Add(1)
		go func(i int, route *SiteRoute) {
			defer wg.Done()
			if err := l.Update(ctx, route); err != nil {
				errs[i] = fmt.Errorf("site %s: %w", route.Config.Name, err)
			}
		}(i, route)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// UpdateSite 按名称重新安装站点，供诊断接口的部署钩子使用。
func (l *Lifecycle) UpdateSite(ctx context.Context, name string) (offline.Snapshot, error) {
	route, ok := l.registry.Find(name)
	if !ok {
		return offline.Snapshot{}, fmt.Errorf("%w: %s", ErrSiteNotFound, name)
	}
	err := l.Update(ctx, route)
	return route.Registration.Snapshot(), err
}

// ErrSiteNotFound 表示请求的站点未在配置中声明。
var ErrSiteNotFound = errors.New("site not found")

// Update 为站点构造新控制器并驱动注册更新，网络类失败按指数退避重试 MaxRetries 次。
func (l *Lifecycle) Update(ctx context.Context, route *SiteRoute) error {
	worker, err := l.NewWorker(route)
	if err != nil {
		return err
	}

	fields := logging.SiteFields(route.Config.Name, route.Config.Domain, route.Config.CacheVersion)
	reg := route.Registration

	operation := func() (struct{}, error) {
		var err error
		switch worker.State() {
		case offline.StateParsed:
			err = reg.Update(ctx, worker)
		default:
			// 安装已成功，仅激活失败
			err = reg.ActivateWaiting(ctx)
		}
		if err != nil && errors.Is(err, offline.ErrInvalidState) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.initialBackoff

	started := time.Now()
	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(l.maxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.WithFields(fields).
				WithError(err).
				WithFields(logrus.Fields{"action": "lifecycle", "retry_in_ms": next.Milliseconds()}).
				Warn("install_retry")
		}),
	)
	if err != nil {
		l.logger.WithFields(fields).
			WithError(err).
			WithField("action", "lifecycle").
			Error("site_uncontrolled")
		return err
	}

	l.logger.WithFields(fields).
		WithFields(logrus.Fields{
			"action":     "lifecycle",
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).
		Info("site_controlled")
	return nil
}
