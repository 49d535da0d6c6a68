// Package server hosts the Fiber HTTP service, the request middleware chain
// and the site registry that maps a Host header to the site it fronts.
// Each SiteRoute carries the parsed origin/proxy URLs, the per-site cache
// namespace and the offline Registration; the Lifecycle type drives install
// and activation for every registered site with retry. Handlers live in the
// proxy package and plug in through ProxyHandler, so keep exports narrow and
// accept explicit dependencies.
package server
