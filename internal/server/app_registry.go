package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/worker"
)

// AppRoute 聚合单个 App 的配置、解析后的上游地址以及对应的 generation 宿主，
// 供路由/代理层直接复用。
type AppRoute struct {
	// Config 是 config.toml 中声明的 App 字段副本。
	Config config.AppConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志输出。
	ListenPort int
	// UpstreamURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	// Host 管理该 App 的 generation 生命周期与缓存分区。
	Host *worker.Host
}

// HostFactory 为每个 App 创建 generation 宿主。
type HostFactory func(app config.AppConfig, upstream *url.URL) (*worker.Host, error)

// AppRegistry 提供 Host/Host:port 到 AppRoute 的查询能力，所有 App 共享同一个监听端口。
type AppRegistry struct {
	routes  map[string]*AppRoute
	ordered []*AppRoute
}

// NewAppRegistry 根据配置构建 Host 映射，并通过 factory 为每个 App 创建宿主。
func NewAppRegistry(cfg *config.Config, factory HostFactory) (*AppRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if factory == nil {
		return nil, errors.New("host factory is nil")
	}

	registry := &AppRegistry{
		routes: make(map[string]*AppRoute, len(cfg.Apps)),
	}

	// 中途失败时关闭已经打开的存储，leveldb 的文件锁不能泄漏。
	fail := func(err error) (*AppRegistry, error) {
		_ = registry.Close()
		return nil, err
	}

	for _, app := range cfg.Apps {
		normalizedHost := normalizeDomain(app.Domain)
		if normalizedHost == "" {
			return fail(fmt.Errorf("invalid domain for app %s", app.Name))
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return fail(fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost))
		}

		upstreamURL, err := url.Parse(app.Upstream)
		if err != nil {
			return fail(fmt.Errorf("invalid upstream for app %s: %w", app.Name, err))
		}

		host, err := factory(app, upstreamURL)
		if err != nil {
			return fail(fmt.Errorf("app %s: %w", app.Name, err))
		}

		route := &AppRoute{
			Config:      app,
			ListenPort:  cfg.Global.ListenPort,
			UpstreamURL: upstreamURL,
			Host:        host,
		}
		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 AppRoute。
func (r *AppRegistry) Lookup(host string) (*AppRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回按配置顺序排列的 AppRoute。
func (r *AppRegistry) List() []*AppRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*AppRoute(nil), r.ordered...)
}

// Close 关闭所有 App 的分区存储。
func (r *AppRegistry) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, route := range r.ordered {
		if route.Host == nil {
			continue
		}
		if err := route.Host.Storage().Close(); err != nil {
			errs = append(errs, fmt.Errorf("app %s: %w", route.Config.Name, err))
		}
	}
	return errors.Join(errs...)
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
