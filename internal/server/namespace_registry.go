package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/131/castor/internal/config"
	"github.com/131/castor/internal/index"
)

// NamespaceRoute 把命名空间配置与其索引视图聚合在一起，供路由层直接复用。
type NamespaceRoute struct {
	// Config 是 config.toml 中声明的命名空间字段副本。
	Config config.NamespaceConfig
	// ListenPort 记录当前监听端口，便于日志与诊断输出。
	ListenPort int
	// Index 是该命名空间在索引文档中的视图。
	Index *index.Index
}

// NamespaceRegistry 提供 Host/Host:port 到 NamespaceRoute 的查询能力，所有命名空间共享同一个监听端口。
type NamespaceRegistry struct {
	routes  map[string]*NamespaceRoute
	ordered []*NamespaceRoute
}

// NewNamespaceRegistry 根据配置构建 Host 映射，启动阶段创建一次并复用。
func NewNamespaceRegistry(cfg *config.Config, store *index.Store) (*NamespaceRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("index store is nil")
	}

	registry := &NamespaceRegistry{
		routes: make(map[string]*NamespaceRoute, len(cfg.Namespaces)),
	}

	for _, ns := range cfg.Namespaces {
		normalizedHost := normalizeDomain(ns.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for namespace %s", ns.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		view, err := store.Index(ns.Name)
		if err != nil {
			return nil, fmt.Errorf("namespace %s: %w", ns.Name, err)
		}

		route := &NamespaceRoute{
			Config:     ns,
			ListenPort: cfg.Global.ListenPort,
			Index:      view,
		}
		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 NamespaceRoute。
func (r *NamespaceRegistry) Lookup(host string) (*NamespaceRoute, bool) {
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

// List 按配置顺序返回已注册的路由副本，用于诊断输出。
func (r *NamespaceRegistry) List() []NamespaceRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]NamespaceRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
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
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
