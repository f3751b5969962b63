package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/131/castor/internal/index"
	"github.com/131/castor/internal/server"
)

// RegisterNamespaceRoutes 在诊断分组上暴露 /namespaces，供运维查询命名空间与 Host 的绑定关系。
// router 通常是 server.AppOptions.Diagnostics 收到的分组。
func RegisterNamespaceRoutes(router fiber.Router, registry *server.NamespaceRegistry, store *index.Store) {
	if router == nil || registry == nil || store == nil {
		return
	}

	router.Get("/namespaces", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"index": indexPayload{
				Path:    store.IndexPath(),
				Version: store.Version(),
				Legacy:  store.Legacy(),
			},
			"namespaces": encodeNamespaces(store.Namespaces(), registry.List()),
		}
		return c.JSON(payload)
	})

	router.Get("/namespaces/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "namespace_required"})
		}
		for _, item := range encodeNamespaces(store.Namespaces(), registry.List()) {
			if item.Name == name {
				return c.JSON(item)
			}
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "namespace_not_found"})
	})
}

type indexPayload struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Legacy  bool   `json:"legacy"`
}

type namespacePayload struct {
	Name    string         `json:"name"`
	Entries int            `json:"entries"`
	Props   map[string]any `json:"props,omitempty"`
	Domain  string         `json:"domain,omitempty"`
	Port    int            `json:"port,omitempty"`
	Bound   bool           `json:"bound"`
}

// encodeNamespaces 合并索引中的命名空间与 Host 绑定；只出现在配置里的命名空间也会列出。
func encodeNamespaces(summaries []index.NamespaceSummary, routes []server.NamespaceRoute) []namespacePayload {
	byName := make(map[string]*namespacePayload, len(summaries)+len(routes))
	for _, summary := range summaries {
		byName[summary.Name] = &namespacePayload{
			Name:    summary.Name,
			Entries: summary.Entries,
			Props:   summary.Props,
		}
	}
	for _, route := range routes {
		item, ok := byName[route.Config.Name]
		if !ok {
			item = &namespacePayload{Name: route.Config.Name}
			byName[route.Config.Name] = item
		}
		item.Domain = route.Config.Domain
		item.Port = route.ListenPort
		item.Bound = true
	}

	result := make([]namespacePayload, 0, len(byName))
	for _, item := range byName {
		result = append(result, *item)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}
