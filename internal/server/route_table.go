package server

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cacheproxy/cacheproxy/internal/config"
)

// Route 将路由配置与派生属性（解析后的 Target URL、最终缓存开关）聚合在一起，
// 供代理层直接复用，避免重复解析配置。
type Route struct {
	// Config 是配置文件中声明的路由字段副本。
	Config config.RouteConfig
	// TargetURL 在构造路由表时提前解析完成。
	TargetURL *url.URL
	// CacheEnabled 是全局 UseCache 与路由覆盖合并后的结果。
	CacheEnabled bool
}

// Resolve 把 origin-form 的原始路径与查询串拼接到目标地址上，返回缓存键使用的原始 URL。
func (r *Route) Resolve(rawPath, rawQuery string) (string, *url.URL, error) {
	rest := rawPath
	if r.Config.StripPrefix && r.Config.Prefix != "/" {
		rest = strings.TrimPrefix(rawPath, r.Config.Prefix)
		if !strings.HasPrefix(rest, "/") {
			rest = "/" + rest
		}
	}

	raw := strings.TrimSuffix(r.TargetURL.String(), "/") + rest
	if rawQuery != "" {
		raw += "?" + rawQuery
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("route %s: %w", r.Config.Name, err)
	}
	return raw, parsed, nil
}

// RouteTable 提供路径前缀到 Route 的查询能力（最长前缀优先）。
type RouteTable struct {
	byLength []*Route
	ordered  []*Route
}

// NewRouteTable 根据配置构建前缀映射。调用方应在启动阶段创建一次并复用。
func NewRouteTable(cfg *config.Config) (*RouteTable, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	table := &RouteTable{}
	seen := make(map[string]struct{}, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		prefix := normalizePrefix(rc.Prefix)
		if prefix == "" {
			return nil, fmt.Errorf("invalid prefix for route %s", rc.Name)
		}
		if _, exists := seen[prefix]; exists {
			return nil, fmt.Errorf("duplicate prefix mapping detected for %s", prefix)
		}
		seen[prefix] = struct{}{}

		targetURL, err := url.Parse(rc.Target)
		if err != nil {
			return nil, fmt.Errorf("invalid target for route %s: %w", rc.Name, err)
		}
		if targetURL.Host == "" {
			return nil, fmt.Errorf("target for route %s has no host", rc.Name)
		}

		rc.Prefix = prefix
		route := &Route{
			Config:       rc,
			TargetURL:    targetURL,
			CacheEnabled: cfg.CacheEnabled(rc),
		}
		table.ordered = append(table.ordered, route)
	}

	table.byLength = append([]*Route(nil), table.ordered...)
	sort.SliceStable(table.byLength, func(i, j int) bool {
		return len(table.byLength[i].Config.Prefix) > len(table.byLength[j].Config.Prefix)
	})
	return table, nil
}

// Lookup 根据请求路径查找 Route，前缀必须落在路径段边界上。
func (t *RouteTable) Lookup(rawPath string) (*Route, bool) {
	if t == nil || rawPath == "" {
		return nil, false
	}
	for _, route := range t.byLength {
		if prefixMatches(route.Config.Prefix, rawPath) {
			return route, true
		}
	}
	return nil, false
}

// List 返回当前注册的路由列表（按配置定义的顺序），用于 /-/routes 输出。
func (t *RouteTable) List() []Route {
	if t == nil || len(t.ordered) == 0 {
		return nil
	}

	result := make([]Route, len(t.ordered))
	for i, route := range t.ordered {
		result[i] = *route
	}
	return result
}

func prefixMatches(prefix, rawPath string) bool {
	if prefix == "/" {
		return strings.HasPrefix(rawPath, "/")
	}
	if !strings.HasPrefix(rawPath, prefix) {
		return false
	}
	rest := rawPath[len(prefix):]
	return rest == "" || rest[0] == '/'
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || !strings.HasPrefix(prefix, "/") {
		return ""
	}
	if len(prefix) > 1 {
		prefix = strings.TrimSuffix(prefix, "/")
	}
	return prefix
}
