package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for serving a resolved
// target, either from cache or from the origin. It allows injecting fake
// handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Target) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Target) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, target *Target) error {
	return f(c, target)
}

// Target 是一次请求解析出的源站地址。
type Target struct {
	// Raw 是缓存键使用的原始 URL：正向代理时即请求行中的绝对 URI。
	Raw string
	// URL 是 Raw 解析后的结果，用于构造源站请求。
	URL *url.URL
	// Route 为 nil 表示正向代理请求。
	Route *Route
	// CacheEnabled 是该请求最终的缓存开关。
	CacheEnabled bool
}

// RouteName returns the configured route name, or "" for forward requests.
func (t *Target) RouteName() string {
	if t == nil || t.Route == nil {
		return ""
	}
	return t.Route.Config.Name
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Routes     *RouteTable
	Proxy      ProxyHandler
	UseCache   bool
	ListenPort int
}

const (
	contextKeyTarget    = "_cacheproxy_target"
	contextKeyRequestID = "_cacheproxy_request_id"
)

// NewApp builds a Fiber application that resolves absolute-form (forward
// proxy) and routed origin-form requests, then hands them to the proxy.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Routes == nil {
		return nil, errors.New("route table is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		target, ok := TargetFromContext(c)
		if !ok {
			return c.Next()
		}
		return opts.Proxy.Handle(c, target)
	})

	registerDiagnostics(app, opts)
	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并把请求解析为 Target。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		method := c.Method()
		if method == fiber.MethodConnect {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "resolve_target",
				"method":     method,
				"request_id": reqID,
			}).Warn("connect_unsupported")
			return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{
				"error": "connect_unsupported",
			})
		}

		requestURI := string(c.Request().Header.RequestURI())
		if isAbsoluteForm(requestURI) {
			parsed, err := url.Parse(requestURI)
			if err != nil || parsed.Host == "" {
				return renderInvalidTarget(c, opts.Logger, requestURI, err)
			}
			c.Locals(contextKeyTarget, &Target{
				Raw:          requestURI,
				URL:          parsed,
				CacheEnabled: opts.UseCache,
			})
			return c.Next()
		}

		rawPath := string(c.Request().URI().PathOriginal())
		if rawPath == "" {
			rawPath = string(c.Request().URI().Path())
		}
		if isDiagnosticsPath(rawPath) {
			return c.Next()
		}

		path := string(c.Request().URI().Path())
		route, ok := opts.Routes.Lookup(path)
		if !ok {
			return renderRouteUnmapped(c, opts.Logger, rawPath, opts.ListenPort)
		}
		// 编码后的前缀无法直接裁剪，退回解码路径。
		if !strings.HasPrefix(rawPath, route.Config.Prefix) {
			rawPath = path
		}
		raw, parsed, err := route.Resolve(rawPath, string(c.Request().URI().QueryString()))
		if err != nil {
			return renderInvalidTarget(c, opts.Logger, requestURI, err)
		}
		c.Locals(contextKeyTarget, &Target{
			Raw:          raw,
			URL:          parsed,
			Route:        route,
			CacheEnabled: route.CacheEnabled,
		})
		return c.Next()
	}
}

// isAbsoluteForm 判断请求行是否携带完整 URI（正向代理请求）。
func isAbsoluteForm(requestURI string) bool {
	lower := strings.ToLower(requestURI)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func renderInvalidTarget(c fiber.Ctx, logger *logrus.Logger, requestURI string, err error) error {
	entry := logger.WithFields(logrus.Fields{
		"action":      "resolve_target",
		"request_uri": requestURI,
		"request_id":  RequestID(c),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("invalid_target")

	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "invalid_target",
	})
}

func renderRouteUnmapped(c fiber.Ctx, logger *logrus.Logger, path string, port int) error {
	logger.WithFields(logrus.Fields{
		"action":     "resolve_target",
		"path":       path,
		"port":       port,
		"request_id": RequestID(c),
	}).Warn("route_unmapped")

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "route_unmapped",
	})
}

// registerDiagnostics 挂载 /-/ 前缀下的只读诊断端点。
func registerDiagnostics(app *fiber.App, opts AppOptions) {
	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/-/routes", func(c fiber.Ctx) error {
		routes := opts.Routes.List()
		payload := make([]fiber.Map, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, fiber.Map{
				"name":         route.Config.Name,
				"prefix":       route.Config.Prefix,
				"target":       route.TargetURL.String(),
				"strip_prefix": route.Config.StripPrefix,
				"use_cache":    route.CacheEnabled,
			})
		}
		return c.JSON(fiber.Map{
			"use_cache": opts.UseCache,
			"routes":    payload,
		})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

// TargetFromContext returns the target resolved by the router middleware.
func TargetFromContext(c fiber.Ctx) (*Target, bool) {
	if value := c.Locals(contextKeyTarget); value != nil {
		if target, ok := value.(*Target); ok {
			return target, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
