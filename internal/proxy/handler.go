package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/cacheproxy/cacheproxy/internal/cache"
	"github.com/cacheproxy/cacheproxy/internal/cachepolicy"
	"github.com/cacheproxy/cacheproxy/internal/logging"
	"github.com/cacheproxy/cacheproxy/internal/metrics"
	"github.com/cacheproxy/cacheproxy/internal/server"
)

// cacheStatusHeader 告知客户端本次响应的缓存结论。
const cacheStatusHeader = "X-Proxy-Cache"

// Handler 负责 orchestrate “缓存查找 → 新鲜度判断 → 条件回源 → 写穿缓存” 的全流程，
// 对外实现 server.ProxyHandler，内部复用共享 OriginClient 与磁盘缓存。
type Handler struct {
	origin    *OriginClient
	store     cache.Store
	evaluator *cachepolicy.Evaluator
	logger    *logrus.Logger
}

// NewHandler constructs a proxy handler. A nil store disables caching.
func NewHandler(origin *OriginClient, store cache.Store, evaluator *cachepolicy.Evaluator, logger *logrus.Logger) *Handler {
	if evaluator == nil {
		evaluator = cachepolicy.NewEvaluator(cachepolicy.ModeLastModified, false)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		origin:    origin,
		store:     store,
		evaluator: evaluator,
		logger:    logger,
	}
}

// Handle 执行缓存查找、条件回源和最终 streaming 逻辑，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	method := c.Method()

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := OriginRequest{
		Method: method,
		URL:    target.URL,
		Header: fiberHeadersAsHTTP(c),
	}
	if body := c.Request().Body(); len(body) > 0 {
		req.Body = bytes.NewReader(append([]byte(nil), body...))
	}

	if !h.usesCache(target, method) {
		resp, err := h.origin.Forward(ctx, req)
		if err != nil {
			return h.respondOriginError(c, target, metrics.StatusBypass, started, err)
		}
		return h.relay(c, target, resp, resp.Body, metrics.StatusBypass, started)
	}

	entry, hit := h.store.Lookup(target.Raw)
	if !hit {
		return h.fetch(c, ctx, target, req, started)
	}

	switch h.evaluator.Evaluate(entry.Headers) {
	case cachepolicy.StateFresh:
		return h.serveCached(c, target, entry, metrics.StatusHit, started)
	case cachepolicy.StateStale:
		return h.revalidate(c, ctx, target, req, entry, started)
	default:
		entry.Body.Close()
		return h.fetch(c, ctx, target, req, started)
	}
}

func (h *Handler) usesCache(target *server.Target, method string) bool {
	return h.store != nil && target.CacheEnabled && method == http.MethodGet
}

// fetch 发送普通请求，可缓存时把正文交给 Store.Write 写穿。
func (h *Handler) fetch(c fiber.Ctx, ctx context.Context, target *server.Target, req OriginRequest, started time.Time) error {
	resp, err := h.origin.Forward(ctx, req)
	if err != nil {
		return h.respondOriginError(c, target, metrics.StatusMiss, started, err)
	}
	return h.respondFetched(c, target, req.Method, resp, started)
}

// revalidate 带条件头回源：304 时返回缓存副本，其余状态直接复用这次响应，不再二次回源。
func (h *Handler) revalidate(
	c fiber.Ctx,
	ctx context.Context,
	target *server.Target,
	req OriginRequest,
	entry *cache.Entry,
	started time.Time,
) error {
	req.Extra = h.evaluator.ConditionalHeaders(entry.Headers)
	resp, err := h.origin.Forward(ctx, req)
	if err != nil {
		entry.Body.Close()
		return h.respondOriginError(c, target, metrics.StatusRevalidated, started, err)
	}

	if cachepolicy.Classify(resp.StatusCode) == cachepolicy.OutcomeNotModified {
		resp.Body.Close()
		metrics.NotModified.Inc()
		return h.serveCached(c, target, entry, metrics.StatusRevalidated, started)
	}

	entry.Body.Close()
	return h.respondFetched(c, target, req.Method, resp, started)
}

func (h *Handler) respondFetched(c fiber.Ctx, target *server.Target, method string, resp *http.Response, started time.Time) error {
	body := resp.Body
	if cachepolicy.IsCacheable(method, resp.StatusCode, resp.Header) {
		record := http.Header{}
		server.CopyHeaders(record, resp.Header)
		body = h.store.Write(target.Raw, resp.StatusCode, cache.HeadersFromHTTP(record), resp.Body)
	}
	return h.relay(c, target, resp, body, metrics.StatusMiss, started)
}

// relay 写出源站状态码与头部，再流式转发正文；正文在 handler 返回后由 fasthttp 读取并关闭。
func (h *Handler) relay(
	c fiber.Ctx,
	target *server.Target,
	resp *http.Response,
	body io.ReadCloser,
	cacheStatus string,
	started time.Time,
) error {
	copyResponseHeaders(c, resp.Header)
	c.Set(cacheStatusHeader, cacheStatus)
	c.Status(resp.StatusCode)

	metrics.Requests.WithLabelValues(cacheStatus).Inc()
	h.logResult(target, c, cacheStatus, resp.StatusCode, started, nil)

	if c.Method() == http.MethodHead {
		// 没有正文时 fasthttp 默认写出 Content-Length: 0；这里保留源站的长度或 chunked 标记。
		body.Close()
		c.Response().SkipBody = true
		c.Response().Header.SetContentLength(int(resp.ContentLength))
		return nil
	}
	if !bodyAllowed(resp.StatusCode) {
		body.Close()
		return nil
	}

	size := -1
	if resp.ContentLength >= 0 {
		size = int(resp.ContentLength)
	}
	return c.SendStream(body, size)
}

// serveCached 以缓存头部与正文作答。状态码固定为 200，与原始存储状态无关。
func (h *Handler) serveCached(c fiber.Ctx, target *server.Target, entry *cache.Entry, cacheStatus string, started time.Time) error {
	for name, values := range entry.Headers {
		if server.IsHopByHopHeader(name) || strings.EqualFold(name, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(name, value)
		}
	}
	c.Set(cacheStatusHeader, cacheStatus)
	c.Status(fiber.StatusOK)

	metrics.Requests.WithLabelValues(cacheStatus).Inc()
	h.logResult(target, c, cacheStatus, fiber.StatusOK, started, nil)
	return c.SendStream(entry.Body, int(entry.SizeBytes))
}

func (h *Handler) respondOriginError(c fiber.Ctx, target *server.Target, cacheStatus string, started time.Time, err error) error {
	status := fiber.StatusBadGateway
	code := "upstream_failed"
	var connErr *ConnectionError
	if errors.As(err, &connErr) && connErr.Timeout() {
		status = fiber.StatusGatewayTimeout
		code = "upstream_timeout"
	}

	metrics.Requests.WithLabelValues(cacheStatus).Inc()
	h.logResult(target, c, cacheStatus, 0, started, err)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	target *server.Target,
	c fiber.Ctx,
	cacheStatus string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(target.RouteName(), c.Method(), target.Raw, cacheStatus)
	fields["action"] = "proxy"
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID := server.RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 透传源站头部；Content-Length 由 SendStream 根据正文长度设置。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	filtered := http.Header{}
	server.CopyHeaders(filtered, headers)
	filtered.Del(fiber.HeaderContentLength)
	for key, values := range filtered {
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
