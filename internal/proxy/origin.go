package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cacheproxy/cacheproxy/internal/metrics"
	"github.com/cacheproxy/cacheproxy/internal/server"
)

// OriginRequest 描述一次发往源站的请求。
type OriginRequest struct {
	Method string
	URL    *url.URL
	// Header 是客户端请求头，hop-by-hop 字段会在发送前剔除。
	Header http.Header
	// Body 为 nil 时发送空正文。
	Body io.Reader
	// Extra 合并进请求头并覆盖同名字段，用于条件请求。
	Extra http.Header
}

// ConnectionError 表示源站不可达、连接被重置或超时。
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("origin %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline expiry.
func (e *ConnectionError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// OriginClient 通过共享 http.Client 与源站交互。
type OriginClient struct {
	client *http.Client
	tracer trace.Tracer
}

// NewOriginClient 包装共享 http.Client。
func NewOriginClient(client *http.Client) *OriginClient {
	if client == nil {
		client = server.NewUpstreamClient(nil)
	}
	return &OriginClient{
		client: client,
		tracer: otel.Tracer("github.com/cacheproxy/cacheproxy/internal/proxy"),
	}
}

// Forward 发送请求并返回源站响应，调用方负责关闭 resp.Body。
// 网络层失败统一包装成 *ConnectionError；任何 HTTP 状态码都算成功返回。
func (o *OriginClient) Forward(ctx context.Context, req OriginRequest) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.URL == nil {
		return nil, errors.New("origin url is required")
	}
	kind := "plain"
	if len(req.Extra) > 0 {
		kind = "conditional"
	}

	ctx, span := o.tracer.Start(ctx, "origin.forward", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
		attribute.String("cacheproxy.origin.kind", kind),
	)

	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	outbound, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return nil, err
	}

	server.CopyHeaders(outbound.Header, req.Header)
	outbound.Header.Del("Host")
	outbound.Header.Del("Content-Length")
	for name, values := range req.Extra {
		outbound.Header.Del(name)
		for _, value := range values {
			outbound.Header.Add(name, value)
		}
	}
	outbound.Host = req.URL.Host

	metrics.OriginRequests.WithLabelValues(kind).Inc()
	resp, err := o.client.Do(outbound)
	if err != nil {
		connErr := &ConnectionError{URL: req.URL.String(), Err: err}
		reason := "connection"
		if connErr.Timeout() {
			reason = "timeout"
		}
		metrics.OriginErrors.WithLabelValues(reason).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		return nil, connErr
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}
