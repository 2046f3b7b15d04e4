// Package metrics 汇总代理与缓存层的 Prometheus 指标，通过 /-/metrics 暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 缓存结果标签值，与响应头 X-Proxy-Cache 保持一致。
const (
	StatusHit         = "HIT"
	StatusRevalidated = "REVALIDATED"
	StatusMiss        = "MISS"
	StatusBypass      = "BYPASS"
)

var (
	// Requests counts handled proxy requests by cache outcome.
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_requests_total",
			Help: "Total number of proxied requests by cache status",
		},
		[]string{"cache_status"},
	)

	// OriginRequests counts origin exchanges; kind is "plain" or "conditional".
	OriginRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_origin_requests_total",
			Help: "Total number of requests sent to origin servers",
		},
		[]string{"kind"},
	)

	// OriginErrors counts failed origin exchanges; reason is "timeout" or "connection".
	OriginErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_origin_errors_total",
			Help: "Total number of origin connection failures",
		},
		[]string{"reason"},
	)

	// NotModified counts 304 answers to conditional revalidation.
	NotModified = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheproxy_not_modified_total",
			Help: "Total number of 304 Not Modified revalidation answers",
		},
	)

	// CacheWrites counts finished cache writes; result is "committed" or "aborted".
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_cache_writes_total",
			Help: "Total number of cache write attempts by result",
		},
		[]string{"result"},
	)

	// CacheWriteErrors counts disk failures while persisting entries.
	CacheWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheproxy_cache_write_errors_total",
			Help: "Total number of cache write errors by stage",
		},
		[]string{"stage"}, // "headers", "body", "commit"
	)

	// CacheBytesWritten tracks body bytes persisted to the cache folder.
	CacheBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheproxy_cache_bytes_written_total",
			Help: "Total number of body bytes written to the cache",
		},
	)
)
