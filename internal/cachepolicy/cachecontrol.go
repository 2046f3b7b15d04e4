package cachepolicy

import (
	"strconv"
	"strings"
	"time"
)

// HeaderReader 同时被 http.Header 与 cache.Headers 满足。
type HeaderReader interface {
	Get(name string) string
	Values(name string) []string
}

// CacheControl 是解析后的 Cache-Control 指令集合，指令名统一为小写。
type CacheControl map[string]string

// ParseCacheControl 解析一个或多个 Cache-Control 头，同名指令以最后一次出现为准。
func ParseCacheControl(values []string) CacheControl {
	cc := CacheControl{}
	for _, value := range values {
		for _, directive := range strings.Split(value, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			name, arg, _ := strings.Cut(directive, "=")
			cc[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(arg), `"`)
		}
	}
	return cc
}

// Has 判断指令是否出现。
func (cc CacheControl) Has(directive string) bool {
	_, ok := cc[directive]
	return ok
}

// Seconds 解析 max-age 之类的整数秒参数。
func (cc CacheControl) Seconds(directive string) (time.Duration, bool) {
	raw, ok := cc[directive]
	if !ok || raw == "" {
		return 0, false
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
