package cachepolicy

import "net/http"

// IsCacheable 判断响应能否落盘：只接受 GET + 200，且 Cache-Control 不含 private/no-store。
// no-cache、max-age=0、Vary 均不影响可存储性。
func IsCacheable(method string, statusCode int, headers HeaderReader) bool {
	if method != http.MethodGet {
		return false
	}
	if statusCode != http.StatusOK {
		return false
	}
	if headers == nil {
		return true
	}
	cc := ParseCacheControl(headers.Values("Cache-Control"))
	return !cc.Has("private") && !cc.Has("no-store")
}
