package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Store 负责管理磁盘缓存的读写。每个条目由同一个 Key 命名的头部文件与正文文件组成，
// 两者作为一对读写，缺失任意一个都视为未命中。
type Store interface {
	// FilenameFor 返回 URL 对应的文件路径，纯计算，不访问磁盘。
	FilenameFor(rawURL string, kind Kind) string

	// Lookup 返回可流式读取的缓存条目。任何读取失败（文件缺失、JSON 损坏、正文打不开）
	// 都只返回 false，不区分错误类型。命中时调用方负责关闭 Entry.Body。
	Lookup(rawURL string) (*Entry, bool)

	// Write 返回与 body 字节完全一致的 ReadCloser；读取过程中正文被同步写入临时文件，
	// 读到 EOF（或按 content-length 读满后 Close）时与头部记录一起提交。
	// 写缓存失败只记录日志，不影响返回流。
	Write(rawURL string, statusCode int, headers Headers, body io.ReadCloser) io.ReadCloser
}

// Kind 区分条目的两个组成部分。
type Kind int

const (
	KindHeaders Kind = iota
	KindBody
)

func (k Kind) String() string {
	switch k {
	case KindHeaders:
		return "headers"
	case KindBody:
		return "body"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Entry 表示一次缓存命中结果。
type Entry struct {
	Key       string
	Headers   Headers
	Body      io.ReadSeekCloser
	SizeBytes int64
	ModTime   time.Time
}

// Headers 是落盘的响应头记录，键统一为小写，值保持源站返回的顺序。
type Headers map[string][]string

// HeadersFromHTTP 将 http.Header 转成小写键的头部记录。
func HeadersFromHTTP(h http.Header) Headers {
	out := make(Headers, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		out[key] = append(out[key], values...)
	}
	return out
}

// Get 返回第一个值，不存在时为空字符串。
func (h Headers) Get(name string) string {
	values := h[strings.ToLower(name)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Values 返回全部值。
func (h Headers) Values(name string) []string {
	return h[strings.ToLower(name)]
}

// Has 判断头部是否存在且至少有一个值。
func (h Headers) Has(name string) bool {
	return len(h[strings.ToLower(name)]) > 0
}

// Set 覆盖写入单个值。
func (h Headers) Set(name, value string) {
	h[strings.ToLower(name)] = []string{value}
}

// Clone 深拷贝头部记录。
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for name, values := range h {
		out[name] = append([]string(nil), values...)
	}
	return out
}

// HTTP 转回 http.Header（键被规范化为 Canonical 形式）。
func (h Headers) HTTP() http.Header {
	out := make(http.Header, len(h))
	for _, name := range h.names() {
		for _, value := range h[name] {
			out.Add(name, value)
		}
	}
	return out
}

func (h Headers) names() []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnmarshalJSON 兼容单值字符串与字符串数组两种写法。
func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("header record is null")
	}
	out := make(Headers, len(raw))
	for name, value := range raw {
		key := strings.ToLower(name)
		var single string
		if err := json.Unmarshal(value, &single); err == nil {
			out[key] = append(out[key], single)
			continue
		}
		var multi []string
		if err := json.Unmarshal(value, &multi); err != nil {
			return fmt.Errorf("header %s: %w", name, err)
		}
		out[key] = append(out[key], multi...)
	}
	*h = out
	return nil
}
