package cachepolicy

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// State 是一次查找后缓存副本的新鲜度。
type State int

const (
	// StateUnknown 缺少可用于条件请求的元数据，只能重新拉取。
	StateUnknown State = iota
	// StateStale 需要向源站发起条件请求。
	StateStale
	// StateFresh 可直接返回缓存。
	StateFresh
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Outcome 是条件请求的结论。
type Outcome int

const (
	OutcomeModified Outcome = iota
	OutcomeNotModified
)

// Classify 根据源站对条件请求的响应码给出结论：304 之外一律视为已修改。
func Classify(statusCode int) Outcome {
	if statusCode == http.StatusNotModified {
		return OutcomeNotModified
	}
	return OutcomeModified
}

// 再验证模式，与配置中的 ValidationMode 对应。
const (
	ModeLastModified = "last-modified"
	ModeETag         = "etag"
	ModeNever        = "never"
)

// Evaluator 根据缓存头部与当前时间判断新鲜度，并构造条件请求头。
type Evaluator struct {
	mode        string
	honorExpiry bool
	now         func() time.Time
}

// NewEvaluator 创建 Evaluator。honorExpiry 打开后，max-age/Expires 未过期的副本直接视为新鲜。
func NewEvaluator(mode string, honorExpiry bool) *Evaluator {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeLastModified
	}
	return &Evaluator{mode: mode, honorExpiry: honorExpiry, now: time.Now}
}

// Evaluate 返回缓存副本的新鲜度。
func (e *Evaluator) Evaluate(headers HeaderReader) State {
	if e.mode == ModeNever || !e.canRevalidate(headers) {
		return StateUnknown
	}
	if e.honorExpiry && e.isFresh(headers) {
		return StateFresh
	}
	return StateStale
}

// ConditionalHeaders 返回需要合并进源站请求的条件头；无法构造时返回 nil。
func (e *Evaluator) ConditionalHeaders(headers HeaderReader) http.Header {
	if e.mode == ModeNever {
		return nil
	}
	out := http.Header{}
	if since := validatorDate(headers); since != "" {
		out.Set("If-Modified-Since", since)
	}
	if e.mode == ModeETag {
		if etag := headers.Get("ETag"); etag != "" {
			out.Set("If-None-Match", etag)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (e *Evaluator) canRevalidate(headers HeaderReader) bool {
	if validatorDate(headers) != "" {
		return true
	}
	return e.mode == ModeETag && headers.Get("ETag") != ""
}

// validatorDate 优先使用 Last-Modified，缺失时退回 Date。
func validatorDate(headers HeaderReader) string {
	if lm := headers.Get("Last-Modified"); lm != "" {
		return lm
	}
	return headers.Get("Date")
}

func (e *Evaluator) isFresh(headers HeaderReader) bool {
	lifetime, ok := freshnessLifetime(headers)
	if !ok {
		return false
	}
	age, ok := currentAge(headers, e.now())
	if !ok {
		return false
	}
	return lifetime > age
}

// freshnessLifetime 依次使用 s-maxage、max-age、Expires-Date。
func freshnessLifetime(headers HeaderReader) (time.Duration, bool) {
	cc := ParseCacheControl(headers.Values("Cache-Control"))
	if cc.Has("no-store") || cc.Has("private") || cc.Has("no-cache") {
		return 0, false
	}
	if v, ok := cc.Seconds("s-maxage"); ok {
		return v, true
	}
	if v, ok := cc.Seconds("max-age"); ok {
		return v, true
	}
	rawExpires := headers.Get("Expires")
	if rawExpires == "" {
		return 0, false
	}
	date, err := http.ParseTime(headers.Get("Date"))
	if err != nil {
		return 0, false
	}
	expires, err := http.ParseTime(rawExpires)
	if err != nil {
		// 无法解析的 Expires 视为已过期。
		return 0, true
	}
	return expires.Sub(date), true
}

func currentAge(headers HeaderReader, now time.Time) (time.Duration, bool) {
	date, err := http.ParseTime(headers.Get("Date"))
	if err != nil {
		return 0, false
	}
	age := now.Sub(date)
	if age < 0 {
		age = 0
	}
	if raw := headers.Get("Age"); raw != "" {
		if secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && secs > 0 {
			age += time.Duration(secs) * time.Second
		}
	}
	return age, true
}
