package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的再验证模式。
const (
	ValidationModeLastModified = "last-modified"
	ValidationModeETag         = "etag"
	ValidationModeNever        = "never"
)

// CacheConfig 描述磁盘缓存的根目录与文件命名。
type CacheConfig struct {
	Folder           string `mapstructure:"Folder"`
	HeaderFileSuffix string `mapstructure:"HeaderFileSuffix"`
	BodyFileSuffix   string `mapstructure:"BodyFileSuffix"`
}

// GlobalConfig 描述全局运行时行为，所有请求共享同一份参数。
type GlobalConfig struct {
	ListenPort      int         `mapstructure:"ListenPort"`
	LogLevel        string      `mapstructure:"LogLevel"`
	LogFilePath     string      `mapstructure:"LogFilePath"`
	LogMaxSize      int         `mapstructure:"LogMaxSize"`
	LogMaxBackups   int         `mapstructure:"LogMaxBackups"`
	LogCompress     bool        `mapstructure:"LogCompress"`
	UseCache        bool        `mapstructure:"UseCache"`
	UpstreamTimeout Duration    `mapstructure:"UpstreamTimeout"`
	ValidationMode  string      `mapstructure:"ValidationMode"`
	HonorExpiry     bool        `mapstructure:"HonorExpiry"`
	Cache           CacheConfig `mapstructure:"Cache"`
}

// RouteConfig 将 origin-form 请求的路径前缀映射到内部 host:port。
type RouteConfig struct {
	Name        string `mapstructure:"Name"`
	Prefix      string `mapstructure:"Prefix"`
	Target      string `mapstructure:"Target"`
	StripPrefix bool   `mapstructure:"StripPrefix"`
	// UseCache 为空时沿用全局 UseCache。
	UseCache *bool `mapstructure:"UseCache"`
}

// Config 是配置文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Routes []RouteConfig `mapstructure:"Route"`
}

// CacheEnabled 返回路由最终是否启用缓存，未覆盖时回退至全局值。
func (c *Config) CacheEnabled(r RouteConfig) bool {
	if r.UseCache != nil {
		return *r.UseCache
	}
	return c.Global.UseCache
}

// RouteNames 返回所有路由的摘要，例如 api:/api，供启动日志使用。
func RouteNames(routes []RouteConfig) []string {
	if len(routes) == 0 {
		return nil
	}
	result := make([]string, len(routes))
	for i, route := range routes {
		result[i] = fmt.Sprintf("%s:%s", route.Name, route.Prefix)
	}
	return result
}
