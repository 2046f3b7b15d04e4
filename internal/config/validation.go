package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	switch g.ValidationMode {
	case ValidationModeLastModified, ValidationModeETag, ValidationModeNever:
	default:
		return newFieldError("Global.ValidationMode", "仅支持 last-modified/etag/never")
	}
	if err := validateCache(g.Cache); err != nil {
		return err
	}

	seenNames := map[string]struct{}{}
	seenPrefixes := map[string]struct{}{}
	for i := range c.Routes {
		route := &c.Routes[i]
		if route.Name == "" {
			return newFieldError("Route[].Name", "不能为空")
		}
		if _, exists := seenNames[route.Name]; exists {
			return newFieldError(routeField(route.Name, "Name"), "重复")
		}
		seenNames[route.Name] = struct{}{}

		if err := validatePrefix(route.Prefix); err != nil {
			return fmt.Errorf("%s: %w", routeField(route.Name, "Prefix"), err)
		}
		if _, exists := seenPrefixes[route.Prefix]; exists {
			return newFieldError(routeField(route.Name, "Prefix"), "重复")
		}
		seenPrefixes[route.Prefix] = struct{}{}

		if err := validateTarget(route.Target); err != nil {
			return fmt.Errorf("%s: %w", routeField(route.Name, "Target"), err)
		}
	}

	return nil
}

func validateCache(cache CacheConfig) error {
	if strings.TrimSpace(cache.Folder) == "" {
		return newFieldError("Global.Cache.Folder", "不能为空")
	}
	if cache.HeaderFileSuffix == "" {
		return newFieldError("Global.Cache.HeaderFileSuffix", "不能为空")
	}
	if cache.BodyFileSuffix == "" {
		return newFieldError("Global.Cache.BodyFileSuffix", "不能为空")
	}
	if cache.HeaderFileSuffix == cache.BodyFileSuffix {
		return newFieldError("Global.Cache.BodyFileSuffix", "不能与 HeaderFileSuffix 相同")
	}
	for _, suffix := range []string{cache.HeaderFileSuffix, cache.BodyFileSuffix} {
		if strings.ContainsAny(suffix, `/\`) {
			return newFieldError("Global.Cache", fmt.Sprintf("文件后缀不允许包含路径分隔符: %s", suffix))
		}
	}
	return nil
}

func validatePrefix(prefix string) error {
	if prefix == "" {
		return errors.New("Prefix 不能为空")
	}
	if !strings.HasPrefix(prefix, "/") {
		return errors.New("Prefix 必须以 / 开头")
	}
	if strings.HasPrefix(prefix, "/-/") || prefix == "/-" {
		return errors.New("/-/ 前缀保留给诊断接口")
	}
	if strings.Contains(prefix, " ") {
		return errors.New("Prefix 不允许包含空格")
	}
	return nil
}

func validateTarget(raw string) error {
	if raw == "" {
		return errors.New("缺少目标地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，目标: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("目标缺少 Host: %s", raw)
	}
	return nil
}
