package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultListenPort       = 8080
	defaultCacheFolder      = "./cache"
	defaultHeaderFileSuffix = ".headers"
	defaultBodyFileSuffix   = ".body"
	defaultUpstreamTimeout  = 30 * time.Second
)

// Load 读取并解析配置文件（TOML/JSON 由扩展名决定），同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Routes {
		applyRouteDefaults(&cfg.Routes[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absFolder, err := filepath.Abs(cfg.Global.Cache.Folder)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.Cache.Folder = absFolder

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("UseCache", true)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("ValidationMode", ValidationModeLastModified)
	v.SetDefault("HonorExpiry", true)
	v.SetDefault("Cache.Folder", defaultCacheFolder)
	v.SetDefault("Cache.HeaderFileSuffix", defaultHeaderFileSuffix)
	v.SetDefault("Cache.BodyFileSuffix", defaultBodyFileSuffix)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(defaultUpstreamTimeout)
	}
	g.ValidationMode = strings.ToLower(strings.TrimSpace(g.ValidationMode))
	if g.ValidationMode == "" {
		g.ValidationMode = ValidationModeLastModified
	}
	if g.Cache.Folder == "" {
		g.Cache.Folder = defaultCacheFolder
	}
	if g.Cache.HeaderFileSuffix == "" {
		g.Cache.HeaderFileSuffix = defaultHeaderFileSuffix
	}
	if g.Cache.BodyFileSuffix == "" {
		g.Cache.BodyFileSuffix = defaultBodyFileSuffix
	}
}

func applyRouteDefaults(r *RouteConfig) {
	r.Name = strings.TrimSpace(r.Name)
	r.Prefix = strings.TrimSpace(r.Prefix)
	if r.Name == "" {
		r.Name = strings.Trim(r.Prefix, "/")
	}
	if len(r.Prefix) > 1 {
		r.Prefix = strings.TrimSuffix(r.Prefix, "/")
	}
	r.Target = strings.TrimSpace(r.Target)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
