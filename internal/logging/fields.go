package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路由/方法/缓存状态字段，供代理请求日志复用。
// route 为空表示 absolute-form 的正向代理请求。
func RequestFields(route, method, target, cacheStatus string) logrus.Fields {
	if route == "" {
		route = "forward"
	}
	return logrus.Fields{
		"route":        route,
		"method":       method,
		"target":       target,
		"cache_status": cacheStatus,
	}
}
