package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// GenerationFields 标识日志所属的应用与 generation。
func GenerationFields(app, generation string) logrus.Fields {
	return logrus.Fields{
		"app":        app,
		"generation": generation,
	}
}

// RequestFields 提供 app/domain/资源键/缓存来源字段，供代理请求日志复用。
func RequestFields(app, domain, key, source, generation string) logrus.Fields {
	return logrus.Fields{
		"app":          app,
		"domain":       domain,
		"resource_key": key,
		"cache_source": source,
		"cache_hit":    source == "cache",
		"generation":   generation,
	}
}
