package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路由策略/命中/兜底字段，供代理请求日志复用。
func RequestFields(identity, strategy, fallback string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"identity":  identity,
		"strategy":  strategy,
		"fallback":  fallback,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 描述安装/激活过程中的一次状态迁移。
func LifecycleFields(action, identity, state string) logrus.Fields {
	return logrus.Fields{
		"action":   action,
		"identity": identity,
		"state":    state,
	}
}
