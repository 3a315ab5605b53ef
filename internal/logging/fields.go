package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SourceFields 提供 source 名称与 origin 字段，供刷新/缓存日志复用。
func SourceFields(action, name, origin string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"source": name,
		"origin": origin,
	}
}
