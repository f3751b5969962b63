package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// DownloadFields 描述一次回源下载。
func DownloadFields(namespace, hash, url string) logrus.Fields {
	return logrus.Fields{
		"action":    "fetch",
		"namespace": namespace,
		"hash":      hash,
		"url":       url,
	}
}

// ServeFields 提供命名空间/Host/命中状态字段，供 HTTP 请求日志复用。
func ServeFields(namespace, host, path string, hit bool) logrus.Fields {
	return logrus.Fields{
		"action":    "serve",
		"namespace": namespace,
		"host":      host,
		"path":      path,
		"hit":       hit,
	}
}
