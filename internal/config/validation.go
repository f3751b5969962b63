package config

import (
	"errors"
	"fmt"
	"strings"
)

var validLogLevels = map[string]struct{}{
	"trace": {}, "debug": {}, "info": {}, "warn": {}, "warning": {}, "error": {}, "fatal": {}, "panic": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if strings.TrimSpace(g.IndexPath) == "" {
		return newFieldError("Global.IndexPath", "不能为空")
	}
	if strings.HasSuffix(g.IndexPath, "/") {
		return newFieldError("Global.IndexPath", "必须指向文件而不是目录")
	}
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, ok := validLogLevels[g.LogLevel]; !ok {
			return newFieldError("Global.LogLevel", "仅支持 trace/debug/info/warn/error")
		}
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxSize/LogMaxBackups", "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.LockPollInterval.DurationValue() <= 0 {
		return newFieldError("Global.LockPollInterval", "必须大于 0")
	}
	if g.LockTimeout.DurationValue() <= 0 {
		return newFieldError("Global.LockTimeout", "必须大于 0")
	}
	if g.RetryBackoff.DurationValue() <= 0 {
		return newFieldError("Global.RetryBackoff", "必须大于 0")
	}
	if g.MaxStallAttempts <= 0 {
		return newFieldError("Global.MaxStallAttempts", "必须大于 0")
	}
	if g.MaintenanceConcurrency <= 0 {
		return newFieldError("Global.MaintenanceConcurrency", "必须大于 0")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for _, ns := range c.Namespaces {
		if ns.Name == "" {
			return newFieldError("Namespace[].Name", "不能为空")
		}
		if ns.Name == "version" || ns.Name == "_props" {
			return newFieldError(namespaceField(ns.Name, "Name"), "与索引保留键冲突")
		}
		if _, exists := seenNames[ns.Name]; exists {
			return newFieldError(namespaceField(ns.Name, "Name"), "重复")
		}
		seenNames[ns.Name] = struct{}{}

		if err := validateDomain(ns.Domain); err != nil {
			return fmt.Errorf("%s: %w", namespaceField(ns.Name, "Domain"), err)
		}
		if _, exists := seenDomains[ns.Domain]; exists {
			return newFieldError(namespaceField(ns.Name, "Domain"), "重复")
		}
		seenDomains[ns.Domain] = struct{}{}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") && strings.Contains(domain, ":") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}
