package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"100ms" 或纯数字秒值等配置写法。
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

	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述全局运行时行为：存储位置、日志、下载与锁的调优参数。
type GlobalConfig struct {
	IndexPath              string   `mapstructure:"IndexPath"`
	ListenPort             int      `mapstructure:"ListenPort"`
	LogLevel               string   `mapstructure:"LogLevel"`
	LogFilePath            string   `mapstructure:"LogFilePath"`
	LogMaxSize             int      `mapstructure:"LogMaxSize"`
	LogMaxBackups          int      `mapstructure:"LogMaxBackups"`
	LogCompress            bool     `mapstructure:"LogCompress"`
	UpstreamTimeout        Duration `mapstructure:"UpstreamTimeout"`
	LockDir                string   `mapstructure:"LockDir"`
	LockPollInterval       Duration `mapstructure:"LockPollInterval"`
	LockTimeout            Duration `mapstructure:"LockTimeout"`
	RetryBackoff           Duration `mapstructure:"RetryBackoff"`
	MaxStallAttempts       int      `mapstructure:"MaxStallAttempts"`
	MaintenanceConcurrency int      `mapstructure:"MaintenanceConcurrency"`
	AllowResume            bool     `mapstructure:"AllowResume"`
}

// NamespaceConfig 把一个 Host 绑定到索引中的命名空间，serve 据此选择命名空间。
type NamespaceConfig struct {
	Name   string `mapstructure:"Name"`
	Domain string `mapstructure:"Domain"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global     GlobalConfig      `mapstructure:",squash"`
	Namespaces []NamespaceConfig `mapstructure:"Namespace"`
}

// StorageRoot 返回存储根目录，即索引文档所在目录。
func (c *Config) StorageRoot() string {
	return filepath.Dir(c.Global.IndexPath)
}

// NamespaceNames 返回按配置顺序排列的命名空间名称，供启动日志使用。
func NamespaceNames(namespaces []NamespaceConfig) []string {
	if len(namespaces) == 0 {
		return nil
	}
	result := make([]string, len(namespaces))
	for i, ns := range namespaces {
		result[i] = fmt.Sprintf("%s@%s", ns.Name, ns.Domain)
	}
	return result
}
