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

// EnvPrefix 是可覆盖全局字段的环境变量前缀，例如 CASTOR_LOGLEVEL=debug。
const EnvPrefix = "CASTOR"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Namespaces {
		applyNamespaceDefaults(&cfg.Namespaces[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absIndex, err := filepath.Abs(cfg.Global.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("无法解析索引路径: %w", err)
	}
	cfg.Global.IndexPath = absIndex

	if cfg.Global.LockDir != "" {
		absLock, err := filepath.Abs(cfg.Global.LockDir)
		if err != nil {
			return nil, fmt.Errorf("无法解析锁目录: %w", err)
		}
		cfg.Global.LockDir = absLock
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("IndexPath", "./storage/index.json")
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("LockDir", "")
	v.SetDefault("LockPollInterval", "100ms")
	v.SetDefault("LockTimeout", "120s")
	v.SetDefault("RetryBackoff", "1s")
	v.SetDefault("MaxStallAttempts", 10)
	v.SetDefault("MaintenanceConcurrency", 2)
	v.SetDefault("AllowResume", false)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.LockPollInterval.DurationValue() == 0 {
		g.LockPollInterval = Duration(100 * time.Millisecond)
	}
	if g.LockTimeout.DurationValue() == 0 {
		g.LockTimeout = Duration(120 * time.Second)
	}
	if g.RetryBackoff.DurationValue() == 0 {
		g.RetryBackoff = Duration(time.Second)
	}
	if g.MaxStallAttempts == 0 {
		g.MaxStallAttempts = 10
	}
	if g.MaintenanceConcurrency == 0 {
		g.MaintenanceConcurrency = 2
	}
	g.LogLevel = strings.ToLower(strings.TrimSpace(g.LogLevel))
}

func applyNamespaceDefaults(ns *NamespaceConfig) {
	ns.Name = strings.TrimSpace(ns.Name)
	ns.Domain = strings.ToLower(strings.TrimSpace(ns.Domain))
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
