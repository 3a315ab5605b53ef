package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
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

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有 Source 共享同一份参数。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	StoragePath       string   `mapstructure:"StoragePath"`
	FreshnessTTL      Duration `mapstructure:"FreshnessTTL"`
	RedirectLimit     int      `mapstructure:"RedirectLimit"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
	ComparisonHeaders []string `mapstructure:"ComparisonHeaders"`
	SyncConcurrency   int      `mapstructure:"SyncConcurrency"`
}

// SourceConfig 描述一个上游 gem 源；TTL 与重定向上限可单独覆盖。
type SourceConfig struct {
	Name          string   `mapstructure:"Name"`
	Origin        string   `mapstructure:"Origin"`
	FreshnessTTL  Duration `mapstructure:"FreshnessTTL"`
	RedirectLimit int      `mapstructure:"RedirectLimit"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Sources []SourceConfig `mapstructure:"Source"`
}

// DefaultComparisonHeaders 是新鲜度探测时比较的响应头。
var DefaultComparisonHeaders = []string{"ETag", "Last-Modified", "Content-Length"}

// SourceNames 返回所有 Source 名称，供启动日志使用。
func SourceNames(sources []SourceConfig) []string {
	if len(sources) == 0 {
		return nil
	}
	result := make([]string, len(sources))
	for i, src := range sources {
		result[i] = src.Name
	}
	return result
}
