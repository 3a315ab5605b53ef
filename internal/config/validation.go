package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.FreshnessTTL.DurationValue() <= 0 {
		return newFieldError("Global.FreshnessTTL", "必须大于 0")
	}
	if g.RedirectLimit <= 0 {
		return newFieldError("Global.RedirectLimit", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.SyncConcurrency <= 0 {
		return newFieldError("Global.SyncConcurrency", "必须大于 0")
	}
	for _, header := range g.ComparisonHeaders {
		if strings.TrimSpace(header) == "" {
			return newFieldError("Global.ComparisonHeaders", "不能包含空值")
		}
	}

	if len(c.Sources) == 0 {
		return errors.New("至少需要配置一个 Source")
	}

	seenNames := map[string]struct{}{}
	seenOrigins := map[string]string{}
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Name == "" {
			return newFieldError("Source[].Name", "不能为空")
		}
		if strings.ContainsAny(src.Name, "/ \\") {
			return newFieldError(sourceField(src.Name, "Name"), "不允许包含空格或路径分隔符")
		}
		if _, exists := seenNames[src.Name]; exists {
			return newFieldError(sourceField(src.Name, "Name"), "重复")
		}
		seenNames[src.Name] = struct{}{}

		if err := validateOrigin(src.Origin); err != nil {
			return fmt.Errorf("%s: %w", sourceField(src.Name, "Origin"), err)
		}
		normalized := strings.TrimRight(src.Origin, "/")
		if other, exists := seenOrigins[normalized]; exists {
			return newFieldError(sourceField(src.Name, "Origin"), "与 "+other+" 重复")
		}
		seenOrigins[normalized] = src.Name

		if src.RedirectLimit < 0 {
			return newFieldError(sourceField(src.Name, "RedirectLimit"), "不能为负数")
		}
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// EffectiveFreshnessTTL 返回特定 Source 生效的 TTL，未覆盖时回退至全局值。
func (c *Config) EffectiveFreshnessTTL(s SourceConfig) time.Duration {
	if s.FreshnessTTL.DurationValue() > 0 {
		return s.FreshnessTTL.DurationValue()
	}
	return c.Global.FreshnessTTL.DurationValue()
}

// EffectiveRedirectLimit 返回特定 Source 生效的重定向上限。
func (c *Config) EffectiveRedirectLimit(s SourceConfig) int {
	if s.RedirectLimit > 0 {
		return s.RedirectLimit
	}
	return c.Global.RedirectLimit
}
