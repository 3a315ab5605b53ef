package freshness

import (
	"context"
	"maps"
	"net/http"
	"time"
)

// DefaultTTL 是 TTL 快速路径的默认窗口。
const DefaultTTL = 5 * time.Minute

// DefaultHeaders 是默认参与比较的响应头。
var DefaultHeaders = []string{"ETag", "Last-Modified", "Content-Length"}

// Metadata 记录上次观察到的比较头与检查时间。零值 CheckedAt 表示从未检查。
type Metadata struct {
	Headers   map[string]string
	CheckedAt time.Time
}

// Clone returns a deep copy; a nil receiver yields an empty Metadata.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return &Metadata{Headers: map[string]string{}}
	}
	headers := maps.Clone(m.Headers)
	if headers == nil {
		headers = map[string]string{}
	}
	return &Metadata{Headers: headers, CheckedAt: m.CheckedAt}
}

// Record 用响应中出现的比较头覆盖已记录的值，缺失的头保持不变。
func (m *Metadata) Record(header http.Header, names []string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string, len(names))
	}
	for _, name := range names {
		if value := header.Get(name); value != "" {
			m.Headers[http.CanonicalHeaderKey(name)] = value
		}
	}
}

// Conditional 构造重新获取时使用的条件请求头。
func (m *Metadata) Conditional() http.Header {
	header := http.Header{}
	if m == nil {
		return header
	}
	if etag := m.Headers["Etag"]; etag != "" {
		header.Set("If-None-Match", etag)
	}
	if modified := m.Headers["Last-Modified"]; modified != "" {
		header.Set("If-Modified-Since", modified)
	}
	return header
}

// Prober 发出轻量探测（HEAD）并返回响应头。
type Prober interface {
	Probe(ctx context.Context) (http.Header, error)
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context) (http.Header, error)

func (f ProbeFunc) Probe(ctx context.Context) (http.Header, error) {
	return f(ctx)
}

// Validator 实现两级新鲜度检查。
type Validator struct {
	TTL     time.Duration
	Headers []string
	Prober  Prober
	Now     func() time.Time
}

// Check 报告 m 是否已过期，并就地更新 m：
//   - CheckedAt 为零：过期，不探测；
//   - 距 CheckedAt 不超过 TTL：未过期，不探测；
//   - 否则探测，任一出现的比较头与记录值不同则过期并写入新值；全部一致则刷新 CheckedAt。
//
// 探测失败时返回错误，m 不变。
func (v *Validator) Check(ctx context.Context, m *Metadata) (bool, error) {
	if m.CheckedAt.IsZero() {
		return true, nil
	}
	now := v.now()
	if now.Sub(m.CheckedAt) <= v.TTL {
		return false, nil
	}

	header, err := v.Prober.Probe(ctx)
	if err != nil {
		return false, err
	}

	names := v.Headers
	if len(names) == 0 {
		names = DefaultHeaders
	}
	stale := false
	for _, name := range names {
		value := header.Get(name)
		if value == "" {
			continue
		}
		key := http.CanonicalHeaderKey(name)
		if m.Headers[key] != value {
			stale = true
		}
	}
	if stale {
		m.Record(header, names)
		return true, nil
	}
	m.CheckedAt = now
	return false, nil
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}
