package cache

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// FormatVersion 随快照格式变更递增，旧格式文件因文件名不同自然失效。
	FormatVersion = "v1"

	// SourcesNamespace 存放索引快照。
	SourcesNamespace = "sources"
	// QuickNamespace 存放单个 gemspec（解压后的 Marshal 字节）。
	QuickNamespace = "quick"

	indexSuffix = ".specs." + FormatVersion
)

// EncodeOrigin 将 origin 编码为可逆、文件系统安全的单段名称。
func EncodeOrigin(origin string) string {
	return url.QueryEscape(origin)
}

// DecodeOrigin reverses EncodeOrigin. A trailing index suffix is ignored.
func DecodeOrigin(name string) (string, error) {
	name = strings.TrimSuffix(name, indexSuffix)
	origin, err := url.QueryUnescape(name)
	if err != nil {
		return "", fmt.Errorf("decode cache name %q: %w", name, err)
	}
	return origin, nil
}

// IndexLocator 返回 origin 的索引快照位置：sources/<encoded>.specs.v1。
func IndexLocator(origin string) Locator {
	return Locator{Namespace: SourcesNamespace, Path: EncodeOrigin(origin) + indexSuffix}
}

// SpecLocator 返回单个 gemspec 的位置：quick/<encoded>/<full_name>.gemspec。
// fullName 必须是单个路径段，否则一个 origin 的条目可能落到另一个 origin 的目录下。
func SpecLocator(origin, fullName string) (Locator, error) {
	if !plainSegment(fullName) {
		return Locator{}, fmt.Errorf("%w: gem full name %q", ErrInvalidLocator, fullName)
	}
	return Locator{Namespace: QuickNamespace, Path: EncodeOrigin(origin) + "/" + fullName + ".gemspec"}, nil
}
