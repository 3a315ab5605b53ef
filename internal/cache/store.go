package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<Namespace>/<path>
//
// Namespace 区分索引快照（sources）与单个 gemspec（quick）。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 写入缓存并产出新的 Entry 描述。实现需通过临时文件 + fsync + rename
	// 保证写入原子性：body 读取失败时目标路径保持旧内容，临时文件被清理。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除缓存文件，不存在时视为成功。
	Remove(ctx context.Context, locator Locator) error
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Locator 唯一定位一个缓存条目（命名空间 + 相对路径），路径为 URL 路径风格。
type Locator struct {
	Namespace string
	Path      string
}

// Validate 检查命名空间为单段、路径的每一段都是普通文件名。
// 路径不做 Clean，"a/../b" 这类写法直接拒绝而不是折叠。
func (l Locator) Validate() error {
	if !plainSegment(l.Namespace) {
		return fmt.Errorf("%w: namespace %q", ErrInvalidLocator, l.Namespace)
	}
	if l.Path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidLocator)
	}
	for _, seg := range strings.Split(l.Path, "/") {
		if !plainSegment(seg) {
			return fmt.Errorf("%w: path %q", ErrInvalidLocator, l.Path)
		}
	}
	return nil
}

func plainSegment(seg string) bool {
	return seg != "" && seg != "." && seg != ".." && !strings.ContainsAny(seg, "/\\\x00")
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Locator   Locator   `json:"locator"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrCacheCorrupt 表示缓存文件存在但无法解码，调用方应按未命中处理。
	ErrCacheCorrupt = errors.New("cache entry corrupt")
	// ErrInvalidLocator 表示 Locator 含有空段、"."、".." 或反斜杠，无法映射到缓存目录内。
	ErrInvalidLocator = errors.New("invalid cache locator")
)

// ReadAll 读取整个条目内容。
func ReadAll(ctx context.Context, store Store, locator Locator) ([]byte, *Entry, error) {
	result, err := store.Get(ctx, locator)
	if err != nil {
		return nil, nil, err
	}
	defer result.Reader.Close()
	data, err := io.ReadAll(result.Reader)
	if err != nil {
		return nil, nil, err
	}
	return data, &result.Entry, nil
}
