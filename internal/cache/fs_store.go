package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// lockStripes 是写锁分片数。不同路径可能落在同一分片，只影响并发度。
const lockStripes = 64

// NewStore 以 basePath 为根目录构建磁盘缓存，进程内复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path %s: %w", abs, err)
	}
	return &fileStore{basePath: abs}, nil
}

// fileStore 把 Locator 映射为 basePath/<Namespace>/<Path>。
// 同一文件的 Put 与 Remove 经分片锁串行；Get 不加锁，rename 保证读到完整文件。
type fileStore struct {
	basePath string
	stripes  [lockStripes]sync.Mutex
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	return &ReadResult{
		Entry: Entry{
			Locator:   locator,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}
	mu := s.stripe(filePath)
	mu.Lock()
	defer mu.Unlock()

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	size, err := writeAtomic(ctx, filePath, body, modTime)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: size,
		ModTime:   modTime,
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	filePath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	mu := s.stripe(filePath)
	mu.Lock()
	defer mu.Unlock()

	err = os.Remove(filePath)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fileStore) stripe(filePath string) *sync.Mutex {
	return &s.stripes[xxhash.Sum64String(filePath)%lockStripes]
}

func (s *fileStore) entryPath(locator Locator) (string, error) {
	if err := locator.Validate(); err != nil {
		return "", err
	}
	root := filepath.Join(s.basePath, locator.Namespace)
	filePath := filepath.Join(root, filepath.FromSlash(locator.Path))
	if !strings.HasPrefix(filePath, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrInvalidLocator, locator.Path, locator.Namespace)
	}
	return filePath, nil
}

// writeAtomic 先写入同目录下的临时文件并 fsync，设置 mtime 后 rename 到 target。
// 任一步失败都会删除临时文件，target 保持原内容。
func writeAtomic(ctx context.Context, target string, body io.Reader, modTime time.Time) (size int64, err error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	size, err = io.Copy(tmp, &ctxReader{ctx: ctx, r: body})
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, err
	}
	if err = os.Chtimes(tmp.Name(), modTime, modTime); err != nil {
		return 0, err
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return 0, err
	}
	return size, nil
}

// ctxReader 在每次 Read 前检查 ctx，取消后停止写入。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
