package source

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOrigin 表示构造时 origin 不是合法的 http/https URL。
	ErrInvalidOrigin = errors.New("invalid origin")
	// ErrCorruptUpstreamData 表示上游内容无法解压或解码，旧数据保持不变。
	ErrCorruptUpstreamData = errors.New("corrupt upstream data")
)

// StorageError 表示缓存写回失败。内存状态已经更新，查询仍可返回新数据。
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err only signals a failed cache write.
func IsStorageError(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}
