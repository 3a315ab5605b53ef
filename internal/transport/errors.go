package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrTooManyRedirects 表示重定向预算耗尽前未获得终态响应。
var ErrTooManyRedirects = errors.New("too many redirects")

// UpstreamError 描述上游返回的非成功终态状态码。
type UpstreamError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream %s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("upstream %s %s: %d %s", e.Method, e.URL, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var upstreamErr *UpstreamError
	return errors.As(err, &upstreamErr) && upstreamErr.StatusCode == http.StatusNotFound
}
