package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultRedirectLimit 是未配置时的重定向预算。
const DefaultRedirectLimit = 10

// maxErrorBody 限制写入 UpstreamError.Message 的响应体长度。
const maxErrorBody = 1024

// Doer 抽象 http.Client，测试中可注入计数/伪造实现。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request 描述一次逻辑请求；Header 会在每一跳上重复发送。
type Request struct {
	Method string
	URL    string
	Header http.Header
}

// Fetcher 执行单次逻辑请求，逐跳跟随重定向直至终态或预算耗尽。
type Fetcher struct {
	client Doer
}

// NewFetcher wraps client; a nil client falls back to NewClient(DefaultTimeout).
func NewFetcher(client Doer) *Fetcher {
	if client == nil {
		client = NewClient(DefaultTimeout)
	}
	return &Fetcher{client: client}
}

// Fetch 每跳只发起一次网络调用。2xx 直接返回；条件请求得到的 304 原样返回；
// 重定向消耗预算并改写目标地址；其余状态码转换为 *UpstreamError。
// 调用方负责关闭返回的 Body。
func (f *Fetcher) Fetch(ctx context.Context, req Request, budget int) (*http.Response, error) {
	if budget <= 0 {
		budget = DefaultRedirectLimit
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}

	for remaining := budget; remaining > 0; remaining-- {
		httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), http.NoBody)
		if err != nil {
			return nil, err
		}
		for key, values := range req.Header {
			for _, value := range values {
				httpReq.Header.Add(key, value)
			}
		}

		resp, err := f.client.Do(httpReq)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		case resp.StatusCode == http.StatusNotModified && isConditional(req.Header):
			return resp, nil
		case isRedirect(resp.StatusCode):
			next, locErr := resp.Location()
			drain(resp)
			if locErr != nil {
				if errors.Is(locErr, http.ErrNoLocation) {
					return nil, &UpstreamError{
						Method:     method,
						URL:        target.String(),
						StatusCode: resp.StatusCode,
						Message:    "redirect without Location",
					}
				}
				return nil, fmt.Errorf("parse redirect location: %w", locErr)
			}
			target = next
		default:
			return nil, newUpstreamError(method, target.String(), resp)
		}
	}

	return nil, fmt.Errorf("%w: %s %s (budget %d)", ErrTooManyRedirects, method, req.URL, budget)
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func isConditional(header http.Header) bool {
	return header.Get("If-None-Match") != "" || header.Get("If-Modified-Since") != ""
}

func newUpstreamError(method, target string, resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &UpstreamError{
		Method:     method,
		URL:        target,
		StatusCode: resp.StatusCode,
		Message:    message,
	}
}

// drain 丢弃少量剩余正文后关闭，便于连接复用。
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
