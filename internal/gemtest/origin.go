// Package gemtest provides an in-process gem origin for tests. It serves
// specs.4.8.gz and quick/Marshal.4.8 gemspecs built from spec values, counts
// requests per method and path, and can be scripted to change its index,
// corrupt responses or fail with a status code.
package gemtest

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/gemhub/gemhub/internal/spec"
)

const (
	// IndexPath 是索引文件相对 origin 的路径。
	IndexPath = "/specs.4.8.gz"
	// QuickPrefix 是单个 gemspec 的路径前缀。
	QuickPrefix = "/quick/Marshal.4.8/"
)

// SpecPath returns the quick path for a full gem name.
func SpecPath(fullName string) string {
	return QuickPrefix + fullName + ".gemspec.rz"
}

// Origin 是可编排的假上游。
type Origin struct {
	URL    string
	server *httptest.Server

	mu           sync.Mutex
	index        []byte
	etag         int
	lastModified time.Time
	specs        map[string][]byte
	hits         map[string]int
	corrupt      bool
	failStatus   int
	hideHeaders  bool
	block        chan struct{}
}

// NewOrigin starts an origin serving tuples; it is closed with t.Cleanup.
func NewOrigin(t testing.TB, tuples ...spec.Tuple) *Origin {
	t.Helper()
	o := &Origin{
		specs: make(map[string][]byte),
		hits:  make(map[string]int),
	}
	if err := o.setIndex(tuples); err != nil {
		t.Fatalf("encode index: %v", err)
	}
	o.server = httptest.NewServer(http.HandlerFunc(o.serve))
	o.URL = o.server.URL
	t.Cleanup(o.server.Close)
	return o
}

// Close stops the server early.
func (o *Origin) Close() {
	o.server.Close()
}

// SetIndex 替换索引内容并更新 ETag/Last-Modified。
func (o *Origin) SetIndex(t testing.TB, tuples ...spec.Tuple) {
	t.Helper()
	if err := o.setIndex(tuples); err != nil {
		t.Fatalf("encode index: %v", err)
	}
}

func (o *Origin) setIndex(tuples []spec.Tuple) error {
	raw, err := spec.EncodeIndex(tuples)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.index = buf.Bytes()
	o.etag++
	o.lastModified = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(o.etag) * time.Hour)
	return nil
}

// AddSpec 发布一个单独的 gemspec。
func (o *Origin) AddSpec(t testing.TB, s *spec.Specification) {
	t.Helper()
	raw, err := spec.EncodeSpecification(s)
	if err != nil {
		t.Fatalf("encode gemspec: %v", err)
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatalf("deflate gemspec: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("deflate gemspec: %v", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.specs[s.Tuple().FullName()] = buf.Bytes()
}

// Corrupt 使后续响应体变为无法解压的字节，同时改变 ETag 让探测判定为已更新。
func (o *Origin) Corrupt(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.corrupt = enabled
	if enabled {
		o.etag++
	}
}

// FailWith 使所有请求返回 status；0 恢复正常。
func (o *Origin) FailWith(status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failStatus = status
}

// HideValidators 停止发送 ETag/Last-Modified/Content-Length。
func (o *Origin) HideValidators(hidden bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hideHeaders = hidden
}

// Block 让索引 GET 在返回前等待 release 被调用，用于并发测试。
func (o *Origin) Block() (release func()) {
	ch := make(chan struct{})
	o.mu.Lock()
	o.block = ch
	o.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			o.block = nil
			o.mu.Unlock()
			close(ch)
		})
	}
}

// Hits 返回 method+path 的请求次数。
func (o *Origin) Hits(method, path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[method+" "+path]
}

// Total returns the number of requests served.
func (o *Origin) Total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for _, n := range o.hits {
		total += n
	}
	return total
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.Method+" "+r.URL.Path]++
	failStatus := o.failStatus
	block := o.block
	o.mu.Unlock()

	if failStatus != 0 {
		http.Error(w, http.StatusText(failStatus), failStatus)
		return
	}

	switch {
	case r.URL.Path == IndexPath:
		if block != nil && r.Method == http.MethodGet {
			<-block
		}
		o.serveIndex(w, r)
	case strings.HasPrefix(r.URL.Path, QuickPrefix) && strings.HasSuffix(r.URL.Path, ".gemspec.rz"):
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, QuickPrefix), ".gemspec.rz")
		o.serveSpec(w, r, name)
	default:
		http.NotFound(w, r)
	}
}

func (o *Origin) serveIndex(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	body := o.index
	if o.corrupt {
		body = []byte("definitely not gzip")
	}
	etag := fmt.Sprintf(`"idx-%d"`, o.etag)
	lastModified := o.lastModified.Format(http.TimeFormat)
	hide := o.hideHeaders
	o.mu.Unlock()

	if !hide {
		w.Header().Set("ETag", etag)
		w.Header().Set("Last-Modified", lastModified)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	_, _ = w.Write(body)
}

func (o *Origin) serveSpec(w http.ResponseWriter, r *http.Request, fullName string) {
	o.mu.Lock()
	body, ok := o.specs[fullName]
	if ok && o.corrupt {
		body = []byte("definitely not zlib")
	}
	o.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}
