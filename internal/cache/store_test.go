package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStorePutAndGet(t *testing.T) {
	store := newTestStore(t)
	locator, err := SpecLocator("https://rubygems.org", "rake-13.0.6")
	if err != nil {
		t.Fatalf("locator error: %v", err)
	}

	modTime := time.Now().Add(-time.Hour).UTC()
	payload := []byte("payload")
	if _, err := store.Put(context.Background(), locator, bytes.NewReader(payload), PutOptions{ModTime: modTime}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	result, err := store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read cached body error: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("cached payload mismatch: %s", string(body))
	}
	if result.Entry.SizeBytes != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", result.Entry.SizeBytes)
	}
	if !result.Entry.ModTime.Equal(modTime) {
		t.Fatalf("modtime mismatch: expected %v got %v", modTime, result.Entry.ModTime)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), Locator{Namespace: SourcesNamespace, Path: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRemove(t *testing.T) {
	store := newTestStore(t)
	locator := IndexLocator("https://rubygems.org")
	if _, err := store.Put(context.Background(), locator, bytes.NewReader([]byte("data")), PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Remove(context.Background(), locator); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Get(context.Background(), locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
	if err := store.Remove(context.Background(), locator); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}
}

func TestStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Namespace: QuickNamespace, Path: "dir"}

	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}

	filePath, err := fs.entryPath(locator)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(filePath, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := store.Get(context.Background(), locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestStoreRejectsEscapingLocators(t *testing.T) {
	fs := newTestStore(t).(*fileStore)
	for _, locator := range []Locator{
		{Namespace: "", Path: "x"},
		{Namespace: "..", Path: "x"},
		{Namespace: "a/b", Path: "x"},
		{Namespace: QuickNamespace, Path: ""},
		{Namespace: QuickNamespace, Path: "../../etc/passwd"},
		{Namespace: QuickNamespace, Path: "a/../../sources/x"},
		{Namespace: QuickNamespace, Path: "a/./b"},
		{Namespace: QuickNamespace, Path: "a//b"},
		{Namespace: QuickNamespace, Path: "/abs"},
		{Namespace: QuickNamespace, Path: `a\..\b`},
	} {
		if _, err := fs.entryPath(locator); !errors.Is(err, ErrInvalidLocator) {
			t.Fatalf("expected ErrInvalidLocator for %+v, got %v", locator, err)
		}
	}

	// ".." 段不再被折叠，两个 origin 的目录互不可达
	other := EncodeOrigin("https://other.example")
	locator := Locator{Namespace: QuickNamespace, Path: EncodeOrigin("https://rubygems.org") + "/../" + other + "/bar-1.0.gemspec"}
	if _, err := newTestStore(t).Put(context.Background(), locator, bytes.NewReader([]byte("x")), PutOptions{}); !errors.Is(err, ErrInvalidLocator) {
		t.Fatalf("put should reject locator, got %v", err)
	}

	path, err := fs.entryPath(Locator{Namespace: QuickNamespace, Path: other + "/bar-1.0.gemspec"})
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if want := filepath.Join(fs.basePath, QuickNamespace, other, "bar-1.0.gemspec"); path != want {
		t.Fatalf("expected %s, got %s", want, path)
	}
}

type failingReader struct {
	data []byte
	read bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		return copy(p, r.data), nil
	}
	return 0, errors.New("simulated crash")
}

func TestStorePutFailureKeepsPreviousContent(t *testing.T) {
	store := newTestStore(t)
	locator := IndexLocator("https://gems.example.com")
	ctx := context.Background()

	if _, err := store.Put(ctx, locator, bytes.NewReader([]byte("old content")), PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if _, err := store.Put(ctx, locator, &failingReader{data: []byte("half-written")}, PutOptions{}); err == nil {
		t.Fatalf("expected put to fail")
	}

	data, _, err := ReadAll(ctx, store, locator)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(data) != "old content" {
		t.Fatalf("canonical path changed: %q", data)
	}

	fs := store.(*fileStore)
	filePath, _ := fs.entryPath(locator)
	entries, err := os.ReadDir(filepath.Dir(filePath))
	if err != nil {
		t.Fatalf("readdir error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %d entries", len(entries))
	}
}

func TestStorePutHonoursCancelledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	locator := IndexLocator("https://gems.example.com")
	if _, err := store.Put(ctx, locator, bytes.NewReader([]byte("data")), PutOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := store.Get(context.Background(), locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected nothing written, got %v", err)
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
