package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gemhub/gemhub/internal/cache"
	"github.com/gemhub/gemhub/internal/gemtest"
	"github.com/gemhub/gemhub/internal/spec"
	"github.com/gemhub/gemhub/internal/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func tuple(t *testing.T, name, version, platform string) spec.Tuple {
	t.Helper()
	tup, err := spec.NewTuple(name, version, platform)
	require.NoError(t, err)
	return tup
}

func fooTuples(t *testing.T) []spec.Tuple {
	return []spec.Tuple{
		tuple(t, "foo", "1.0", "ruby"),
		tuple(t, "foo", "2.0", "ruby"),
		tuple(t, "foo", "1.5", "java"),
	}
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func openSource(t *testing.T, origin string, store cache.Store, clock *fakeClock) *Source {
	t.Helper()
	src, err := Open(context.Background(), "test", origin, Options{
		Settings: DefaultSettings(),
		Client:   transport.NewClient(5 * time.Second),
		Store:    store,
		Logger:   discardLogger(),
		Now:      clock.Now,
	})
	require.NoError(t, err)
	return src
}

func newStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestOpenRejectsInvalidOrigin(t *testing.T) {
	for _, origin := range []string{"", "ftp://gems.example.com", "http://", "rubygems.org", "https://gems.example.com/?page=1", "http://%zz"} {
		_, err := Open(context.Background(), "bad", origin, Options{})
		require.ErrorIs(t, err, ErrInvalidOrigin, origin)
	}
}

func TestOpenNormalizesOrigin(t *testing.T) {
	src, err := Open(context.Background(), "", "https://gems.example.com/private/", Options{})
	require.NoError(t, err)
	require.Equal(t, "https://gems.example.com/private", src.Origin())
	require.Equal(t, "https://gems.example.com/private", src.Name())
	require.Equal(t, Unloaded, src.State())
}

func TestLatestSpecsRefreshOnReadIsIdempotent(t *testing.T) {
	origin := gemtest.NewOrigin(t, fooTuples(t)...)
	src := openSource(t, origin.URL, nil, newFakeClock())
	ctx := context.Background()

	first, err := src.LatestSpecs(ctx)
	require.NoError(t, err)
	second, err := src.LatestSpecs(ctx)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Len(t, first, 2)
	require.Equal(t, 1, origin.Total())
	require.Equal(t, Fresh, src.State())
}

func TestLatestSelectsHighestVersionPerPlatform(t *testing.T) {
	origin := gemtest.NewOrigin(t, fooTuples(t)...)
	src := openSource(t, origin.URL, nil, newFakeClock())
	ctx := context.Background()

	got, ok, err := src.Latest(ctx, "foo", "ruby")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2.0", got.Version.String())

	got, ok, err = src.Latest(ctx, "foo", "java")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1.5", got.Version.String())

	_, ok, err = src.Latest(ctx, "missing", "ruby")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSearchFiltersLazily(t *testing.T) {
	origin := gemtest.NewOrigin(t, fooTuples(t)...)
	src := openSource(t, origin.URL, nil, newFakeClock())

	req, err := spec.ParseRequirement(">= 1.5")
	require.NoError(t, err)
	seq, err := src.Search(context.Background(), spec.Matching(spec.ByName("foo"), spec.ByRequirement(req)))
	require.NoError(t, err)

	got := slices.Collect(seq)
	require.Len(t, got, 2)
	require.Equal(t, "foo-2.0", got[0].FullName())
	require.Equal(t, "foo-1.5-java", got[1].FullName())
	require.Equal(t, got, slices.Collect(seq))
}

func TestExpiredTTLProbesAndKeepsUnchangedIndex(t *testing.T) {
	origin := gemtest.NewOrigin(t, fooTuples(t)...)
	clock := newFakeClock()
	src := openSource(t, origin.URL, nil, clock)
	ctx := context.Background()

	_, err := src.LatestSpecs(ctx)
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)

	_, err = src.LatestSpecs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, origin.Hits("HEAD", gemtest.IndexPath))
	require.Equal(t, 1, origin.Hits("GET", gemtest.IndexPath))
	require.Equal(t, clock.Now(), *src.Info().CheckedAt)
}

func TestExpiredTTLRefetchesChangedIndex(t *testing.T) {
	origin := gemtest.NewOrigin(t, fooTuples(t)...)
	clock := newFakeClock()
	src := openSource(t, origin.URL, nil, clock)
	ctx := context.Background()

	_, err := src.LatestSpecs(ctx)
	require.NoError(t, err)

	origin.SetIndex(t, append(fooTuples(t), tuple(t, "foo", "3.0", "ruby"))...)
	clock.Advance(6 * time.Minute)

	got, ok, err := src.Latest(ctx, "foo", "ruby")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "3.0", got.Version.String())
	require.Equal(t, 1, origin.Hits("HEAD", gemtest.IndexPath))
	require.Equal(t, 2, origin.Hits("GET", gemtest.IndexPath))
	require.Equal(t, Fresh, src.State())
}

func TestAbsentValidatorsAreIgnored(t *testing.T) {
	origin := gemtest.NewOrigin(t, fooTuples(t)...)
	clock := newFakeClock()
	src := openSource(t, origin.URL, nil, clock)
	ctx := context.Background()

	_, err := src.LatestSpecs(ctx)
	require.NoError(t, err)

	origin.HideValidators(true)
	clock.Advance(time.Hour)
	_, err = src.LatestSpecs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, origin.Hits("GET", gemtest.IndexPath))
	require.Equal(t, 1, origin.Hits("HEAD", gemtest.IndexPath))
}

func TestCorruptFetchPreservesPriorSpecs(t *testing.T) {
	origin := gemtest.NewOrigin(t, fooTuples(t)...)
	clock := newFakeClock()
	src := openSource(t, origin.URL, nil, clock)
	ctx := context.Background()

	before, err := src.LatestSpecs(ctx)
	require.NoError(t, err)

	origin.Corrupt(true)
	clock.Advance(6 * time.Minute)
	_, err = src.LatestSpecs(ctx)
	require.ErrorIs(t, err, ErrCorruptUpstreamData)
	require.Equal(t, Fresh, src.State())
	require.NotEmpty(t, src.Info().LastError)

	total := origin.Total()
	after, err := src.LatestSpecs(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, total, origin.Total())
}

func TestFailedFirstFetchStaysUnloaded(t *testing.T) {
	origin := gemtest.NewOrigin(t, fooTuples(t)...)
	src := openSource(t, origin.URL, nil, newFakeClock())
	ctx := context.Background()

	origin.FailWith(503)
	_, err := src.LatestSpecs(ctx)
	var upstreamErr *transport.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.Equal(t, 503, upstreamErr.StatusCode)
	require.Equal(t, Unloaded, src.State())

	origin.FailWith(0)
	got, err := src.LatestSpecs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, Fresh, src.State())
}

func TestCachedSnapshotLoadsStaleAndRevalidates(t *testing.T) {
	origin := gemtest.NewOrigin(t, fooTuples(t)...)
	store := newStore(t)
	ctx := context.Background()

	first := openSource(t, origin.URL, store, newFakeClock())
	want, err := first.LatestSpecs(ctx)
	require.NoError(t, err)

	second := openSource(t, origin.URL, store, newFakeClock())
	require.Equal(t, Stale, second.State())
	require.Equal(t, 3, second.Info().Specs)
	require.Equal(t, 1, origin.Total())

	got, err := second.LatestSpecs(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, Fresh, second.State())
	// 条件 GET 命中 304，不重新下载索引
	require.Equal(t, 2, origin.Hits("GET", gemtest.IndexPath))
	require.Zero(t, origin.Hits("HEAD", gemtest.IndexPath))
}

func TestCachedSnapshotServedWhenUpstreamDown(t *testing.T) {
	origin := gemtest.NewOrigin(t, fooTuples(t)...)
	store := newStore(t)
	ctx := context.Background()

	_, err := openSource(t, origin.URL, store, newFakeClock()).LatestSpecs(ctx)
	require.NoError(t, err)

	origin.FailWith(500)
	src := openSource(t, origin.URL, store, newFakeClock())
	_, err = src.LatestSpecs(ctx)
	require.Error(t, err)
	require.Equal(t, Stale, src.State())

	total := origin.Total()
	got, err := src.LatestSpecs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, total, origin.Total())
}

func TestCorruptCacheFileIsTreatedAsMiss(t *testing.T) {
	origin := gemtest.NewOrigin(t, fooTuples(t)...)
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, cache.IndexLocator(origin.URL), bytes.NewReader([]byte("garbage")), cache.PutOptions{})
	require.NoError(t, err)

	src := openSource(t, origin.URL, store, newFakeClock())
	require.Equal(t, Unloaded, src.State())
	_, err = store.Get(ctx, cache.IndexLocator(origin.URL))
	require.ErrorIs(t, err, cache.ErrNotFound)

	got, err := src.LatestSpecs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestConcurrentReadersShareOneRefresh(t *testing.T) {
	origin := gemtest.NewOrigin(t, fooTuples(t)...)
	src := openSource(t, origin.URL, nil, newFakeClock())
	release := origin.Block()
	defer release()

	const readers = 8
	var wg sync.WaitGroup
	results := make([][]spec.Tuple, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = src.LatestSpecs(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool {
		return origin.Hits("GET", gemtest.IndexPath) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, Loading, src.State())
	release()
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
	require.Equal(t, 1, origin.Hits("GET", gemtest.IndexPath))
}

type failingPutStore struct {
	cache.Store
}

func (failingPutStore) Put(context.Context, cache.Locator, io.Reader, cache.PutOptions) (*cache.Entry, error) {
	return nil, errors.New("disk full")
}

func TestStorageErrorIsSurfacedButDataServed(t *testing.T) {
	origin := gemtest.NewOrigin(t, fooTuples(t)...)
	src := openSource(t, origin.URL, failingPutStore{Store: newStore(t)}, newFakeClock())
	ctx := context.Background()

	err := src.EnsureFresh(ctx)
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	require.Equal(t, "save", storageErr.Op)
	require.Equal(t, Fresh, src.State())

	got, err := src.LatestSpecs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestDestroyRemovesCacheFile(t *testing.T) {
	origin := gemtest.NewOrigin(t, fooTuples(t)...)
	store := newStore(t)
	ctx := context.Background()

	src := openSource(t, origin.URL, store, newFakeClock())
	require.NoError(t, src.EnsureFresh(ctx))
	_, err := store.Get(ctx, cache.IndexLocator(origin.URL))
	require.NoError(t, err)

	require.NoError(t, src.Destroy(ctx))
	require.Equal(t, Unloaded, src.State())
	_, err = store.Get(ctx, cache.IndexLocator(origin.URL))
	require.ErrorIs(t, err, cache.ErrNotFound)
}

// lengthDriftOrigin 的 ETag 不变，但 HEAD 报告的 Content-Length 可被单独改写；
// 条件 GET 返回的 304 不带 Content-Length。
type lengthDriftOrigin struct {
	mu         sync.Mutex
	body       []byte
	headLength int
	hits       map[string]int
}

func newLengthDriftOrigin(t *testing.T, tuples ...spec.Tuple) (*lengthDriftOrigin, string) {
	t.Helper()
	raw, err := spec.EncodeIndex(tuples)
	require.NoError(t, err)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	o := &lengthDriftOrigin{body: buf.Bytes(), headLength: buf.Len(), hits: map[string]int{}}
	server := httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(server.Close)
	return o, server.URL
}

func (o *lengthDriftOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.Method]++
	headLength := o.headLength
	o.mu.Unlock()

	w.Header().Set("ETag", `"idx-1"`)
	switch {
	case r.Method == http.MethodHead:
		w.Header().Set("Content-Length", strconv.Itoa(headLength))
		w.WriteHeader(http.StatusOK)
	case r.Header.Get("If-None-Match") == `"idx-1"`:
		w.WriteHeader(http.StatusNotModified)
	default:
		w.Header().Set("Content-Length", strconv.Itoa(len(o.body)))
		_, _ = w.Write(o.body)
	}
}

func (o *lengthDriftOrigin) setHeadLength(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.headLength = n
}

func (o *lengthDriftOrigin) count(method string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[method]
}

func TestNotModifiedKeepsHeadersObservedBeforeRefetch(t *testing.T) {
	origin, originURL := newLengthDriftOrigin(t, fooTuples(t)...)
	clock := newFakeClock()
	src := openSource(t, originURL, nil, clock)
	ctx := context.Background()

	_, err := src.LatestSpecs(ctx)
	require.NoError(t, err)
	before := src.Info().Validation["Content-Length"]

	// HEAD 看到新的长度，条件 GET 却以 304 确认实体未变
	origin.setHeadLength(len(origin.body) + 7)
	clock.Advance(6 * time.Minute)
	_, err = src.LatestSpecs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, origin.count(http.MethodHead))
	require.Equal(t, 2, origin.count(http.MethodGet))

	after := src.Info().Validation
	require.NotEqual(t, before, after["Content-Length"])
	require.Equal(t, strconv.Itoa(len(origin.body)+7), after["Content-Length"])
	require.Equal(t, `"idx-1"`, after["Etag"])
	require.Equal(t, Fresh, src.State())

	// 下一轮探测与记录一致，不再发起 GET
	clock.Advance(6 * time.Minute)
	_, err = src.LatestSpecs(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, origin.count(http.MethodHead))
	require.Equal(t, 2, origin.count(http.MethodGet))
}
