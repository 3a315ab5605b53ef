package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/gemhub/gemhub/internal/cache"
	"github.com/gemhub/gemhub/internal/freshness"
	"github.com/gemhub/gemhub/internal/logging"
	"github.com/gemhub/gemhub/internal/spec"
	"github.com/gemhub/gemhub/internal/transport"
)

const (
	indexPath = "/specs.4.8.gz"
	quickPath = "/quick/Marshal.4.8/"
)

// Settings 汇总原先散落在全局的可调参数。
type Settings struct {
	ComparisonHeaders []string
	TTL               time.Duration
	RedirectLimit     int
}

// DefaultSettings 返回 5 分钟 TTL、10 跳重定向与默认比较头。
func DefaultSettings() Settings {
	return Settings{
		ComparisonHeaders: append([]string(nil), freshness.DefaultHeaders...),
		TTL:               freshness.DefaultTTL,
		RedirectLimit:     transport.DefaultRedirectLimit,
	}
}

// Options 描述 Source 的外部依赖。Store 为 nil 时不做任何持久化。
type Options struct {
	Settings Settings
	Client   transport.Doer
	Store    cache.Store
	Logger   *logrus.Logger
	Now      func() time.Time
}

// Source 持有一个上游 origin 及其索引。
type Source struct {
	name      string
	origin    string
	settings  Settings
	fetcher   *transport.Fetcher
	store     cache.Store
	snapshots *cache.SnapshotStore
	logger    *logrus.Logger
	now       func() time.Time

	refreshes singleflight.Group
	downloads singleflight.Group

	mu      sync.RWMutex
	state   State
	index   *spec.Index
	meta    *freshness.Metadata
	lastErr error
}

// Info 是 Source 的只读摘要。
type Info struct {
	Name       string            `json:"name"`
	Origin     string            `json:"origin"`
	State      State             `json:"state"`
	Specs      int               `json:"specs"`
	CheckedAt  *time.Time        `json:"checked_at,omitempty"`
	Validation map[string]string `json:"validation,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
}

// NormalizeOrigin 校验 origin 并去掉末尾的 "/"。
func NormalizeOrigin(origin string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidOrigin, origin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %q: scheme must be http or https", ErrInvalidOrigin, origin)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %q: missing host", ErrInvalidOrigin, origin)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("%w: %q: query and fragment are not allowed", ErrInvalidOrigin, origin)
	}
	return trimmed, nil
}

// Open 构造 Source：origin 非法时立即失败；存在可用缓存快照时以 Stale 状态载入，
// 快照损坏则按未命中处理并删除。Open 不访问网络。
func Open(ctx context.Context, name, origin string, opts Options) (*Source, error) {
	normalized, err := NormalizeOrigin(origin)
	if err != nil {
		return nil, err
	}

	settings := opts.Settings
	defaults := DefaultSettings()
	if len(settings.ComparisonHeaders) == 0 {
		settings.ComparisonHeaders = defaults.ComparisonHeaders
	}
	if settings.TTL <= 0 {
		settings.TTL = defaults.TTL
	}
	if settings.RedirectLimit <= 0 {
		settings.RedirectLimit = defaults.RedirectLimit
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if name == "" {
		name = normalized
	}

	s := &Source{
		name:     name,
		origin:   normalized,
		settings: settings,
		fetcher:  transport.NewFetcher(opts.Client),
		store:    opts.Store,
		logger:   logger,
		now:      now,
		state:    Unloaded,
		meta:     &freshness.Metadata{Headers: map[string]string{}},
	}
	if opts.Store != nil {
		s.snapshots = cache.NewSnapshotStore(opts.Store)
		s.loadSnapshot(ctx)
	}
	return s, nil
}

func (s *Source) loadSnapshot(ctx context.Context) {
	fields := logging.SourceFields("cache_load", s.name, s.origin)
	snap, err := s.snapshots.Load(ctx, s.origin)
	if err != nil {
		switch {
		case errors.Is(err, cache.ErrNotFound):
		case errors.Is(err, cache.ErrCacheCorrupt):
			s.logger.WithFields(fields).WithError(err).Warn("cache_corrupt_discarded")
			_ = s.snapshots.Delete(ctx, s.origin)
		default:
			s.logger.WithFields(fields).WithError(err).Warn("cache_load_failed")
		}
		return
	}

	tuples := make([]spec.Tuple, 0, len(snap.Specs))
	for _, rec := range snap.Specs {
		t, err := spec.NewTuple(rec.Name, rec.Version, rec.Platform)
		if err != nil {
			s.logger.WithFields(fields).WithError(err).Warn("cache_corrupt_discarded")
			_ = s.snapshots.Delete(ctx, s.origin)
			return
		}
		tuples = append(tuples, t)
	}

	s.index = spec.NewIndex(tuples)
	s.meta = &freshness.Metadata{Headers: snap.Validation}
	if s.meta.Headers == nil {
		s.meta.Headers = map[string]string{}
	}
	s.state = Stale
	s.logger.WithFields(fields).WithField("specs", len(tuples)).Info("cache_loaded")
}

// Name returns the configured source name.
func (s *Source) Name() string { return s.name }

// Origin returns the normalized origin URL.
func (s *Source) Origin() string { return s.origin }

// State returns the current lifecycle state.
func (s *Source) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info 返回当前状态摘要，不触发刷新。
func (s *Source) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{
		Name:       s.name,
		Origin:     s.origin,
		State:      s.state,
		Specs:      s.index.Len(),
		Validation: s.meta.Clone().Headers,
	}
	if !s.meta.CheckedAt.IsZero() {
		checked := s.meta.CheckedAt
		info.CheckedAt = &checked
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// EnsureFresh 执行 Unloaded/Stale -> Loading -> Fresh 迁移。并发调用合并为一次刷新，
// 后到者共享先到者的结果。返回 *StorageError 时内存数据已是最新。
func (s *Source) EnsureFresh(ctx context.Context) error {
	_, err, _ := s.refreshes.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *Source) refresh(ctx context.Context) error {
	s.mu.RLock()
	prior := s.meta.Clone()
	priorState := s.state
	hasSpecs := s.index != nil
	s.mu.RUnlock()

	validator := &freshness.Validator{
		TTL:     s.settings.TTL,
		Headers: s.settings.ComparisonHeaders,
		Prober:  freshness.ProbeFunc(s.probe),
		Now:     s.now,
	}
	meta := prior.Clone()
	stale, err := validator.Check(ctx, meta)
	if err != nil {
		return s.fail(priorState, fmt.Errorf("freshness probe: %w", err))
	}
	if !stale {
		s.mu.Lock()
		s.meta = meta
		s.state = Fresh
		s.mu.Unlock()
		return nil
	}

	s.setState(Loading)
	var conditional http.Header
	if hasSpecs {
		conditional = prior.Conditional()
	}
	return s.fetchIndex(ctx, priorState, meta, conditional)
}

func (s *Source) probe(ctx context.Context) (http.Header, error) {
	resp, err := s.fetcher.Fetch(ctx, transport.Request{Method: http.MethodHead, URL: s.origin + indexPath}, s.settings.RedirectLimit)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	s.logger.WithFields(logging.SourceFields("freshness_probe", s.name, s.origin)).
		WithField("status", resp.StatusCode).Debug("freshness_probe")
	return resp.Header, nil
}

// fail 记录失败并恢复刷新前的状态。已有 specs 时把 CheckedAt 推进到现在，
// 在一个 TTL 内继续提供旧数据而不是每次查询都重试上游。
func (s *Source) fail(priorState State, err error) error {
	s.mu.Lock()
	s.lastErr = err
	if s.index != nil {
		s.state = priorState
		if priorState == Unloaded {
			s.state = Stale
		}
		s.meta.CheckedAt = s.now()
	} else {
		s.state = Unloaded
	}
	s.mu.Unlock()

	s.logger.WithFields(logging.SourceFields("source_refresh", s.name, s.origin)).
		WithError(err).Warn("source_refresh_failed")
	return err
}

func (s *Source) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// snapshot 返回当前索引，先确保新鲜。仅写缓存失败时继续返回数据。
func (s *Source) snapshot(ctx context.Context) (*spec.Index, error) {
	if err := s.EnsureFresh(ctx); err != nil && !IsStorageError(err) {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index, nil
}

// LatestSpecs 返回每个 (name, platform) 的最高版本。
func (s *Source) LatestSpecs(ctx context.Context) ([]spec.Tuple, error) {
	idx, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return idx.LatestAll(), nil
}

// Latest 返回 (name, platform) 的最高版本。
func (s *Source) Latest(ctx context.Context, name, platform string) (spec.Tuple, bool, error) {
	idx, err := s.snapshot(ctx)
	if err != nil {
		return spec.Tuple{}, false, err
	}
	t, ok := idx.Latest(name, platform)
	return t, ok, nil
}

// Search 返回惰性、可重复遍历的结果序列，绑定在调用时的索引快照上。
func (s *Source) Search(ctx context.Context, pred spec.Predicate) (iter.Seq[spec.Tuple], error) {
	idx, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return idx.Search(pred), nil
}

// Destroy 删除索引缓存文件并清空内存状态。依赖该源的 gem 记录由调用方处理。
func (s *Source) Destroy(ctx context.Context) error {
	if s.snapshots != nil {
		if err := s.snapshots.Delete(ctx, s.origin); err != nil {
			return &StorageError{Op: "delete", Err: err}
		}
	}
	s.mu.Lock()
	s.state = Unloaded
	s.index = nil
	s.meta = &freshness.Metadata{Headers: map[string]string{}}
	s.lastErr = nil
	s.mu.Unlock()

	s.logger.WithFields(logging.SourceFields("source_destroy", s.name, s.origin)).Info("source_destroyed")
	return nil
}
