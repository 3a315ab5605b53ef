package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gemhub/gemhub/internal/cache"
	"github.com/gemhub/gemhub/internal/config"
	"github.com/gemhub/gemhub/internal/logging"
	"github.com/gemhub/gemhub/internal/source"
	"github.com/gemhub/gemhub/internal/transport"
)

var (
	// ErrUnknownSource 表示分组中没有该名称的源。
	ErrUnknownSource = errors.New("unknown source")
	// ErrDuplicateSource 表示名称或 origin 已被占用。
	ErrDuplicateSource = errors.New("duplicate source")
)

// Options 为组内所有 Source 提供共享依赖。
type Options struct {
	Client transport.Doer
	Store  cache.Store
	Logger *logrus.Logger
	Now    func() time.Time
}

// Group 以名称为键持有多个 Source，并保持配置顺序。
type Group struct {
	cfg         *config.Config
	opts        Options
	concurrency int

	mu      sync.RWMutex
	sources map[string]*source.Source
	order   []string
}

// New 为 cfg 中的每个 [[Source]] 打开一个 Source。打开过程不访问网络。
func New(ctx context.Context, cfg *config.Config, opts Options) (*Group, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	concurrency := cfg.Global.SyncConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	g := &Group{
		cfg:         cfg,
		opts:        opts,
		concurrency: concurrency,
		sources:     make(map[string]*source.Source, len(cfg.Sources)),
	}
	for _, sc := range cfg.Sources {
		if _, err := g.Add(ctx, sc); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Add 打开并登记一个新源。
func (g *Group) Add(ctx context.Context, sc config.SourceConfig) (*source.Source, error) {
	origin, err := source.NormalizeOrigin(sc.Origin)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", sc.Name, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.sources[sc.Name]; exists {
		return nil, fmt.Errorf("%w: name %s", ErrDuplicateSource, sc.Name)
	}
	for _, existing := range g.sources {
		if existing.Origin() == origin {
			return nil, fmt.Errorf("%w: origin %s already used by %s", ErrDuplicateSource, origin, existing.Name())
		}
	}

	src, err := source.Open(ctx, sc.Name, origin, source.Options{
		Settings: source.Settings{
			ComparisonHeaders: g.cfg.Global.ComparisonHeaders,
			TTL:               g.cfg.EffectiveFreshnessTTL(sc),
			RedirectLimit:     g.cfg.EffectiveRedirectLimit(sc),
		},
		Client: g.opts.Client,
		Store:  g.opts.Store,
		Logger: g.opts.Logger,
		Now:    g.opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", sc.Name, err)
	}
	g.sources[sc.Name] = src
	g.order = append(g.order, sc.Name)
	return src, nil
}

// Get 按名称查找源。
func (g *Group) Get(name string) (*source.Source, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	src, ok := g.sources[name]
	return src, ok
}

// Lookup is Get returning ErrUnknownSource for missing names.
func (g *Group) Lookup(name string) (*source.Source, error) {
	if src, ok := g.Get(name); ok {
		return src, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
}

// List 按登记顺序返回所有源。
func (g *Group) List() []*source.Source {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*source.Source, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.sources[name])
	}
	return out
}

// Remove 从分组移除源并删除其缓存文件。依赖该源的 gem 记录不在此处理。
func (g *Group) Remove(ctx context.Context, name string) error {
	g.mu.Lock()
	src, ok := g.sources[name]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	delete(g.sources, name)
	for i, n := range g.order {
		if n == name {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	g.mu.Unlock()

	return src.Destroy(ctx)
}

// Sync 并发刷新所有源，并发度由 SyncConcurrency 控制。单个源失败不影响其他源，
// 所有错误合并返回；仅缓存写回失败的源会记录日志但不计入错误。
func (g *Group) Sync(ctx context.Context) error {
	sources := g.List()
	errs := make([]error, len(sources))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for i, src := range sources {
		eg.Go(func() error {
			started := time.Now()
			err := src.EnsureFresh(egCtx)
			entry := g.opts.Logger.WithFields(logging.SourceFields("sync", src.Name(), src.Origin())).
				WithFields(logrus.Fields{
					"state":      src.State().String(),
					"specs":      src.Info().Specs,
					"elapsed_ms": time.Since(started).Milliseconds(),
				})
			switch {
			case err == nil:
				entry.Info("source_synced")
			case source.IsStorageError(err):
				entry.WithError(err).Warn("source_synced_without_cache")
			default:
				entry.WithError(err).Error("source_sync_failed")
				errs[i] = fmt.Errorf("source %s: %w", src.Name(), err)
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}
