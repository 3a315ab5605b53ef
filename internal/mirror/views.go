package mirror

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/gemhub/gemhub/internal/source"
	"github.com/gemhub/gemhub/internal/spec"
)

// SourcedTuple 记录 tuple 来自哪个源。
type SourcedTuple struct {
	Source string `json:"source"`
	spec.Tuple
}

// LatestSpecs 合并所有源的最新版本：同一 (name, platform) 取最高版本，
// 版本相同时以配置顺序靠前的源为准。
func (g *Group) LatestSpecs(ctx context.Context) ([]SourcedTuple, error) {
	type key struct{ name, platform string }
	positions := make(map[key]int)
	var out []SourcedTuple

	for _, src := range g.List() {
		tuples, err := src.LatestSpecs(ctx)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name(), err)
		}
		for _, t := range tuples {
			k := key{name: t.Name, platform: t.Platform}
			if i, ok := positions[k]; ok {
				if t.Version.Compare(out[i].Version) > 0 {
					out[i] = SourcedTuple{Source: src.Name(), Tuple: t}
				}
				continue
			}
			positions[k] = len(out)
			out = append(out, SourcedTuple{Source: src.Name(), Tuple: t})
		}
	}
	return out, nil
}

// DependencyInfo 对应 Bundler dependency API 的单条记录。
type DependencyInfo struct {
	Name         string      `json:"name"`
	Number       string      `json:"number"`
	Platform     string      `json:"platform"`
	Source       string      `json:"source"`
	Dependencies [][2]string `json:"dependencies"`
}

// Dependencies 列出 gems 中每个 gem 在所有源中的全部版本及其运行时依赖。
// 同一 full name 出现在多个源时取配置顺序靠前者。gemspec 通过 FetchOne 获取，
// 已缓存的条目不会访问网络。
func (g *Group) Dependencies(ctx context.Context, gems []string) ([]DependencyInfo, error) {
	type candidate struct {
		src   *source.Source
		tuple spec.Tuple
	}
	var candidates []candidate
	seen := make(map[string]struct{})
	names := slices.Compact(slices.Sorted(slices.Values(gems)))

	for _, name := range names {
		if name == "" {
			continue
		}
		for _, src := range g.List() {
			matches, err := src.Search(ctx, spec.ByName(name))
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", src.Name(), err)
			}
			for t := range matches {
				if _, dup := seen[t.FullName()]; dup {
					continue
				}
				seen[t.FullName()] = struct{}{}
				candidates = append(candidates, candidate{src: src, tuple: t})
			}
		}
	}

	out := make([]DependencyInfo, len(candidates))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for i, c := range candidates {
		eg.Go(func() error {
			gemspec, err := c.src.FetchOne(egCtx, c.tuple.Name, c.tuple.Version.String(), c.tuple.Platform)
			if err != nil && !source.IsStorageError(err) {
				return fmt.Errorf("%s from %s: %w", c.tuple.FullName(), c.src.Name(), err)
			}
			deps := make([][2]string, 0, len(gemspec.Dependencies))
			for _, d := range gemspec.RuntimeDependencies() {
				deps = append(deps, [2]string{d.Name, d.Requirement.String()})
			}
			out[i] = DependencyInfo{
				Name:         c.tuple.Name,
				Number:       c.tuple.Version.String(),
				Platform:     c.tuple.Platform,
				Source:       c.src.Name(),
				Dependencies: deps,
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
