package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/sirupsen/logrus"

	"github.com/gemhub/gemhub/internal/cache"
	"github.com/gemhub/gemhub/internal/freshness"
	"github.com/gemhub/gemhub/internal/logging"
	"github.com/gemhub/gemhub/internal/spec"
	"github.com/gemhub/gemhub/internal/transport"
)

// 解压后大小上限，防止异常上游耗尽内存。
const (
	maxIndexSize = 512 << 20
	maxSpecSize  = 16 << 20
)

// fetchIndex 拉取并解码索引。解码完整成功后才替换内存中的 specs；
// 条件请求命中 304 时保留现有 specs 且不重写缓存文件。observed 是本轮
// HEAD 探测后的比较头，304 确认实体未变时与 304 自带的头一起记录。
func (s *Source) fetchIndex(ctx context.Context, priorState State, observed *freshness.Metadata, conditional http.Header) error {
	fields := logging.SourceFields("source_refresh", s.name, s.origin)
	started := time.Now()

	resp, err := s.fetcher.Fetch(ctx, transport.Request{
		Method: http.MethodGet,
		URL:    s.origin + indexPath,
		Header: conditional,
	}, s.settings.RedirectLimit)
	if err != nil {
		return s.fail(priorState, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		confirmed := observed.Clone()
		confirmed.Record(resp.Header, s.settings.ComparisonHeaders)
		confirmed.CheckedAt = s.now()
		s.mu.Lock()
		s.meta = confirmed
		s.state = Fresh
		s.lastErr = nil
		s.mu.Unlock()
		s.logger.WithFields(fields).WithField("status", resp.StatusCode).Info("source_not_modified")
		return nil
	}

	tuples, err := decodeIndex(resp.Body)
	if err != nil {
		return s.fail(priorState, err)
	}

	meta := &freshness.Metadata{Headers: map[string]string{}}
	meta.Record(resp.Header, s.settings.ComparisonHeaders)
	meta.CheckedAt = s.now()
	idx := spec.NewIndex(tuples)

	s.mu.Lock()
	s.index = idx
	s.meta = meta
	s.state = Fresh
	s.lastErr = nil
	s.mu.Unlock()

	s.logger.WithFields(fields).WithFields(logrus.Fields{
		"specs":      idx.Len(),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("source_refreshed")

	return s.persist(ctx, meta, tuples)
}

func decodeIndex(body io.Reader) ([]spec.Tuple, error) {
	zr, err := gzip.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("%w: gunzip index: %w", ErrCorruptUpstreamData, err)
	}
	defer zr.Close()
	raw, err := readLimited(zr, maxIndexSize)
	if err != nil {
		return nil, fmt.Errorf("%w: gunzip index: %w", ErrCorruptUpstreamData, err)
	}
	tuples, err := spec.DecodeIndex(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptUpstreamData, err)
	}
	return tuples, nil
}

func (s *Source) persist(ctx context.Context, meta *freshness.Metadata, tuples []spec.Tuple) error {
	if s.snapshots == nil {
		return nil
	}
	records := make([]cache.SpecRecord, len(tuples))
	for i, t := range tuples {
		records[i] = cache.SpecRecord{Name: t.Name, Version: t.Version.String(), Platform: t.Platform}
	}
	entry, err := s.snapshots.Save(ctx, &cache.Snapshot{
		Origin:     s.origin,
		Validation: meta.Headers,
		Specs:      records,
	})
	fields := logging.SourceFields("cache_save", s.name, s.origin)
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Error("cache_save_failed")
		return &StorageError{Op: "save", Err: err}
	}
	s.logger.WithFields(fields).WithField("size_bytes", entry.SizeBytes).Debug("cache_saved")
	return nil
}

// FetchOne 返回单个 gemspec。先读本地 per-spec 缓存（不做新鲜度检查，已发布的 gemspec
// 视为不可变）；未命中时从 quick/Marshal.4.8 下载、解压、解码并落盘后返回。
// 仅落盘失败时同时返回结果与 *StorageError。
func (s *Source) FetchOne(ctx context.Context, name, version, platform string) (*spec.Specification, error) {
	tuple, err := spec.NewTuple(name, version, platform)
	if err != nil {
		return nil, err
	}
	fullName := tuple.FullName()

	type result struct {
		spec *spec.Specification
		err  error
	}
	v, _, _ := s.downloads.Do(fullName, func() (any, error) {
		got, err := s.fetchOne(ctx, fullName)
		return result{spec: got, err: err}, nil
	})
	r := v.(result)
	return r.spec, r.err
}

func (s *Source) fetchOne(ctx context.Context, fullName string) (*spec.Specification, error) {
	fields := logging.SourceFields("spec_fetch", s.name, s.origin)
	fields["gem"] = fullName
	locator, err := cache.SpecLocator(s.origin, fullName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", spec.ErrMalformed, err)
	}

	if s.store != nil {
		data, _, err := cache.ReadAll(ctx, s.store, locator)
		switch {
		case err == nil:
			decoded, decodeErr := spec.DecodeSpecification(data)
			if decodeErr == nil {
				return decoded, nil
			}
			s.logger.WithFields(fields).WithError(decodeErr).Warn("spec_cache_corrupt")
			_ = s.store.Remove(ctx, locator)
		case errors.Is(err, cache.ErrNotFound):
		default:
			s.logger.WithFields(fields).WithError(err).Warn("spec_cache_read_failed")
		}
	}

	resp, err := s.fetcher.Fetch(ctx, transport.Request{
		Method: http.MethodGet,
		URL:    s.origin + quickPath + url.PathEscape(fullName) + ".gemspec.rz",
	}, s.settings.RedirectLimit)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	zr, err := zlib.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: inflate %s: %w", ErrCorruptUpstreamData, fullName, err)
	}
	defer zr.Close()
	raw, err := readLimited(zr, maxSpecSize)
	if err != nil {
		return nil, fmt.Errorf("%w: inflate %s: %w", ErrCorruptUpstreamData, fullName, err)
	}
	decoded, err := spec.DecodeSpecification(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptUpstreamData, fullName, err)
	}
	s.logger.WithFields(fields).Info("spec_fetched")

	if s.store == nil {
		return decoded, nil
	}
	if _, err := s.store.Put(ctx, locator, bytes.NewReader(raw), cache.PutOptions{ModTime: modTime(resp.Header)}); err != nil {
		s.logger.WithFields(fields).WithError(err).Error("spec_cache_write_failed")
		return decoded, &StorageError{Op: "write spec", Err: err}
	}
	return decoded, nil
}

func modTime(header http.Header) time.Time {
	if last := header.Get("Last-Modified"); last != "" {
		if parsed, err := http.ParseTime(last); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("payload exceeds %d bytes", limit)
	}
	return data, nil
}
