package routes

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/gemhub/gemhub/internal/mirror"
	"github.com/gemhub/gemhub/internal/server"
	"github.com/gemhub/gemhub/internal/source"
	"github.com/gemhub/gemhub/internal/spec"
	"github.com/gemhub/gemhub/internal/transport"
)

// RegisterSourceRoutes 暴露 /-/sources 管理接口与 Bundler dependency API。
func RegisterSourceRoutes(app *fiber.App, group *mirror.Group, logger *logrus.Logger) {
	if app == nil || group == nil || logger == nil {
		return
	}
	h := &sourceHandlers{group: group, logger: logger}

	app.Get("/-/sources", h.list)
	app.Get("/-/sources/:name", h.info)
	app.Get("/-/sources/:name/latest", h.latest)
	app.Get("/-/sources/:name/search", h.search)
	app.Get("/-/sources/:name/specs/:gem/:version", h.gemspec)
	app.Post("/-/sources/:name/refresh", h.refresh)
	app.Delete("/-/sources/:name", h.remove)
	app.Get("/api/v1/dependencies", h.dependencies)
}

type sourceHandlers struct {
	group  *mirror.Group
	logger *logrus.Logger
}

type searchPayload struct {
	Source string       `json:"source"`
	Specs  []spec.Tuple `json:"specs"`
}

func (h *sourceHandlers) list(c fiber.Ctx) error {
	sources := h.group.List()
	infos := make([]source.Info, 0, len(sources))
	for _, src := range sources {
		infos = append(infos, src.Info())
	}
	return c.JSON(fiber.Map{"sources": infos})
}

func (h *sourceHandlers) info(c fiber.Ctx) error {
	src, err := h.group.Lookup(c.Params("name"))
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(src.Info())
}

func (h *sourceHandlers) latest(c fiber.Ctx) error {
	src, err := h.group.Lookup(c.Params("name"))
	if err != nil {
		return h.renderError(c, err)
	}
	tuples, err := src.LatestSpecs(requestContext(c))
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(searchPayload{Source: src.Name(), Specs: nonNil(tuples)})
}

func (h *sourceHandlers) search(c fiber.Ctx) error {
	src, err := h.group.Lookup(c.Params("name"))
	if err != nil {
		return h.renderError(c, err)
	}

	var preds []spec.Predicate
	if gem := strings.TrimSpace(c.Query("gem")); gem != "" {
		preds = append(preds, spec.ByName(gem))
	}
	if raw := c.Query("requirement"); raw != "" {
		req, err := spec.ParseRequirement(raw)
		if err != nil {
			return h.renderError(c, err)
		}
		preds = append(preds, spec.ByRequirement(req))
	}
	if platform := strings.TrimSpace(c.Query("platform")); platform != "" {
		preds = append(preds, spec.ByPlatform(platform))
	}

	matches, err := src.Search(requestContext(c), spec.Matching(preds...))
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(searchPayload{Source: src.Name(), Specs: nonNil(slices.Collect(matches))})
}

func (h *sourceHandlers) gemspec(c fiber.Ctx) error {
	src, err := h.group.Lookup(c.Params("name"))
	if err != nil {
		return h.renderError(c, err)
	}
	got, err := src.FetchOne(requestContext(c), c.Params("gem"), c.Params("version"), c.Query("platform"))
	if err != nil {
		if got == nil || !source.IsStorageError(err) {
			return h.renderError(c, err)
		}
		h.warnStorage(c, src, err)
	}
	return c.JSON(got)
}

func (h *sourceHandlers) refresh(c fiber.Ctx) error {
	src, err := h.group.Lookup(c.Params("name"))
	if err != nil {
		return h.renderError(c, err)
	}
	if err := src.EnsureFresh(requestContext(c)); err != nil {
		if !source.IsStorageError(err) {
			return h.renderError(c, err)
		}
		h.warnStorage(c, src, err)
	}
	return c.JSON(src.Info())
}

func (h *sourceHandlers) remove(c fiber.Ctx) error {
	if err := h.group.Remove(requestContext(c), c.Params("name")); err != nil {
		if !source.IsStorageError(err) {
			return h.renderError(c, err)
		}
		h.logger.WithFields(logrus.Fields{
			"action":     "source_remove",
			"source":     c.Params("name"),
			"request_id": server.RequestID(c),
		}).WithError(err).Warn("cache cleanup failed")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// dependencies 对应 Bundler 的 /api/v1/dependencies?gems=a,b。
func (h *sourceHandlers) dependencies(c fiber.Ctx) error {
	var gems []string
	for _, name := range strings.Split(c.Query("gems"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			gems = append(gems, name)
		}
	}
	if len(gems) == 0 {
		return c.JSON([]mirror.DependencyInfo{})
	}
	infos, err := h.group.Dependencies(requestContext(c), gems)
	if err != nil {
		return h.renderError(c, err)
	}
	if infos == nil {
		infos = []mirror.DependencyInfo{}
	}
	return c.JSON(infos)
}

func (h *sourceHandlers) warnStorage(c fiber.Ctx, src *source.Source, err error) {
	h.logger.WithFields(logrus.Fields{
		"action":     "cache_write",
		"source":     src.Name(),
		"request_id": server.RequestID(c),
	}).WithError(err).Warn("cache write failed, serving fresh data")
}

// renderError 将领域错误映射为状态码与稳定的错误标识。
func (h *sourceHandlers) renderError(c fiber.Ctx, err error) error {
	status, label := classify(err)
	entry := h.logger.WithFields(logrus.Fields{
		"action":     "source_request",
		"path":       c.Path(),
		"status":     status,
		"request_id": server.RequestID(c),
	}).WithError(err)
	if status >= fiber.StatusInternalServerError {
		entry.Error(label)
	} else {
		entry.Debug(label)
	}
	return c.Status(status).JSON(fiber.Map{"error": label, "message": err.Error()})
}

func classify(err error) (int, string) {
	var upstreamErr *transport.UpstreamError
	switch {
	case errors.Is(err, mirror.ErrUnknownSource):
		return fiber.StatusNotFound, "source_not_found"
	case errors.Is(err, source.ErrCorruptUpstreamData):
		return fiber.StatusBadGateway, "corrupt_upstream_data"
	case errors.Is(err, spec.ErrMalformed):
		return fiber.StatusBadRequest, "invalid_request"
	case transport.IsNotFound(err):
		return fiber.StatusNotFound, "gem_not_found"
	case errors.Is(err, transport.ErrTooManyRedirects):
		return fiber.StatusBadGateway, "too_many_redirects"
	case errors.As(err, &upstreamErr):
		return fiber.StatusBadGateway, "upstream_error"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "upstream_timeout"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func nonNil(tuples []spec.Tuple) []spec.Tuple {
	if tuples == nil {
		return []spec.Tuple{}
	}
	return tuples
}
