package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/gemhub/gemhub/internal/cache"
	"github.com/gemhub/gemhub/internal/config"
	"github.com/gemhub/gemhub/internal/gemtest"
	"github.com/gemhub/gemhub/internal/mirror"
	"github.com/gemhub/gemhub/internal/server"
	"github.com/gemhub/gemhub/internal/source"
	"github.com/gemhub/gemhub/internal/spec"
	"github.com/gemhub/gemhub/internal/transport"
)

func TestListSourcesReportsState(t *testing.T) {
	origin := gemtest.NewOrigin(t, mustTuple(t, "rake", "13.0.6"))
	app, _ := newRoutesApp(t, origin)

	var payload struct {
		Sources []source.Info `json:"sources"`
	}
	status := doJSON(t, app, "GET", "/-/sources", &payload)
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(payload.Sources) != 1 || payload.Sources[0].Name != "rubygems" {
		t.Fatalf("unexpected sources payload: %+v", payload.Sources)
	}
	if payload.Sources[0].State != source.Unloaded {
		t.Fatalf("listing must not trigger a refresh, got state %s", payload.Sources[0].State)
	}
	if origin.Total() != 0 {
		t.Fatalf("listing should not hit the origin, got %d requests", origin.Total())
	}
}

func TestUnknownSourceReturns404(t *testing.T) {
	origin := gemtest.NewOrigin(t)
	app, _ := newRoutesApp(t, origin)

	for _, path := range []string{"/-/sources/nope", "/-/sources/nope/latest", "/-/sources/nope/search?gem=x"} {
		var payload map[string]string
		status := doJSON(t, app, "GET", path, &payload)
		if status != fiber.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, status)
		}
		if payload["error"] != "source_not_found" {
			t.Fatalf("%s: expected source_not_found, got %v", path, payload)
		}
	}
}

func TestLatestAndSearch(t *testing.T) {
	origin := gemtest.NewOrigin(t,
		mustTuple(t, "foo", "1.0"),
		mustTuple(t, "foo", "1.2.0.pre"),
		mustTuple(t, "foo", "1.1"),
		mustTuple(t, "bar", "0.1"),
	)
	app, _ := newRoutesApp(t, origin)

	var latest searchPayload
	if status := doJSON(t, app, "GET", "/-/sources/rubygems/latest", &latest); status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if got := fullNames(latest.Specs); strings.Join(got, ",") != "foo-1.2.0.pre,bar-0.1" {
		t.Fatalf("unexpected latest specs: %v", got)
	}

	var found searchPayload
	status := doJSON(t, app, "GET", "/-/sources/rubygems/search?gem=foo&requirement="+url.QueryEscape("~> 1.0"), &found)
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if got := fullNames(found.Specs); strings.Join(got, ",") != "foo-1.0,foo-1.2.0.pre,foo-1.1" {
		t.Fatalf("unexpected search result: %v", got)
	}
	if origin.Hits("GET", gemtest.IndexPath) != 1 {
		t.Fatalf("index should be fetched once, got %d", origin.Hits("GET", gemtest.IndexPath))
	}
}

func TestSearchRejectsBadRequirement(t *testing.T) {
	origin := gemtest.NewOrigin(t, mustTuple(t, "foo", "1.0"))
	app, _ := newRoutesApp(t, origin)

	var payload map[string]string
	status := doJSON(t, app, "GET", "/-/sources/rubygems/search?requirement="+url.QueryEscape("~> banana"), &payload)
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if payload["error"] != "invalid_request" {
		t.Fatalf("expected invalid_request, got %v", payload)
	}
}

func TestGemspecRoute(t *testing.T) {
	origin := gemtest.NewOrigin(t, mustTuple(t, "rack", "2.2.8"))
	origin.AddSpec(t, &spec.Specification{
		Name:     "rack",
		Version:  spec.MustParseVersion("2.2.8"),
		Platform: "ruby",
		Summary:  "a modular Ruby webserver interface",
	})
	app, _ := newRoutesApp(t, origin)

	var got spec.Specification
	if status := doJSON(t, app, "GET", "/-/sources/rubygems/specs/rack/2.2.8", &got); status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if got.Name != "rack" || got.Summary != "a modular Ruby webserver interface" {
		t.Fatalf("unexpected gemspec: %+v", got)
	}

	var missing map[string]string
	if status := doJSON(t, app, "GET", "/-/sources/rubygems/specs/rack/9.9.9", &missing); status != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown gemspec, got %d", status)
	}
	if missing["error"] != "gem_not_found" {
		t.Fatalf("expected gem_not_found, got %v", missing)
	}
}

func TestRefreshMapsUpstreamFailure(t *testing.T) {
	origin := gemtest.NewOrigin(t, mustTuple(t, "rake", "13.0.6"))
	origin.FailWith(http.StatusServiceUnavailable)
	app, _ := newRoutesApp(t, origin)

	var payload map[string]string
	status := doJSON(t, app, "POST", "/-/sources/rubygems/refresh", &payload)
	if status != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", status)
	}
	if payload["error"] != "upstream_error" {
		t.Fatalf("expected upstream_error, got %v", payload)
	}

	origin.FailWith(0)
	var info source.Info
	if status := doJSON(t, app, "POST", "/-/sources/rubygems/refresh", &info); status != fiber.StatusOK {
		t.Fatalf("expected 200 after recovery, got %d", status)
	}
	if info.State != source.Fresh || info.Specs != 1 {
		t.Fatalf("unexpected info after refresh: %+v", info)
	}
}

func TestCorruptIndexReturns502(t *testing.T) {
	origin := gemtest.NewOrigin(t, mustTuple(t, "rake", "13.0.6"))
	origin.Corrupt(true)
	app, _ := newRoutesApp(t, origin)

	var payload map[string]string
	if status := doJSON(t, app, "GET", "/-/sources/rubygems/latest", &payload); status != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", status)
	}
	if payload["error"] != "corrupt_upstream_data" {
		t.Fatalf("expected corrupt_upstream_data, got %v", payload)
	}
}

func TestDeleteSource(t *testing.T) {
	origin := gemtest.NewOrigin(t, mustTuple(t, "rake", "13.0.6"))
	app, group := newRoutesApp(t, origin)

	if status := doJSON(t, app, "DELETE", "/-/sources/rubygems", nil); status != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
	if _, ok := group.Get("rubygems"); ok {
		t.Fatalf("source should be removed from the group")
	}
	if status := doJSON(t, app, "DELETE", "/-/sources/rubygems", nil); status != fiber.StatusNotFound {
		t.Fatalf("second delete should return 404, got %d", status)
	}
}

func TestDependenciesEndpoint(t *testing.T) {
	origin := gemtest.NewOrigin(t, mustTuple(t, "bar", "1.0"), mustTuple(t, "rack", "2.2.8"))
	rackReq, err := spec.ParseRequirement(">= 2.0")
	if err != nil {
		t.Fatalf("parse requirement: %v", err)
	}
	origin.AddSpec(t, &spec.Specification{
		Name:         "bar",
		Version:      spec.MustParseVersion("1.0"),
		Platform:     "ruby",
		Dependencies: []spec.Dependency{{Name: "rack", Requirement: rackReq, Type: "runtime"}},
	})
	app, _ := newRoutesApp(t, origin)

	var infos []mirror.DependencyInfo
	if status := doJSON(t, app, "GET", "/api/v1/dependencies?gems=bar", &infos); status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(infos) != 1 || infos[0].Name != "bar" || infos[0].Number != "1.0" {
		t.Fatalf("unexpected dependency payload: %+v", infos)
	}
	if len(infos[0].Dependencies) != 1 || infos[0].Dependencies[0] != [2]string{"rack", ">= 2.0"} {
		t.Fatalf("unexpected dependencies: %+v", infos[0].Dependencies)
	}

	var empty []mirror.DependencyInfo
	if status := doJSON(t, app, "GET", "/api/v1/dependencies", &empty); status != fiber.StatusOK {
		t.Fatalf("expected 200 for empty query, got %d", status)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty list, got %+v", empty)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{mirror.ErrUnknownSource, fiber.StatusNotFound},
		{&transport.UpstreamError{StatusCode: http.StatusNotFound}, fiber.StatusNotFound},
		{&transport.UpstreamError{StatusCode: http.StatusInternalServerError}, fiber.StatusBadGateway},
		{transport.ErrTooManyRedirects, fiber.StatusBadGateway},
		{spec.ErrMalformed, fiber.StatusBadRequest},
		{context.DeadlineExceeded, fiber.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, fiber.StatusInternalServerError},
	}
	for _, tc := range cases {
		if status, _ := classify(tc.err); status != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, status)
		}
	}
}

func newRoutesApp(t *testing.T, origin *gemtest.Origin) (*fiber.App, *mirror.Group) {
	t.Helper()
	return newRoutesAppAt(t, origin, t.TempDir())
}

func newRoutesAppAt(t *testing.T, origin *gemtest.Origin, storageDir string) (*fiber.App, *mirror.Group) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := cache.NewStore(storageDir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:        5000,
			FreshnessTTL:      config.Duration(5 * time.Minute),
			RedirectLimit:     10,
			SyncConcurrency:   2,
			ComparisonHeaders: config.DefaultComparisonHeaders,
		},
		Sources: []config.SourceConfig{{Name: "rubygems", Origin: origin.URL}},
	}
	group, err := mirror.New(context.Background(), cfg, mirror.Options{
		Client: transport.NewClient(5 * time.Second),
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("failed to build group: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{Logger: logger, ListenPort: 5000})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	RegisterSourceRoutes(app, group, logger)
	return app, group
}

func doJSON(t *testing.T, app *fiber.App, method, target string, out any) int {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(method, target, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("%s %s: missing X-Request-ID", method, target)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("%s %s: decode %s: %v", method, target, string(body), err)
		}
	}
	return resp.StatusCode
}

func mustTuple(t *testing.T, name, version string) spec.Tuple {
	t.Helper()
	tup, err := spec.NewTuple(name, version, "")
	if err != nil {
		t.Fatalf("tuple %s-%s: %v", name, version, err)
	}
	return tup
}

func fullNames(tuples []spec.Tuple) []string {
	out := make([]string, len(tuples))
	for i, tup := range tuples {
		out[i] = tup.FullName()
	}
	return out
}
