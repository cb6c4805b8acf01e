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

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/syncer"
	"github.com/any-hub/shellcache/internal/worker"
)

type noopFetcher struct{}

func (noopFetcher) Fetch(context.Context, syncer.FetchRequest) (*cache.Entry, error) {
	return cache.NewEntry("", http.StatusOK, nil, nil), nil
}

func newControlApp(t *testing.T) *fiber.App {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, StorageBackend: cache.BackendMemory},
		Apps: []config.AppConfig{{
			Name:     "watches",
			Domain:   "watches.local",
			Upstream: "https://watches.example.com",
			Manifest: "watches.json",
		}},
	}
	registry, err := server.NewAppRegistry(cfg, func(app config.AppConfig, _ *url.URL) (*worker.Host, error) {
		return worker.NewHost(worker.Options{
			App:     app.Name,
			Storage: cache.NewMemoryStorage(),
			Fetcher: noopFetcher{},
			Logger:  logger,
		})
	})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Registry: registry,
		Proxy: server.ProxyHandlerFunc(func(c fiber.Ctx, _ *server.AppRoute) error {
			return c.SendStatus(fiber.StatusTeapot)
		}),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	RegisterControlRoutes(app, registry, logger)
	return app
}

func TestMessageRouteStatusCodes(t *testing.T) {
	app := newControlApp(t)

	cases := []struct {
		body string
		want int
	}{
		{body: "clearEverything", want: fiber.StatusNoContent},
		{body: "skipWaiting", want: fiber.StatusAccepted},
		{body: "downloadOffline", want: fiber.StatusBadGateway},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "http://watches.local/-/sw/message", strings.NewReader(tc.body))
		req.Host = "watches.local"
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("%s: app.Test error: %v", tc.body, err)
		}
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.body, tc.want, resp.StatusCode)
		}
		if tc.want == fiber.StatusBadGateway {
			payload, _ := io.ReadAll(resp.Body)
			if !strings.Contains(string(payload), "no_active_generation") {
				t.Fatalf("expected no_active_generation, got %s", payload)
			}
		}
		resp.Body.Close()
	}
}

func TestStatusRouteRejectsUnknownHost(t *testing.T) {
	app := newControlApp(t)

	req := httptest.NewRequest(http.MethodGet, "http://other.local/-/sw/status", nil)
	req.Host = "other.local"
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStatusRouteSkipsMissingPartitions(t *testing.T) {
	app := newControlApp(t)

	req := httptest.NewRequest(http.MethodGet, "http://watches.local/-/sw/status", nil)
	req.Host = "watches.local"
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload struct {
		App        string         `json:"app"`
		Partitions map[string]int `json:"partitions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload.App != "watches" {
		t.Fatalf("expected app watches, got %s", payload.App)
	}
	if len(payload.Partitions) != 0 {
		t.Fatalf("expected no partitions before activation, got %v", payload.Partitions)
	}
}

func TestAppsRouteListsRegistry(t *testing.T) {
	app := newControlApp(t)

	req := httptest.NewRequest(http.MethodGet, "http://watches.local/-/apps", nil)
	req.Host = "watches.local"
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Apps []appPayload `json:"apps"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode apps: %v", err)
	}
	if len(payload.Apps) != 1 {
		t.Fatalf("expected 1 app, got %d", len(payload.Apps))
	}
	got := payload.Apps[0]
	if got.Name != "watches" || got.Domain != "watches.local" || got.Port != 5000 {
		t.Fatalf("unexpected app payload: %+v", got)
	}
	if got.Upstream != "https://watches.example.com" {
		t.Fatalf("unexpected upstream: %s", got.Upstream)
	}
	if got.Active != "" {
		t.Fatalf("expected no active generation, got %s", got.Active)
	}
}
