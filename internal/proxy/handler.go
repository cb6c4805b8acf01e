package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/syncer"
	"github.com/any-hub/shellcache/internal/worker"
)

// sourcePassthrough 表示请求未被任何 generation 接管，直接转发上游。
const sourcePassthrough = "passthrough"

// Handler 把 App 请求交给控制者 generation 拦截；未接管的请求原样转发上游。
type Handler struct {
	client *http.Client
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler with the shared HTTP client and logger.
func NewHandler(client *http.Client, logger *logrus.Logger) *Handler {
	return &Handler{
		client: client,
		logger: logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.AppRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	origin := c.BaseURL()
	rawURL := origin + string(c.Request().URI().RequestURI())

	gen, release := route.Host.Acquire(isNavigation(c, origin, rawURL))
	defer release()
	if gen == nil {
		return h.passthrough(c, route, requestID, "", started)
	}

	resp, err := gen.Intercept(ctx, syncer.Request{
		Method: c.Method(),
		URL:    rawURL,
		Origin: origin,
	})
	if err != nil {
		h.logResult(route, gen, resp.Key, "", requestID, 0, started, err)
		setRequestIDHeader(c, requestID)
		c.Set(server.HeaderGeneration, gen.ID())
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}
	if !resp.Handled {
		return h.passthrough(c, route, requestID, gen.ID(), started)
	}

	h.writeEntry(c, resp.Entry)
	c.Set(server.HeaderCacheSource, string(resp.Source))
	c.Set(server.HeaderGeneration, gen.ID())
	setRequestIDHeader(c, requestID)
	h.logResult(route, gen, resp.Key, string(resp.Source), requestID, resp.Entry.Status, started, nil)
	return nil
}

// isNavigation 判断请求是否为文档导航：浏览器标注 navigate，或请求的是入口文档。
func isNavigation(c fiber.Ctx, origin, rawURL string) bool {
	if c.Method() != http.MethodGet {
		return false
	}
	if strings.EqualFold(c.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return manifest.KeyFromURL(origin, rawURL) == manifest.RootKey
}

func (h *Handler) writeEntry(c fiber.Ctx, entry *cache.Entry) {
	for key, values := range entry.Header {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
	if entry.Header.Get(fiber.HeaderContentType) == "" {
		c.Response().Header.Del(fiber.HeaderContentType)
	}
	c.Status(entry.Status)
	c.Response().SetBodyRaw(entry.Body)
}

// passthrough 按默认网络行为转发请求，不读写任何缓存分区。
func (h *Handler) passthrough(c fiber.Ctx, route *server.AppRoute, requestID, generation string, started time.Time) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	target, err := resolveUpstream(route.UpstreamURL, string(c.Request().URI().RequestURI()))
	if err != nil {
		h.logPassthrough(route, generation, requestID, 0, started, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bodyReader(c.Body()))
	if err != nil {
		h.logPassthrough(route, generation, requestID, 0, started, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}
	server.CopyHeaders(req.Header, requestHeaders(c))
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logPassthrough(route, generation, requestID, 0, started, err)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(server.HeaderCacheSource, sourcePassthrough)
	if generation != "" {
		c.Set(server.HeaderGeneration, generation)
	}
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logPassthrough(route, generation, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logPassthrough(route, generation, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func bodyReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func requestHeaders(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	header.Del("Host")
	return header
}

func (h *Handler) logResult(
	route *server.AppRoute,
	gen *worker.Generation,
	key manifest.Key,
	source string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, string(key), source, gen.ID())
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func (h *Handler) logPassthrough(route *server.AppRoute, generation, requestID string, status int, started time.Time, err error) {
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, "", sourcePassthrough, generation)
	fields["action"] = "proxy"
	fields["upstream"] = route.UpstreamURL.String()
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Debug("proxy_passthrough")
}
