package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/server"
)

// Forwarder 包裹实际的 ProxyHandler：拒绝尚未绑定宿主的 AppRoute，并把
// handler panic 转换为结构化的 500 响应。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.AppRoute) error {
	requestID := server.RequestID(c)
	if f.handler == nil || route == nil || route.Host == nil {
		f.logError(route, "app_unavailable", nil, requestID)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusServiceUnavailable).
			JSON(fiber.Map{"error": "app_unavailable"})
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.AppRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logError(route, "handler_panic", fmt.Errorf("panic: %v", r), requestID)
			setRequestIDHeader(c, requestID)
			err = c.Status(fiber.StatusInternalServerError).
				JSON(fiber.Map{"error": "handler_panic"})
		}
	}()
	return f.handler.Handle(c, route)
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set(server.HeaderRequestID, requestID)
	}
}

func (f *Forwarder) logError(route *server.AppRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{}
	if route != nil {
		fields = logging.RequestFields(route.Config.Name, route.Config.Domain, "", "", "")
	}
	fields["action"] = "proxy"
	fields["error"] = code
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["panic"] = err.Error()
	}
	f.logger.WithFields(fields).Error(code)
}
