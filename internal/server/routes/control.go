package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/syncer"
	"github.com/any-hub/shellcache/internal/worker"
)

// RegisterControlRoutes 暴露 /-/sw/* 控制通道与 /-/apps 诊断接口。
// /-/sw/* 按 Host 解析所属 App，/-/apps 不依赖 Host。
func RegisterControlRoutes(app *fiber.App, registry *server.AppRegistry, logger *logrus.Logger) {
	if app == nil || registry == nil || logger == nil {
		return
	}

	app.Post("/-/sw/message", func(c fiber.Ctx) error {
		route, ok := server.RouteFromContext(c)
		if !ok {
			return hostUnmapped(c)
		}
		data := strings.TrimSpace(string(c.Body()))
		fields := logrus.Fields{
			"action":     "sw_message",
			"app":        route.Config.Name,
			"message":    data,
			"request_id": server.RequestID(c),
		}
		if !syncer.IsKnownMessage(data) {
			logger.WithFields(fields).Debug("忽略未知控制消息")
			return c.SendStatus(fiber.StatusNoContent)
		}

		if err := route.Host.Message(c.Context(), data); err != nil {
			logger.WithFields(fields).WithError(err).Warn("控制消息处理失败")
			code := "message_failed"
			if errors.Is(err, worker.ErrNoActiveGeneration) {
				code = "no_active_generation"
			}
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": code})
		}
		logger.WithFields(fields).Info("控制消息已处理")
		return c.SendStatus(fiber.StatusAccepted)
	})

	app.Get("/-/sw/status", func(c fiber.Ctx) error {
		route, ok := server.RouteFromContext(c)
		if !ok {
			return hostUnmapped(c)
		}
		partitions, err := partitionSizes(c, route.Host.Storage())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(statusPayload{
			Status:     route.Host.Status(),
			Partitions: partitions,
		})
	})

	app.Get("/-/apps", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"apps": encodeApps(registry.List())})
	})
}

type statusPayload struct {
	worker.Status
	Partitions map[string]int `json:"partitions"`
}

type appPayload struct {
	Name       string `json:"name"`
	Domain     string `json:"domain"`
	Upstream   string `json:"upstream"`
	Port       int    `json:"port"`
	Active     string `json:"active,omitempty"`
	Controller string `json:"controller,omitempty"`
}

func encodeApps(routes []*server.AppRoute) []appPayload {
	result := make([]appPayload, 0, len(routes))
	for _, route := range routes {
		item := appPayload{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Upstream: route.UpstreamURL.String(),
			Port:     route.ListenPort,
		}
		st := route.Host.Status()
		if st.Active != nil {
			item.Active = st.Active.ID
		}
		item.Controller = st.Controller
		result = append(result, item)
	}
	return result
}

// partitionSizes 只统计已存在的分区，避免诊断请求创建空分区。
func partitionSizes(c fiber.Ctx, storage cache.Storage) (map[string]int, error) {
	ctx := c.Context()
	sizes := make(map[string]int, 3)
	for _, name := range []string{cache.PartitionStaging, cache.PartitionActive, cache.PartitionManifest} {
		exists, err := storage.Has(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		partition, err := storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := partition.Keys(ctx)
		if err != nil {
			return nil, err
		}
		sizes[name] = len(keys)
	}
	return sizes, nil
}

func hostUnmapped(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "host_unmapped"})
}
