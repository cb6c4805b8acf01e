package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/syncer"
)

func upstreamFetchers(client *http.Client) server.FetcherFactory {
	return func(upstream *url.URL) syncer.Fetcher {
		return proxy.NewFetcher(client, upstream)
	}
}

// registerGenerations 读取每个 App 的清单并注册新 generation，等待全部完成。
// 各 App 并行推进，单个 App 失败只记录日志。
func registerGenerations(ctx context.Context, registry *server.AppRegistry, logger *logrus.Logger) {
	var wg sync.WaitGroup
	for _, route := range registry.List() {
		wg.Add(1)
		go func(route *server.AppRoute) {
			defer wg.Done()
			registerGeneration(ctx, route, logger)
		}(route)
	}
	wg.Wait()
}

func registerGeneration(ctx context.Context, route *server.AppRoute, logger *logrus.Logger) {
	entry := logger.WithFields(logrus.Fields{
		"action":   "register_generation",
		"app":      route.Config.Name,
		"manifest": route.Config.Manifest,
	})

	build, err := manifest.Load(route.Config.Manifest)
	if err != nil {
		entry.WithError(err).Error("清单加载失败")
		return
	}

	gen, err := route.Host.Register(ctx, build)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			entry.Info("服务退出，放弃等待中的 generation")
			return
		}
		entry.WithError(err).Error("generation 注册失败")
		return
	}

	report := gen.Report()
	fields := logging.GenerationFields(route.Config.Name, gen.ID())
	fields["action"] = "register_generation"
	fields["cold_start"] = report.ColdStart
	fields["retained"] = len(report.Retained)
	fields["removed"] = len(report.Removed)
	fields["copied"] = len(report.Copied)
	if report.Err != nil {
		logger.WithFields(fields).WithError(report.Err).Warn("generation 激活未完成，缓存已重置")
		return
	}
	logger.WithFields(fields).Info("generation 注册完成")
}

// watchReload 在收到 SIGHUP 时重新读取清单并注册新 generation。
func watchReload(ctx context.Context, registry *server.AppRegistry, logger *logrus.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.WithField("action", "reload").Info("收到 SIGHUP，重新加载清单")
			go registerGenerations(ctx, registry, logger)
		}
	}
}
