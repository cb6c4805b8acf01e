package server

import (
	"net/url"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/syncer"
	"github.com/any-hub/shellcache/internal/worker"
)

// FetcherFactory 为 App 的上游地址构造网络访问器。
type FetcherFactory func(upstream *url.URL) syncer.Fetcher

// StorageHostFactory 返回按 App 打开独立存储目录的 HostFactory：
// 每个 App 的分区位于 StoragePath/<App.Name> 下。
func StorageHostFactory(cfg *config.Config, logger *logrus.Logger, fetchers FetcherFactory) HostFactory {
	return func(app config.AppConfig, upstream *url.URL) (*worker.Host, error) {
		storage, err := cache.OpenStorage(cfg.Global.StorageBackend, filepath.Join(cfg.Global.StoragePath, app.Name))
		if err != nil {
			return nil, err
		}
		host, err := worker.NewHost(worker.Options{
			App:                  app.Name,
			Storage:              storage,
			Fetcher:              fetchers(upstream),
			Logger:               logger,
			Concurrency:          cfg.Global.InstallConcurrency,
			SkipWaitingOnInstall: cfg.Global.SkipWaitingOnInstall,
		})
		if err != nil {
			_ = storage.Close()
			return nil, err
		}
		return host, nil
	}
}
