// Package syncer 实现 app shell 的缓存同步协议：install 阶段把核心资源拉进
// staging，activate 阶段按指纹把上一代 active 缓存与当前清单对账，运行期按资源
// 类别选择 online-first 或 cache-first，并响应 skipWaiting / downloadOffline 指令。
package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

// FetchRequest 描述一次网络请求。Path 相对站点根，可带查询串；Reload 要求绕过
// 中间缓存（对应 fetch 的 cache: 'reload'）。
type FetchRequest struct {
	Path   string
	Reload bool
}

// Fetcher 负责网络访问。任意 HTTP 状态都以 Entry 返回，只有传输层失败才返回 error。
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*cache.Entry, error)
}

// Runtime 是宿主对当前 generation 暴露的控制能力。
type Runtime interface {
	// SkipWaiting 让处于 waiting 的 generation 不再等待旧 generation 空闲。
	SkipWaiting()
	// Claim 让当前 generation 立即接管所有客户端。
	Claim(ctx context.Context) error
}

// Options 汇总 Synchronizer 的依赖。
type Options struct {
	Build   *manifest.Build
	Storage cache.Storage
	Fetcher Fetcher
	Runtime Runtime
	Logger  logrus.FieldLogger

	// Concurrency 限制批量拉取（install / prefetch）的并发数，<=0 时取 4。
	Concurrency int
	// SkipWaitingOnInstall 为 true 时 install 一开始即调用 Runtime.SkipWaiting。
	SkipWaitingOnInstall bool
}

// Synchronizer 持有一个 generation 的清单与存储句柄，所有方法可并发调用。
type Synchronizer struct {
	build       *manifest.Build
	storage     cache.Storage
	fetcher     Fetcher
	runtime     Runtime
	logger      logrus.FieldLogger
	concurrency int
	skipOnInst  bool
}

const defaultConcurrency = 4

// New 校验依赖并构造 Synchronizer。
func New(opts Options) (*Synchronizer, error) {
	if opts.Build == nil {
		return nil, errors.New("build is required")
	}
	if err := opts.Build.Validate(); err != nil {
		return nil, fmt.Errorf("invalid build: %w", err)
	}
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Synchronizer{
		build:       opts.Build,
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		runtime:     opts.Runtime,
		logger:      logger,
		concurrency: concurrency,
		skipOnInst:  opts.SkipWaitingOnInstall,
	}, nil
}

// Manifest 返回当前 generation 的清单。
func (s *Synchronizer) Manifest() manifest.Manifest {
	return s.build.Resources
}

// Core 返回核心资源集合的副本。
func (s *Synchronizer) Core() manifest.CoreSet {
	return append(manifest.CoreSet(nil), s.build.Core...)
}
