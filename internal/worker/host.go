package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
	"github.com/any-hub/shellcache/internal/syncer"
)

// ErrNoActiveGeneration 表示当前还没有完成激活的 generation。
var ErrNoActiveGeneration = errors.New("no active generation")

// Options 描述一个应用的宿主依赖，所有 generation 共享同一份存储与网络。
type Options struct {
	App                  string
	Storage              cache.Storage
	Fetcher              syncer.Fetcher
	Logger               *logrus.Logger
	Concurrency          int
	SkipWaitingOnInstall bool
}

// Host 串行推进同一应用的 generation，并决定每个请求由哪个 generation 控制。
type Host struct {
	opts Options

	// registerMu 保证同一时刻只有一个 install/activate 过渡在执行。
	registerMu sync.Mutex

	mu         sync.RWMutex
	pending    *Generation
	active     *Generation
	controller *Generation
}

// NewHost 校验依赖并创建宿主。
func NewHost(opts Options) (*Host, error) {
	if opts.App == "" {
		return nil, errors.New("app name is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Host{opts: opts}, nil
}

// App 返回宿主所属应用名。
func (h *Host) App() string {
	return h.opts.App
}

// Storage 返回宿主共享的分区存储。
func (h *Host) Storage() cache.Storage {
	return h.opts.Storage
}

// Register 为 build 创建新的 generation 并等待其完成 install 与 activate。
// install 失败时新 generation 作废，已有的 active generation 继续服务。
func (h *Host) Register(ctx context.Context, build *manifest.Build) (*Generation, error) {
	h.registerMu.Lock()
	defer h.registerMu.Unlock()

	gen := newGeneration(uuid.NewString(), h)
	logger := h.opts.Logger.WithFields(logging.GenerationFields(h.opts.App, gen.id))

	s, err := syncer.New(syncer.Options{
		Build:                build,
		Storage:              h.opts.Storage,
		Fetcher:              h.opts.Fetcher,
		Runtime:              runtime{gen: gen},
		Logger:               logger,
		Concurrency:          h.opts.Concurrency,
		SkipWaitingOnInstall: h.opts.SkipWaitingOnInstall,
	})
	if err != nil {
		return nil, err
	}
	gen.sync = s

	h.mu.Lock()
	previousPending := h.pending
	h.pending = gen
	h.mu.Unlock()
	if previousPending != nil {
		previousPending.setState(StateRedundant)
	}

	if err := s.Install(ctx); err != nil {
		h.discard(gen, err)
		return gen, err
	}
	gen.setState(StateInstalled)

	h.mu.RLock()
	current := h.controller
	if current == nil {
		current = h.active
	}
	h.mu.RUnlock()

	if err := h.waitForActivation(ctx, gen, current); err != nil {
		h.discard(gen, err)
		return gen, err
	}

	gen.setState(StateActivating)
	h.mu.Lock()
	h.pending = nil
	previous := h.active
	h.active = gen
	h.mu.Unlock()
	if previous != nil {
		previous.setState(StateRedundant)
	}

	report := s.Activate(ctx)
	gen.mu.Lock()
	gen.report = report
	gen.mu.Unlock()
	gen.setState(StateActivated)

	logger.WithFields(logrus.Fields{
		"action":  "generation_activated",
		"claimed": report.Claimed,
		"failed":  report.Err != nil,
	}).Info("generation 已激活")
	return gen, nil
}

// waitForActivation 阻塞到可以激活：没有旧 generation、收到 skipWaiting、
// 或者旧 generation 没有进行中的请求。请求计数记在控制者上，所以 current 优先取
// controller，没有控制者时才取 active。
func (h *Host) waitForActivation(ctx context.Context, gen, current *Generation) error {
	if current == nil {
		return nil
	}
	select {
	case <-gen.skipRequested():
		return nil
	default:
	}
	select {
	case <-gen.skipRequested():
		return nil
	case <-current.idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) discard(gen *Generation, err error) {
	gen.mu.Lock()
	gen.installErr = err
	gen.mu.Unlock()
	gen.setState(StateRedundant)

	h.mu.Lock()
	if h.pending == gen {
		h.pending = nil
	}
	h.mu.Unlock()

	if gen.sync != nil {
		if derr := gen.sync.DiscardStaging(context.Background()); derr != nil {
			h.opts.Logger.WithFields(logging.GenerationFields(h.opts.App, gen.id)).
				WithError(derr).
				WithField("action", "staging_discard").
				Warn("清理 staging 失败")
		}
	}

	h.opts.Logger.WithFields(logging.GenerationFields(h.opts.App, gen.id)).
		WithError(err).
		WithField("action", "generation_discarded").
		Warn("generation 安装失败，保留上一代缓存")
}

// claim 让已激活的 generation 立即成为控制者。
func (h *Host) claim(_ context.Context, gen *Generation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != gen {
		return fmt.Errorf("generation %s is not active", gen.id)
	}
	h.controller = gen
	return nil
}

// Acquire 返回负责本次请求的 generation（可能为 nil）以及释放函数。
// navigation 为 true 时，尚未被 claim 接管的 active generation 在此刻成为控制者。
func (h *Host) Acquire(navigation bool) (*Generation, func()) {
	h.mu.Lock()
	if navigation && h.active != nil && h.controller != h.active {
		h.controller = h.active
		h.opts.Logger.WithFields(logging.GenerationFields(h.opts.App, h.active.id)).
			WithField("action", "controller_change").
			Debug("navigation 切换控制者")
	}
	gen := h.controller
	if gen != nil {
		gen.acquire()
	}
	h.mu.Unlock()

	if gen == nil {
		return nil, func() {}
	}
	var once sync.Once
	return gen, func() { once.Do(gen.release) }
}

// Message 把控制通道指令投递给对应的 generation：skipWaiting 发给待激活的
// generation（没有时忽略），downloadOffline 发给 active generation。
func (h *Host) Message(ctx context.Context, data string) error {
	h.mu.RLock()
	pending, active := h.pending, h.active
	h.mu.RUnlock()

	switch data {
	case syncer.MessageSkipWaiting:
		if pending == nil {
			return nil
		}
		return pending.sync.HandleMessage(ctx, data)
	case syncer.MessageDownloadOffline:
		if active == nil {
			return ErrNoActiveGeneration
		}
		return active.sync.HandleMessage(ctx, data)
	default:
		return nil
	}
}

// Active 返回当前 active generation。
func (h *Host) Active() *Generation {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

// Controller 返回当前控制请求的 generation。
func (h *Host) Controller() *Generation {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.controller
}

// GenerationStatus 是 generation 的诊断快照。
type GenerationStatus struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	Resources   int       `json:"resources"`
	Core        int       `json:"core"`
	InFlight    int       `json:"in_flight"`
	CreatedAt   time.Time `json:"created_at"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	ColdStart   bool      `json:"cold_start"`
	Claimed     bool      `json:"claimed"`
	Error       string    `json:"error,omitempty"`
}

// Status 是宿主的诊断快照。
type Status struct {
	App        string            `json:"app"`
	Pending    *GenerationStatus `json:"pending,omitempty"`
	Active     *GenerationStatus `json:"active,omitempty"`
	Controller string            `json:"controller,omitempty"`
}

// Status 返回当前 pending/active generation 的快照。
func (h *Host) Status() Status {
	h.mu.RLock()
	pending, active, controller := h.pending, h.active, h.controller
	h.mu.RUnlock()

	status := Status{
		App:     h.opts.App,
		Pending: pending.status(),
		Active:  active.status(),
	}
	if controller != nil {
		status.Controller = controller.id
	}
	return status
}

func (g *Generation) status() *GenerationStatus {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	st := &GenerationStatus{
		ID:          g.id,
		State:       g.state,
		InFlight:    g.inflight,
		CreatedAt:   g.createdAt,
		ActivatedAt: g.activatedAt,
		ColdStart:   g.report.ColdStart,
		Claimed:     g.report.Claimed,
	}
	if g.sync != nil {
		st.Resources = g.sync.Manifest().Len()
		st.Core = len(g.sync.Core())
	}
	switch {
	case g.installErr != nil:
		st.Error = g.installErr.Error()
	case g.report.Err != nil:
		st.Error = g.report.Err.Error()
	}
	return st
}
