// Package worker 模拟宿主的 generation 生命周期：每次部署的清单成为一个
// Generation，按 install → waiting → activate 的顺序推进，事件处理全部以
// 可等待的方式执行（调用方阻塞直到任务结束），不做 fire-and-forget。
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/any-hub/shellcache/internal/syncer"
)

// State 是 generation 的生命周期状态。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Generation 对应一次部署的缓存同步器及其运行时状态。
type Generation struct {
	id        string
	host      *Host
	sync      *syncer.Synchronizer
	createdAt time.Time

	skipOnce sync.Once
	skip     chan struct{}

	mu          sync.Mutex
	state       State
	inflight    int
	drained     chan struct{}
	report      syncer.ActivationReport
	activatedAt time.Time
	installErr  error
}

func newGeneration(id string, host *Host) *Generation {
	return &Generation{
		id:        id,
		host:      host,
		createdAt: time.Now().UTC(),
		skip:      make(chan struct{}),
		state:     StateInstalling,
	}
}

// ID 返回 generation 的唯一标识。
func (g *Generation) ID() string {
	return g.id
}

// State 返回当前状态。
func (g *Generation) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Synchronizer 返回 generation 持有的缓存同步器。
func (g *Generation) Synchronizer() *syncer.Synchronizer {
	return g.sync
}

// Report 返回最近一次激活的报告。
func (g *Generation) Report() syncer.ActivationReport {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.report
}

// Intercept 以当前 generation 的清单处理一次请求。
func (g *Generation) Intercept(ctx context.Context, req syncer.Request) (syncer.Response, error) {
	return g.sync.Intercept(ctx, req)
}

func (g *Generation) setState(state State) {
	g.mu.Lock()
	g.state = state
	if state == StateActivated {
		g.activatedAt = time.Now().UTC()
	}
	g.mu.Unlock()
}

func (g *Generation) skipWaiting() {
	g.skipOnce.Do(func() { close(g.skip) })
}

func (g *Generation) skipRequested() <-chan struct{} {
	return g.skip
}

func (g *Generation) acquire() {
	g.mu.Lock()
	g.inflight++
	g.mu.Unlock()
}

func (g *Generation) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight > 0 {
		g.inflight--
	}
	if g.inflight == 0 && g.drained != nil {
		close(g.drained)
		g.drained = nil
	}
}

// idle 返回一个在 generation 没有进行中请求时关闭的 channel。
func (g *Generation) idle() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if g.drained == nil {
		g.drained = make(chan struct{})
	}
	return g.drained
}

// runtime 将 syncer.Runtime 的回调绑定到具体 generation。
type runtime struct {
	gen *Generation
}

func (r runtime) SkipWaiting() {
	r.gen.skipWaiting()
}

func (r runtime) Claim(ctx context.Context) error {
	return r.gen.host.claim(ctx, r.gen)
}
