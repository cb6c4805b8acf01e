package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
	"github.com/any-hub/shellcache/internal/syncer"
)

type stubFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	fail   map[string]bool
	calls  int
}

func (f *stubFetcher) Fetch(_ context.Context, req syncer.FetchRequest) (*cache.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[req.Path] {
		return nil, errors.New("connection reset")
	}
	body, ok := f.bodies[req.Path]
	if !ok {
		return cache.NewEntry(req.Path, http.StatusNotFound, nil, nil), nil
	}
	return cache.NewEntry(req.Path, http.StatusOK, nil, []byte(body)), nil
}

func (f *stubFetcher) setFail(path string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[path] = fail
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		bodies: map[string]string{
			"":             "<html>",
			"main.dart.js": "main",
			"flutter.js":   "flutter",
		},
		fail: map[string]bool{},
	}
}

func testBuild(fp manifest.Fingerprint) *manifest.Build {
	return &manifest.Build{
		Resources: manifest.New(map[manifest.Key]manifest.Fingerprint{
			"/":            "h0",
			"main.dart.js": fp,
			"flutter.js":   "h2",
		}),
		Core: manifest.CoreSet{"main.dart.js"},
	}
}

func newTestHost(t *testing.T, storage cache.Storage, fetcher syncer.Fetcher, skipOnInstall bool) *Host {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	host, err := NewHost(Options{
		App:                  "shop",
		Storage:              storage,
		Fetcher:              fetcher,
		Logger:               logger,
		SkipWaitingOnInstall: skipOnInstall,
	})
	require.NoError(t, err)
	return host
}

func TestRegisterFirstGenerationClaims(t *testing.T) {
	host := newTestHost(t, cache.NewMemoryStorage(), newStubFetcher(), true)

	gen, err := host.Register(context.Background(), testBuild("h1"))
	require.NoError(t, err)
	assert.Equal(t, StateActivated, gen.State())
	assert.True(t, gen.Report().ColdStart)
	assert.True(t, gen.Report().Claimed)
	assert.Same(t, gen, host.Active())
	assert.Same(t, gen, host.Controller())

	ctrl, release := host.Acquire(false)
	defer release()
	assert.Same(t, gen, ctrl)
}

func TestRegisterWaitsForBusyGenerationUntilIdle(t *testing.T) {
	host := newTestHost(t, cache.NewMemoryStorage(), newStubFetcher(), false)
	first, err := host.Register(context.Background(), testBuild("h1"))
	require.NoError(t, err)

	_, release := host.Acquire(false)

	done := make(chan *Generation, 1)
	go func() {
		gen, err := host.Register(context.Background(), testBuild("h9"))
		assert.NoError(t, err)
		done <- gen
	}()

	select {
	case <-done:
		t.Fatalf("activation should wait while the previous generation is busy")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case second := <-done:
		assert.Equal(t, StateActivated, second.State())
		assert.Equal(t, StateRedundant, first.State())
		assert.Same(t, second, host.Controller())
	case <-time.After(2 * time.Second):
		t.Fatalf("activation did not proceed after the previous generation went idle")
	}
}

func TestSkipWaitingMessageActivatesPendingGeneration(t *testing.T) {
	host := newTestHost(t, cache.NewMemoryStorage(), newStubFetcher(), false)
	_, err := host.Register(context.Background(), testBuild("h1"))
	require.NoError(t, err)

	_, release := host.Acquire(false)
	defer release()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := host.Register(context.Background(), testBuild("h9"))
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		st := host.Status()
		return st.Pending != nil && st.Pending.State == StateInstalled
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, host.Message(context.Background(), syncer.MessageSkipWaiting))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("skipWaiting should release the waiting generation")
	}
	assert.Nil(t, host.Status().Pending)
}

func TestRegisterWaitHonoursContext(t *testing.T) {
	storage := cache.NewMemoryStorage()
	host := newTestHost(t, storage, newStubFetcher(), false)
	first, err := host.Register(context.Background(), testBuild("h1"))
	require.NoError(t, err)
	_, release := host.Acquire(false)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	gen, err := host.Register(ctx, testBuild("h9"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateRedundant, gen.State())
	assert.Same(t, first, host.Active())

	staged, err := storage.Has(context.Background(), cache.PartitionStaging)
	require.NoError(t, err)
	assert.False(t, staged, "discarded generation must not leave staging behind")
}

func TestInstallFailureKeepsPreviousGeneration(t *testing.T) {
	fetcher := newStubFetcher()
	host := newTestHost(t, cache.NewMemoryStorage(), fetcher, true)
	first, err := host.Register(context.Background(), testBuild("h1"))
	require.NoError(t, err)

	fetcher.setFail("main.dart.js", true)
	second, err := host.Register(context.Background(), testBuild("h9"))
	require.Error(t, err)
	assert.ErrorIs(t, err, syncer.ErrInstallFailed)
	assert.Equal(t, StateRedundant, second.State())
	assert.Same(t, first, host.Active())
	assert.Same(t, first, host.Controller())
	assert.Equal(t, StateActivated, first.State())
}

type brokenActiveStorage struct {
	cache.Storage
}

type brokenPartition struct {
	cache.Partition
}

func (b brokenActiveStorage) Open(ctx context.Context, name string) (cache.Partition, error) {
	p, err := b.Storage.Open(ctx, name)
	if err != nil || name != cache.PartitionActive {
		return p, err
	}
	return brokenPartition{Partition: p}, nil
}

func (brokenPartition) Put(context.Context, string, *cache.Entry) error {
	return errors.New("read-only file system")
}

func TestUnclaimedGenerationTakesControlOnNavigation(t *testing.T) {
	host := newTestHost(t, brokenActiveStorage{Storage: cache.NewMemoryStorage()}, newStubFetcher(), true)
	gen, err := host.Register(context.Background(), testBuild("h1"))
	require.NoError(t, err)
	require.Error(t, gen.Report().Err)
	assert.False(t, gen.Report().Claimed)

	ctrl, release := host.Acquire(false)
	release()
	assert.Nil(t, ctrl, "subresource requests stay uncontrolled")

	ctrl, release = host.Acquire(true)
	release()
	assert.Same(t, gen, ctrl)
	assert.Same(t, gen, host.Controller())
}

func TestMessageDownloadOffline(t *testing.T) {
	fetcher := newStubFetcher()
	storage := cache.NewMemoryStorage()
	host := newTestHost(t, storage, fetcher, true)

	err := host.Message(context.Background(), syncer.MessageDownloadOffline)
	assert.ErrorIs(t, err, ErrNoActiveGeneration)

	_, err = host.Register(context.Background(), testBuild("h1"))
	require.NoError(t, err)
	require.NoError(t, host.Message(context.Background(), syncer.MessageDownloadOffline))

	active, err := storage.Open(context.Background(), cache.PartitionActive)
	require.NoError(t, err)
	keys, err := active.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "flutter.js", "main.dart.js"}, keys)

	calls := fetcher.callCount()
	require.NoError(t, host.Message(context.Background(), syncer.MessageDownloadOffline))
	assert.Equal(t, calls, fetcher.callCount())
}

func TestMessageIgnoresUnknownAndNoPending(t *testing.T) {
	host := newTestHost(t, cache.NewMemoryStorage(), newStubFetcher(), true)
	assert.NoError(t, host.Message(context.Background(), "clearEverything"))
	assert.NoError(t, host.Message(context.Background(), syncer.MessageSkipWaiting))
}

func TestStatusSnapshot(t *testing.T) {
	host := newTestHost(t, cache.NewMemoryStorage(), newStubFetcher(), true)
	gen, err := host.Register(context.Background(), testBuild("h1"))
	require.NoError(t, err)

	st := host.Status()
	assert.Equal(t, "shop", st.App)
	require.NotNil(t, st.Active)
	assert.Equal(t, gen.ID(), st.Active.ID)
	assert.Equal(t, gen.ID(), st.Controller)
	assert.Equal(t, 3, st.Active.Resources)
	assert.Equal(t, 1, st.Active.Core)
	assert.True(t, st.Active.ColdStart)
	assert.Empty(t, st.Active.Error)
}

func TestNewHostValidates(t *testing.T) {
	_, err := NewHost(Options{App: "shop"})
	assert.Error(t, err)
}

// switchableStorage 在 broken 为 true 时让 active 分区的写入失败。
type switchableStorage struct {
	cache.Storage
	broken *atomic.Bool
}

type switchablePartition struct {
	cache.Partition
	broken *atomic.Bool
}

func (s switchableStorage) Open(ctx context.Context, name string) (cache.Partition, error) {
	p, err := s.Storage.Open(ctx, name)
	if err != nil || name != cache.PartitionActive {
		return p, err
	}
	return switchablePartition{Partition: p, broken: s.broken}, nil
}

func (p switchablePartition) Put(ctx context.Context, key string, entry *cache.Entry) error {
	if p.broken.Load() {
		return errors.New("read-only file system")
	}
	return p.Partition.Put(ctx, key, entry)
}

func TestRegisterWaitsForBusyControllerWhenActiveUnclaimed(t *testing.T) {
	broken := &atomic.Bool{}
	storage := switchableStorage{Storage: cache.NewMemoryStorage(), broken: broken}
	host := newTestHost(t, storage, newStubFetcher(), false)

	first, err := host.Register(context.Background(), testBuild("h1"))
	require.NoError(t, err)
	require.Same(t, first, host.Controller())

	broken.Store(true)
	second, err := host.Register(context.Background(), testBuild("h2"))
	require.NoError(t, err)
	require.Error(t, second.Report().Err)
	require.Same(t, second, host.Active())
	require.Same(t, first, host.Controller())
	broken.Store(false)

	ctrl, release := host.Acquire(false)
	require.Same(t, first, ctrl)

	done := make(chan *Generation, 1)
	go func() {
		gen, err := host.Register(context.Background(), testBuild("h3"))
		assert.NoError(t, err)
		done <- gen
	}()

	select {
	case <-done:
		t.Fatalf("activation should wait while the controlling generation is busy")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case third := <-done:
		assert.Equal(t, StateActivated, third.State())
		assert.Same(t, third, host.Controller())
	case <-time.After(2 * time.Second):
		t.Fatalf("activation did not proceed after the controlling generation went idle")
	}
}
