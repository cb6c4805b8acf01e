package syncer

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

func interceptFixture(t *testing.T) (*Synchronizer, *fakeFetcher, cache.Storage) {
	t.Helper()
	storage := cache.NewMemoryStorage()
	fetcher := newFakeFetcher(map[string]fakeResource{
		"":             {http.StatusOK, "<html>v1</html>"},
		"main.dart.js": {http.StatusOK, "main"},
		"flutter.js":   {http.StatusOK, "flutter"},
	})
	build := newBuild(map[manifest.Key]manifest.Fingerprint{
		"/":            "h0",
		"index.html":   "h0",
		"main.dart.js": "h1",
		"flutter.js":   "h2",
		"missing.png":  "h4",
	}, "main.dart.js")
	return newSync(t, build, storage, fetcher, &fakeRuntime{}), fetcher, storage
}

func get(url string) Request {
	return Request{Method: http.MethodGet, URL: url, Origin: testOrigin}
}

func TestInterceptPassesThroughNonGet(t *testing.T) {
	s, fetcher, _ := interceptFixture(t)
	resp, err := s.Intercept(context.Background(), Request{Method: http.MethodPost, URL: testOrigin + "/main.dart.js", Origin: testOrigin})
	require.NoError(t, err)
	assert.False(t, resp.Handled)
	assert.Zero(t, fetcher.total())
}

func TestInterceptPassesThroughUnknownResource(t *testing.T) {
	s, fetcher, _ := interceptFixture(t)
	resp, err := s.Intercept(context.Background(), get(testOrigin+"/api/watches"))
	require.NoError(t, err)
	assert.False(t, resp.Handled)
	assert.Zero(t, fetcher.total())
}

func TestInterceptCacheFirstMissThenHit(t *testing.T) {
	s, fetcher, storage := interceptFixture(t)
	ctx := context.Background()

	first, err := s.Intercept(ctx, get(testOrigin+"/flutter.js"))
	require.NoError(t, err)
	require.True(t, first.Handled)
	assert.Equal(t, SourceNetwork, first.Source)
	assert.Equal(t, "flutter", string(first.Entry.Body))
	assert.Equal(t, []string{"flutter.js"}, partitionKeys(t, storage, cache.PartitionActive))

	second, err := s.Intercept(ctx, get(testOrigin+"/flutter.js"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, "flutter", string(second.Entry.Body))
	assert.Equal(t, 1, fetcher.count("flutter.js"))
}

func TestInterceptCacheFirstDoesNotCacheFailures(t *testing.T) {
	s, fetcher, storage := interceptFixture(t)
	ctx := context.Background()

	resp, err := s.Intercept(ctx, get(testOrigin+"/missing.png"))
	require.NoError(t, err)
	require.True(t, resp.Handled)
	assert.Equal(t, http.StatusNotFound, resp.Entry.Status)
	assert.Empty(t, partitionKeys(t, storage, cache.PartitionActive))

	fetcher.set("missing.png", http.StatusOK, "png")
	resp, err = s.Intercept(ctx, get(testOrigin+"/missing.png"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Entry.Status)
	assert.Equal(t, 2, fetcher.count("missing.png"), "failed response must be retried on network")
}

func TestInterceptCacheFirstNetworkErrorWithoutCache(t *testing.T) {
	s, fetcher, _ := interceptFixture(t)
	fetcher.setOffline(true)
	resp, err := s.Intercept(context.Background(), get(testOrigin+"/flutter.js"))
	assert.ErrorIs(t, err, errOffline)
	assert.True(t, resp.Handled)
}

func TestInterceptStripsVersionQuery(t *testing.T) {
	s, fetcher, _ := interceptFixture(t)
	ctx := context.Background()

	_, err := s.Intercept(ctx, get(testOrigin+"/main.dart.js"))
	require.NoError(t, err)

	resp, err := s.Intercept(ctx, get(testOrigin+"/main.dart.js?v=123"))
	require.NoError(t, err)
	assert.Equal(t, manifest.Key("main.dart.js"), resp.Key)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, 1, fetcher.count("main.dart.js"))
	assert.Zero(t, fetcher.count("main.dart.js?v=123"))
}

func TestInterceptOnlineFirstRoot(t *testing.T) {
	s, fetcher, storage := interceptFixture(t)
	ctx := context.Background()

	resp, err := s.Intercept(ctx, get(testOrigin+"/"))
	require.NoError(t, err)
	assert.Equal(t, manifest.RootKey, resp.Key)
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, []string{"/"}, partitionKeys(t, storage, cache.PartitionActive))

	fetcher.set("", http.StatusOK, "<html>v2</html>")
	resp, err = s.Intercept(ctx, get(testOrigin))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source, "root is always tried online first")
	assert.Equal(t, "<html>v2</html>", string(matchEntry(t, storage, cache.PartitionActive, "/").Body))
	assert.Equal(t, 2, fetcher.count(""))
}

func TestInterceptRootVariantsShareEntry(t *testing.T) {
	s, fetcher, _ := interceptFixture(t)
	ctx := context.Background()

	_, err := s.Intercept(ctx, get(testOrigin+"/"))
	require.NoError(t, err)
	fetcher.setOffline(true)

	for _, url := range []string{testOrigin, testOrigin + "/", testOrigin + "/#/brands/omega"} {
		resp, err := s.Intercept(ctx, get(url))
		require.NoError(t, err, url)
		assert.Equal(t, manifest.RootKey, resp.Key, url)
		assert.Equal(t, SourceCache, resp.Source, url)
		assert.Equal(t, "<html>v1</html>", string(resp.Entry.Body), url)
	}
}

func TestInterceptOnlineFirstOfflineWithoutCache(t *testing.T) {
	s, fetcher, _ := interceptFixture(t)
	fetcher.setOffline(true)

	resp, err := s.Intercept(context.Background(), get(testOrigin+"/"))
	assert.ErrorIs(t, err, errOffline)
	assert.True(t, resp.Handled)
	assert.Nil(t, resp.Entry)
}

func TestRelativePathDropsFragment(t *testing.T) {
	assert.Equal(t, "", relativePath(testOrigin, testOrigin+"/#/x"))
	assert.Equal(t, "main.dart.js?v=1", relativePath(testOrigin, testOrigin+"/main.dart.js?v=1"))
	assert.Equal(t, "", relativePath(testOrigin, testOrigin))
}
