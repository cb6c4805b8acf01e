package syncer

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

// Source 标记响应来自缓存还是网络。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Request 是被拦截的一次读请求。URL 为绝对地址，Origin 为站点 origin
// （scheme://host[:port]），两者都由调用方显式提供。
type Request struct {
	Method string
	URL    string
	Origin string
}

// Response 描述拦截结果。Handled 为 false 时调用方应按默认网络行为透传。
type Response struct {
	Handled bool
	Key     manifest.Key
	Entry   *cache.Entry
	Source  Source
}

// Intercept 对清单内资源应用缓存策略：入口文档 "/" 走 online-first，其余走 cache-first。
func (s *Synchronizer) Intercept(ctx context.Context, req Request) (Response, error) {
	if req.Method != http.MethodGet {
		return Response{}, nil
	}

	key := manifest.KeyFromURL(req.Origin, req.URL)
	if !s.build.Resources.Has(key) {
		return Response{}, nil
	}

	fetchReq := FetchRequest{Path: relativePath(req.Origin, req.URL)}
	if key == manifest.RootKey {
		return s.onlineFirst(ctx, key, fetchReq)
	}
	return s.cacheFirst(ctx, key, fetchReq)
}

// onlineFirst 优先访问网络并刷新缓存副本；网络失败时回退到 active 中的条目，
// 没有缓存时返回原始错误。
func (s *Synchronizer) onlineFirst(ctx context.Context, key manifest.Key, fetchReq FetchRequest) (Response, error) {
	entry, fetchErr := s.fetcher.Fetch(ctx, fetchReq)
	if fetchErr == nil {
		s.store(ctx, key, entry)
		return Response{Handled: true, Key: key, Entry: entry, Source: SourceNetwork}, nil
	}

	if cached := s.lookup(ctx, key); cached != nil {
		return Response{Handled: true, Key: key, Entry: cached, Source: SourceCache}, nil
	}
	return Response{Handled: true, Key: key}, fetchErr
}

// cacheFirst 命中即返回；未命中时回源，仅在 2xx 时写入缓存，失败响应原样返回。
func (s *Synchronizer) cacheFirst(ctx context.Context, key manifest.Key, fetchReq FetchRequest) (Response, error) {
	if cached := s.lookup(ctx, key); cached != nil {
		return Response{Handled: true, Key: key, Entry: cached, Source: SourceCache}, nil
	}

	entry, err := s.fetcher.Fetch(ctx, fetchReq)
	if err != nil {
		return Response{Handled: true, Key: key}, err
	}
	if entry.OK() {
		s.store(ctx, key, entry)
	}
	return Response{Handled: true, Key: key, Entry: entry, Source: SourceNetwork}, nil
}

func (s *Synchronizer) lookup(ctx context.Context, key manifest.Key) *cache.Entry {
	active, err := s.storage.Open(ctx, cache.PartitionActive)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("cache_open_failed")
		return nil
	}
	entry, err := active.Match(ctx, string(key))
	switch {
	case err == nil:
		return entry
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		s.logger.WithError(err).WithField("key", key).Warn("cache_get_failed")
		return nil
	}
}

func (s *Synchronizer) store(ctx context.Context, key manifest.Key, entry *cache.Entry) {
	active, err := s.storage.Open(ctx, cache.PartitionActive)
	if err == nil {
		err = active.Put(ctx, string(key), entry.Clone())
	}
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_put",
			"key":    key,
		}).Warn("cache_put_failed")
	}
}

// relativePath 返回 URL 去掉 origin 后的路径（含查询串），片段不会发往网络。
func relativePath(origin, rawURL string) string {
	origin = strings.TrimSuffix(origin, "/")
	rel := strings.TrimPrefix(rawURL, origin)
	rel = strings.TrimPrefix(rel, "/")
	if idx := strings.Index(rel, "#"); idx != -1 {
		rel = rel[:idx]
	}
	return rel
}
