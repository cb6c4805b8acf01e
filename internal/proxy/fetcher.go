package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/syncer"
)

// Fetcher 通过共享 http.Client 从 App 上游拉取资源，实现 syncer.Fetcher。
type Fetcher struct {
	client   *http.Client
	upstream *url.URL
}

// NewFetcher 创建绑定到 upstream 的 Fetcher。
func NewFetcher(client *http.Client, upstream *url.URL) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, upstream: upstream}
}

// Fetch 返回任意 HTTP 状态的响应；只有传输层失败才返回 error（包装 syncer.ErrNetwork）。
func (f *Fetcher) Fetch(ctx context.Context, req syncer.FetchRequest) (*cache.Entry, error) {
	target, err := resolveUpstream(f.upstream, req.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncer.ErrNetwork, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncer.ErrNetwork, err)
	}
	if req.Reload {
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncer.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", syncer.ErrNetwork, target.Redacted(), err)
	}

	header := server.EndToEndHeaders(resp.Header)
	header.Del("Content-Length")
	return cache.NewEntry(req.Path, resp.StatusCode, header, body), nil
}

// resolveUpstream 把站点相对路径（可带查询串）拼接到 upstream 的路径之后。
func resolveUpstream(base *url.URL, rel string) (*url.URL, error) {
	if base == nil {
		return nil, fmt.Errorf("upstream is not configured")
	}
	parsed, err := url.Parse("/" + strings.TrimPrefix(rel, "/"))
	if err != nil {
		return nil, err
	}
	target := *base
	target.Path = strings.TrimSuffix(base.Path, "/") + parsed.Path
	target.RawPath = ""
	target.RawQuery = parsed.RawQuery
	target.Fragment = ""
	return &target, nil
}
