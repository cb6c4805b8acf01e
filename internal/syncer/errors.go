package syncer

import (
	"errors"
	"fmt"

	"github.com/any-hub/shellcache/internal/manifest"
)

var (
	// ErrInstallFailed 表示核心资源未能全部写入 staging，本次升级中止。
	ErrInstallFailed = errors.New("install failed")
	// ErrNetwork 包装 Fetcher 的传输层失败。
	ErrNetwork = errors.New("network request failed")
)

// StatusError 表示批量拉取中某个资源返回了非 2xx 状态。
type StatusError struct {
	Key    manifest.Key
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.Key, e.Status)
}
