package syncer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

// 控制通道可识别的指令。
const (
	MessageSkipWaiting     = "skipWaiting"
	MessageDownloadOffline = "downloadOffline"
)

// Prefetch 补齐 active 中缺失的清单资源，返回本次拉取的键。
// 没有缺失时不发起任何网络请求。
func (s *Synchronizer) Prefetch(ctx context.Context) ([]manifest.Key, error) {
	active, err := s.storage.Open(ctx, cache.PartitionActive)
	if err != nil {
		return nil, fmt.Errorf("open active: %w", err)
	}

	missing, err := s.Missing(ctx)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		return nil, nil
	}

	if err := s.addAll(ctx, active, missing, false); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "prefetch",
			"missing": len(missing),
		}).Warn("prefetch_failed")
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"action":  "prefetch",
		"fetched": len(missing),
	}).Info("离线资源补齐完成")
	return missing, nil
}

// Missing 返回清单中尚未出现在 active 的资源键（按字典序）。
func (s *Synchronizer) Missing(ctx context.Context) ([]manifest.Key, error) {
	active, err := s.storage.Open(ctx, cache.PartitionActive)
	if err != nil {
		return nil, fmt.Errorf("open active: %w", err)
	}
	keys, err := active.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	present := make(map[manifest.Key]struct{}, len(keys))
	for _, stored := range keys {
		present[manifest.KeyFromStored(stored)] = struct{}{}
	}

	var missing []manifest.Key
	for _, key := range s.build.Resources.Keys() {
		if _, ok := present[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

// HandleMessage 处理控制通道指令；未识别的指令直接忽略。
func (s *Synchronizer) HandleMessage(ctx context.Context, data string) error {
	switch data {
	case MessageSkipWaiting:
		s.runtime.SkipWaiting()
		return nil
	case MessageDownloadOffline:
		_, err := s.Prefetch(ctx)
		return err
	default:
		return nil
	}
}

// IsKnownMessage 判断 data 是否为控制通道可识别的指令。
func IsKnownMessage(data string) bool {
	return data == MessageSkipWaiting || data == MessageDownloadOffline
}
