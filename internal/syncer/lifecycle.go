package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

// ActivationReport 汇总一次 activate 的对账结果。Err 非空表示激活失败且三个分区
// 已全部清除，下一次激活将走冷启动。
type ActivationReport struct {
	ColdStart bool
	Retained  []manifest.Key
	Removed   []manifest.Key
	Copied    []manifest.Key
	Claimed   bool
	Err       error
}

// Install 执行第一阶段：以 reload 方式拉取全部核心资源并写入 staging。
// 任一资源失败则整体失败且不写入任何条目，上一代缓存保持不变。
func (s *Synchronizer) Install(ctx context.Context) error {
	if s.skipOnInst {
		s.runtime.SkipWaiting()
	}

	// staging 只属于本次 install，未激活的上一代残留必须先清掉。
	if _, err := s.storage.Delete(ctx, cache.PartitionStaging); err != nil {
		return fmt.Errorf("%w: reset staging: %w", ErrInstallFailed, err)
	}
	staging, err := s.storage.Open(ctx, cache.PartitionStaging)
	if err != nil {
		return fmt.Errorf("%w: open staging: %w", ErrInstallFailed, err)
	}

	if err := s.addAll(ctx, staging, s.build.Core, true); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "install",
			"core":   len(s.build.Core),
		}).Error("install_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	s.logger.WithFields(logrus.Fields{
		"action": "install",
		"core":   len(s.build.Core),
	}).Info("核心资源已写入 staging")
	return nil
}

// Activate 执行第二阶段：把 staging 合并进 active、按指纹淘汰旧条目并持久化清单。
// 失败不会向调用方返回 error，而是清空全部分区并记录在报告中。
func (s *Synchronizer) Activate(ctx context.Context) ActivationReport {
	var report ActivationReport
	if err := s.activate(ctx, &report); err != nil {
		report.Err = err
		s.logger.WithError(err).WithField("action", "activate").Error("Failed to upgrade cache generation")
		s.teardown(context.WithoutCancel(ctx))
		return report
	}

	s.logger.WithFields(logrus.Fields{
		"action":     "activate",
		"cold_start": report.ColdStart,
		"retained":   len(report.Retained),
		"removed":    len(report.Removed),
		"copied":     len(report.Copied),
		"claimed":    report.Claimed,
	}).Info("缓存 generation 激活完成")
	return report
}

func (s *Synchronizer) activate(ctx context.Context, report *ActivationReport) error {
	active, err := s.storage.Open(ctx, cache.PartitionActive)
	if err != nil {
		return fmt.Errorf("open active: %w", err)
	}
	staging, err := s.storage.Open(ctx, cache.PartitionStaging)
	if err != nil {
		return fmt.Errorf("open staging: %w", err)
	}
	record, err := s.storage.Open(ctx, cache.PartitionManifest)
	if err != nil {
		return fmt.Errorf("open manifest record: %w", err)
	}

	stored, err := record.Match(ctx, cache.ManifestRecordKey)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		report.ColdStart = true
		if _, err := s.storage.Delete(ctx, cache.PartitionActive); err != nil {
			return fmt.Errorf("reset active: %w", err)
		}
		if active, err = s.storage.Open(ctx, cache.PartitionActive); err != nil {
			return fmt.Errorf("reopen active: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read manifest record: %w", err)
	default:
		previous, err := manifest.Decode(stored.Body)
		if err != nil {
			return err
		}
		if err := s.purgeStale(ctx, active, previous, report); err != nil {
			return err
		}
	}

	if err := copyPartition(ctx, staging, active, report); err != nil {
		return err
	}
	if _, err := s.storage.Delete(ctx, cache.PartitionStaging); err != nil {
		return fmt.Errorf("delete staging: %w", err)
	}
	if err := s.persistManifest(ctx, record); err != nil {
		return err
	}

	if err := s.runtime.Claim(ctx); err != nil {
		s.logger.WithError(err).WithField("action", "activate").Warn("claim_failed")
	} else {
		report.Claimed = true
	}
	return nil
}

// purgeStale 删除当前清单不再包含、或指纹与上一代清单不一致的条目，其余条目原样保留。
func (s *Synchronizer) purgeStale(ctx context.Context, active cache.Partition, previous manifest.Manifest, report *ActivationReport) error {
	keys, err := active.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list active: %w", err)
	}
	current := s.build.Resources
	for _, storedKey := range keys {
		key := manifest.KeyFromStored(storedKey)
		fp, ok := current.Fingerprint(key)
		old, _ := previous.Fingerprint(key)
		if !ok || fp == "" || fp != old {
			if _, err := active.Delete(ctx, storedKey); err != nil {
				return fmt.Errorf("delete %s: %w", storedKey, err)
			}
			report.Removed = append(report.Removed, key)
			continue
		}
		report.Retained = append(report.Retained, key)
	}
	return nil
}

func copyPartition(ctx context.Context, from, to cache.Partition, report *ActivationReport) error {
	keys, err := from.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list %s: %w", from.Name(), err)
	}
	for _, key := range keys {
		entry, err := from.Match(ctx, key)
		if err != nil {
			return fmt.Errorf("read %s/%s: %w", from.Name(), key, err)
		}
		if err := to.Put(ctx, key, entry); err != nil {
			return fmt.Errorf("write %s/%s: %w", to.Name(), key, err)
		}
		report.Copied = append(report.Copied, manifest.KeyFromStored(key))
	}
	return nil
}

func (s *Synchronizer) persistManifest(ctx context.Context, record cache.Partition) error {
	body, err := json.Marshal(s.build.Resources)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	header := http.Header{"Content-Type": []string{"application/json"}}
	entry := cache.NewEntry(cache.ManifestRecordKey, http.StatusOK, header, body)
	if err := record.Put(ctx, cache.ManifestRecordKey, entry); err != nil {
		return fmt.Errorf("persist manifest: %w", err)
	}
	return nil
}

// teardown 清空三个分区，保证下一次激活从冷启动开始。
func (s *Synchronizer) teardown(ctx context.Context) {
	for _, name := range []string{cache.PartitionActive, cache.PartitionStaging, cache.PartitionManifest} {
		if _, err := s.storage.Delete(ctx, name); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"action":    "teardown",
				"partition": name,
			}).Error("partition_delete_failed")
		}
	}
}

// DiscardStaging 删除未被激活的 install 结果。
func (s *Synchronizer) DiscardStaging(ctx context.Context) error {
	if _, err := s.storage.Delete(ctx, cache.PartitionStaging); err != nil {
		return fmt.Errorf("delete staging: %w", err)
	}
	return nil
}

// addAll 并发拉取 keys，全部成功（传输成功且 2xx）后才依次写入 partition。
func (s *Synchronizer) addAll(ctx context.Context, partition cache.Partition, keys []manifest.Key, reload bool) error {
	if len(keys) == 0 {
		return nil
	}

	entries := make([]*cache.Entry, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			entry, err := s.fetcher.Fetch(gctx, FetchRequest{Path: key.RequestPath(), Reload: reload})
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrNetwork, key, err)
			}
			if !entry.OK() {
				return &StatusError{Key: key, Status: entry.Status}
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, key := range keys {
		if err := partition.Put(ctx, string(key), entries[i]); err != nil {
			return fmt.Errorf("write %s/%s: %w", partition.Name(), key, err)
		}
	}
	return nil
}
