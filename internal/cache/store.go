package cache

import (
	"bytes"
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// 三个具名分区，名称沿用前端 worker 约定，便于与浏览器侧缓存对照排查。
const (
	PartitionStaging  = "flutter-temp-cache"
	PartitionActive   = "flutter-app-cache"
	PartitionManifest = "flutter-app-manifest"
)

// ManifestRecordKey 是 manifest-record 分区中唯一条目的固定键。
const ManifestRecordKey = "manifest"

// Storage 管理一组具名分区。分区在首次 Open 时惰性创建。
type Storage interface {
	// Open 返回指定分区的句柄，不存在时创建。
	Open(ctx context.Context, name string) (Partition, error)

	// Delete 删除整个分区，返回删除前分区是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Has 判断分区是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源。
	Close() error
}

// Partition 是单个分区内的 key → Entry 映射。
type Partition interface {
	// Name 返回分区名。
	Name() string

	// Match 返回 key 对应的条目副本，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Entry, error)

	// Put 原子地写入或覆盖 key 对应的条目。
	Put(ctx context.Context, key string, entry *Entry) error

	// Delete 删除条目，返回删除前是否存在。
	Delete(ctx context.Context, key string) (bool, error)

	// Keys 返回按字典序排序的全部条目键。
	Keys(ctx context.Context) ([]string, error)
}

// Entry 表示一次缓存的响应，包含状态码、头部与完整正文。
type Entry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	Digest   digest.Digest
	StoredAt time.Time
}

// NewEntry 构造条目并计算正文摘要。
func NewEntry(key string, status int, header http.Header, body []byte) *Entry {
	return &Entry{
		Key:    key,
		Status: status,
		Header: header.Clone(),
		Body:   body,
		Digest: digest.FromBytes(body),
	}
}

// OK 对应 fetch 语义中的 response.ok（2xx）。
func (e *Entry) OK() bool {
	return e != nil && e.Status >= 200 && e.Status < 300
}

// Clone 深拷贝条目，写入缓存与返回给调用方的副本互不影响。
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cloned := *e
	cloned.Header = e.Header.Clone()
	cloned.Body = bytes.Clone(e.Body)
	return &cloned
}

// Verify 校验正文与记录的摘要一致；旧数据没有摘要时视为通过。
func (e *Entry) Verify() error {
	if e.Digest == "" {
		return nil
	}
	if err := e.Digest.Validate(); err != nil {
		return err
	}
	verifier := e.Digest.Verifier()
	if _, err := verifier.Write(e.Body); err != nil {
		return err
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: %s", ErrCorrupt, e.Key)
	}
	return nil
}

// prepareForPut 为写入准备条目副本：补齐键、摘要与写入时间。
func prepareForPut(key string, entry *Entry, now time.Time) *Entry {
	stored := entry.Clone()
	stored.Key = key
	if stored.Digest == "" {
		stored.Digest = digest.FromBytes(stored.Body)
	}
	if stored.StoredAt.IsZero() {
		stored.StoredAt = now.UTC()
	}
	return stored
}

func validatePartitionName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("partition name required")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("invalid partition name %q", name)
	}
	return nil
}

var (
	// ErrNotFound 表示条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrCorrupt 表示条目正文与摘要不一致。
	ErrCorrupt = errors.New("cache entry corrupt")
)
