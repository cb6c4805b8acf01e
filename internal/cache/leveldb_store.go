package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb 键空间：
//
//	p:<partition>            分区存在标记
//	e:<partition>\x00<key>   gob 编码的 Entry
const (
	markerPrefix = "p:"
	entryPrefix  = "e:"
	keySep       = "\x00"
)

// NewLevelDBStorage 在 path 下打开（必要时创建）leveldb 数据库作为分区存储。
func NewLevelDBStorage(path string) (Storage, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &levelStorage{db: db, now: time.Now}, nil
}

type levelStorage struct {
	db  *leveldb.DB
	now func() time.Time

	// 分区删除需要"遍历 + 批量删除"，与并发写入互斥，避免删除后残留新写入的半个分区。
	mu sync.RWMutex
}

func markerKey(name string) []byte {
	return []byte(markerPrefix + name)
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + keySep)
}

func entryKey(name, key string) []byte {
	return append(entryKeyPrefix(name), key...)
}

func (s *levelStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(markerKey(name), []byte{1}, nil); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &levelPartition{storage: s, name: name}, nil
}

func (s *levelStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validatePartitionName(name); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existed, err := s.db.Has(markerKey(name), nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(markerKey(name))
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return existed, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return existed, fmt.Errorf("delete partition %s: %w", name, err)
	}
	return existed, nil
}

func (s *levelStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validatePartitionName(name); err != nil {
		return false, err
	}
	return s.db.Has(markerKey(name), nil)
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

type levelPartition struct {
	storage *levelStorage
	name    string
}

func (p *levelPartition) Name() string {
	return p.name
}

func (p *levelPartition) Match(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.storage.mu.RLock()
	raw, err := p.storage.db.Get(entryKey(p.name, key), nil)
	p.storage.mu.RUnlock()
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry Entry
	if err := decodeGob(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", key, err)
	}
	if err := entry.Verify(); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (p *levelPartition) Put(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return errors.New("cache entry required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := prepareForPut(key, entry, p.storage.now())
	raw, err := encodeGob(stored)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", key, err)
	}

	batch := new(leveldb.Batch)
	batch.Put(markerKey(p.name), []byte{1})
	batch.Put(entryKey(p.name, key), raw)

	p.storage.mu.RLock()
	defer p.storage.mu.RUnlock()
	return p.storage.db.Write(batch, nil)
}

func (p *levelPartition) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.storage.mu.RLock()
	defer p.storage.mu.RUnlock()

	ek := entryKey(p.name, key)
	existed, err := p.storage.db.Has(ek, nil)
	if err != nil || !existed {
		return false, err
	}
	if err := p.storage.db.Delete(ek, nil); err != nil {
		return true, err
	}
	return true, nil
}

func (p *levelPartition) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := entryKeyPrefix(p.name)

	p.storage.mu.RLock()
	defer p.storage.mu.RUnlock()

	it := p.storage.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
