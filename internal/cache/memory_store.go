package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// NewMemoryStorage 返回进程内的分区存储，进程退出即丢失，主要用于测试。
func NewMemoryStorage() Storage {
	return &memoryStorage{
		partitions: make(map[string]map[string]*Entry),
		now:        time.Now,
	}
}

type memoryStorage struct {
	mu         sync.RWMutex
	partitions map[string]map[string]*Entry
	now        func() time.Time
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, ok := s.partitions[name]; !ok {
		s.partitions[name] = make(map[string]*Entry)
	}
	s.mu.Unlock()
	return &memoryPartition{storage: s, name: name}, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.partitions[name]
	delete(s.partitions, name)
	return existed, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.partitions[name]
	return ok, nil
}

func (s *memoryStorage) Close() error {
	return nil
}

type memoryPartition struct {
	storage *memoryStorage
	name    string
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Match(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.storage.mu.RLock()
	defer p.storage.mu.RUnlock()
	entry, ok := p.storage.partitions[p.name][key]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Clone(), nil
}

func (p *memoryPartition) Put(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return errors.New("cache entry required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := prepareForPut(key, entry, p.storage.now())
	p.storage.mu.Lock()
	defer p.storage.mu.Unlock()
	entries, ok := p.storage.partitions[p.name]
	if !ok {
		entries = make(map[string]*Entry)
		p.storage.partitions[p.name] = entries
	}
	entries[key] = stored
	return nil
}

func (p *memoryPartition) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.storage.mu.Lock()
	defer p.storage.mu.Unlock()
	entries := p.storage.partitions[p.name]
	_, existed := entries[key]
	delete(entries, key)
	return existed, nil
}

func (p *memoryPartition) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.storage.mu.RLock()
	defer p.storage.mu.RUnlock()
	entries := p.storage.partitions[p.name]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
