package cache

import (
	"fmt"
	"path/filepath"
	"strings"
)

// 支持的存储后端。
const (
	BackendFS      = "fs"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// OpenStorage 根据后端名称在 dir 下构建分区存储，dir 通常为 <StoragePath>/<app>。
func OpenStorage(backend, dir string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFS:
		return NewFileStorage(dir)
	case BackendLevelDB:
		return NewLevelDBStorage(filepath.Join(dir, "leveldb"))
	case BackendMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}
