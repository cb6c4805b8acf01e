// Package manifest 描述一次部署（generation）的资源清单：资源键 → 指纹，以及
// 必须在接管流量前缓存完毕的 app shell 核心集合。清单在构建时生成，运行期只读。
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Key 是相对站点根的规范化资源路径，"/" 代表应用入口文档。
type Key string

// RootKey 表示站点根（入口 HTML）。
const RootKey Key = "/"

// Fingerprint 是资源内容的不透明版本标记（通常为内容哈希）。
type Fingerprint string

// CoreSet 为有序的核心资源列表，install 阶段必须全部写入 staging。
type CoreSet []Key

// Manifest 是一个 generation 的完整 Key → Fingerprint 表，构造后不再修改。
type Manifest struct {
	entries map[Key]Fingerprint
}

// New 复制 entries 构造 Manifest，调用方后续修改 entries 不影响结果。
func New(entries map[Key]Fingerprint) Manifest {
	copied := make(map[Key]Fingerprint, len(entries))
	for key, fp := range entries {
		copied[key] = fp
	}
	return Manifest{entries: copied}
}

// Fingerprint 返回 key 对应的指纹。
func (m Manifest) Fingerprint(key Key) (Fingerprint, bool) {
	fp, ok := m.entries[key]
	return fp, ok
}

// Has 判断 key 是否受当前清单管理。
func (m Manifest) Has(key Key) bool {
	_, ok := m.entries[key]
	return ok
}

// Len 返回资源数量。
func (m Manifest) Len() int {
	return len(m.entries)
}

// Keys 返回按字典序排序的全部资源键。
func (m Manifest) Keys() []Key {
	keys := make([]Key, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// MarshalJSON 输出扁平 JSON 对象，即 manifest-record 中持久化的格式。
func (m Manifest) MarshalJSON() ([]byte, error) {
	raw := make(map[string]string, len(m.entries))
	for key, fp := range m.entries {
		raw[string(key)] = string(fp)
	}
	return json.Marshal(raw)
}

// Decode 解析 manifest-record 中保存的扁平 JSON 对象。
func Decode(data []byte) (Manifest, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	entries := make(map[Key]Fingerprint, len(raw))
	for key, fp := range raw {
		entries[Key(key)] = Fingerprint(fp)
	}
	return Manifest{entries: entries}, nil
}

// Build 组合一次部署的清单与核心集合。
type Build struct {
	Resources Manifest
	Core      CoreSet
}

// Validate 要求清单非空且每个核心资源都出现在清单中。
func (b *Build) Validate() error {
	if b == nil {
		return errors.New("build is nil")
	}
	if b.Resources.Len() == 0 {
		return errors.New("manifest has no resources")
	}
	seen := make(map[Key]struct{}, len(b.Core))
	for _, key := range b.Core {
		if !b.Resources.Has(key) {
			return fmt.Errorf("core resource %q missing from manifest", key)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("core resource %q listed twice", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Normalize 去掉资源路径的前导 "/"，空串与 "/" 都归一为 RootKey。
func Normalize(raw string) Key {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "/" {
		return RootKey
	}
	trimmed = strings.TrimLeft(trimmed, "/")
	if trimmed == "" {
		return RootKey
	}
	return Key(trimmed)
}
