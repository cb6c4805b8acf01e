package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// buildFile 是构建产物中清单文件的结构，支持 JSON 与 YAML 两种写法。
type buildFile struct {
	Resources map[string]string `json:"resources" yaml:"resources"`
	Core      []string          `json:"core" yaml:"core"`
}

// Load 读取构建期生成的清单文件（.json/.yaml/.yml），规范化资源键并校验核心集合。
func Load(path string) (*Build, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取清单失败: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse 按扩展名解析清单内容，ext 为空时按 JSON 处理。
func Parse(data []byte, ext string) (*Build, error) {
	var file buildFile
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("解析 YAML 清单失败: %w", err)
		}
	case "", ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("解析 JSON 清单失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的清单格式: %s", ext)
	}

	entries := make(map[Key]Fingerprint, len(file.Resources))
	for raw, fp := range file.Resources {
		entries[Normalize(raw)] = Fingerprint(strings.TrimSpace(fp))
	}
	core := make(CoreSet, 0, len(file.Core))
	for _, raw := range file.Core {
		core = append(core, Normalize(raw))
	}

	build := &Build{Resources: New(entries), Core: core}
	if err := build.Validate(); err != nil {
		return nil, err
	}
	return build, nil
}
