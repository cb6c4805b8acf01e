package manifest

import "strings"

const versionMarker = "?v="

// KeyFromURL 将请求 URL 映射为资源键。origin 必须显式传入（scheme://host[:port]，
// 不带尾部 "/"），不依赖任何全局状态：
//   - 去掉 origin + "/" 前缀；
//   - 含 "?v=" 时只保留其之前的部分；
//   - URL 等于 origin、以 origin + "/#" 开头或剩余为空时归一为 "/"。
func KeyFromURL(origin, rawURL string) Key {
	origin = strings.TrimSuffix(origin, "/")

	key := rawURL
	if strings.HasPrefix(rawURL, origin+"/") {
		key = rawURL[len(origin)+1:]
	} else if rawURL == origin {
		key = ""
	}

	if idx := strings.Index(key, versionMarker); idx != -1 {
		key = key[:idx]
	}

	if rawURL == origin || strings.HasPrefix(rawURL, origin+"/#") || key == "" {
		return RootKey
	}
	return Key(key)
}

// KeyFromStored 将分区中保存的条目键还原为资源键，空键代表站点根。
func KeyFromStored(stored string) Key {
	if stored == "" || stored == "/" {
		return RootKey
	}
	return Key(stored)
}

// RequestPath 返回资源键对应的相对请求路径（站点根为空串）。
func (k Key) RequestPath() string {
	if k == RootKey {
		return ""
	}
	return string(k)
}
