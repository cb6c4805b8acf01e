package config

import (
	"errors"
	"testing"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[[App]]
Name = "watches"
Domain = "watches.local"
Upstream = "https://watches.example.com"
Manifest = "watches.json"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsIntegerSeconds(t *testing.T) {
	cfg := `
UpstreamTimeout = 15

[[App]]
Name = "watches"
Domain = "watches.local"
Upstream = "https://watches.example.com"
Manifest = "/srv/watches/manifest.json"
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if got := loaded.Global.UpstreamTimeout.DurationValue().Seconds(); got != 15 {
		t.Fatalf("整数秒应被解析为 15s，实际 %v", got)
	}
	if loaded.Apps[0].Manifest != "/srv/watches/manifest.json" {
		t.Fatalf("绝对路径不应被改写: %s", loaded.Apps[0].Manifest)
	}
}

func TestLoadRejectsAppLevelPort(t *testing.T) {
	cfg := `
[[App]]
Name = "watches"
Domain = "watches.local"
Port = 9000
Upstream = "https://watches.example.com"
Manifest = "watches.json"
`
	_, err := Load(writeTempConfig(t, cfg))
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "App[watches].Port" {
		t.Fatalf("App 级 Port 应被拒绝，实际 %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/shellcache/config.toml")
	if got := ResolvePath("custom.toml"); got != "custom.toml" {
		t.Fatalf("flag 应优先: %s", got)
	}
	if got := ResolvePath(""); got != "/etc/shellcache/config.toml" {
		t.Fatalf("环境变量应次之: %s", got)
	}
	t.Setenv(EnvConfigPath, "")
	if got := ResolvePath(""); got != "config.toml" {
		t.Fatalf("默认应为 config.toml: %s", got)
	}
}
