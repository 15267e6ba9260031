package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// writeFixture 用 yaml 序列化写配置文件
func writeFixture(t *testing.T, dir string, doc map[string]interface{}) string {
	t.Helper()
	data, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// === Load ===

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load without file: %v", err)
	}
	if cfg.Server.Port != 18600 {
		t.Errorf("default port = %d, want 18600", cfg.Server.Port)
	}
	if cfg.Agent.MaxIterations != 999 {
		t.Errorf("default max_iterations = %d", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.ToolResultMaxSize != 10240 {
		t.Errorf("default tool_result_max_size = %d", cfg.Agent.ToolResultMaxSize)
	}
	if cfg.Agent.MaxToolConcurrency != 1 {
		t.Errorf("default max_tool_concurrency = %d", cfg.Agent.MaxToolConcurrency)
	}
	if cfg.Models["main"].ContextLength != 128000 {
		t.Errorf("default main context_length = %d", cfg.Models["main"].ContextLength)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFixture(t, t.TempDir(), map[string]interface{}{
		"server": map[string]interface{}{"port": 9000},
		"agent": map[string]interface{}{
			"auto_compact_ratio": 0.5,
			"max_iterations":     7,
		},
		"models": map[string]interface{}{
			"quick": map[string]interface{}{"model": "gpt-4o-mini"},
		},
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Agent.MaxIterations != 7 {
		t.Errorf("max_iterations = %d, want 7", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.CompactRatio() != 0.5 {
		t.Errorf("compact ratio = %v, want 0.5", cfg.Agent.CompactRatio())
	}
	if cfg.Models["quick"].Model != "gpt-4o-mini" {
		t.Errorf("quick model = %q", cfg.Models["quick"].Model)
	}
	// 未覆盖的键保持默认
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q, want default", cfg.Server.Host)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFixture(t, t.TempDir(), map[string]interface{}{
		"agent": map[string]interface{}{"max_tool_concurrency": 2},
	})
	t.Setenv("MAX_TOOL_CONCURRENCY", "5")
	t.Setenv("MAIN_MODEL", "deepseek-chat")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.MaxToolConcurrency != 5 {
		t.Errorf("env override lost: concurrency = %d", cfg.Agent.MaxToolConcurrency)
	}
	if cfg.Models["main"].Model != "deepseek-chat" {
		t.Errorf("profile env override lost: %q", cfg.Models["main"].Model)
	}
}

func TestLoad_BadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed yaml must fail to load")
	}
}

// === Derived knobs ===

func TestCompactRatio_Bounds(t *testing.T) {
	tests := []struct {
		ratio float64
		want  float64
	}{
		{0.5, 0.5},
		{0, 0.92},
		{-1, 0.92},
		{1.0, 0.92},
		{2.5, 0.92},
	}
	for _, tt := range tests {
		a := AgentConfig{AutoCompactRatio: tt.ratio}
		if got := a.CompactRatio(); got != tt.want {
			t.Errorf("CompactRatio(%v) = %v, want %v", tt.ratio, got, tt.want)
		}
	}
}

func TestToolTimeout(t *testing.T) {
	a := AgentConfig{ToolExecutionTimeout: 1.5}
	if got := a.ToolTimeout(); got != 1500*time.Millisecond {
		t.Errorf("timeout = %v", got)
	}
	a.ToolExecutionTimeout = 0
	if got := a.ToolTimeout(); got != 24*time.Hour {
		t.Errorf("non-positive timeout should be effectively infinite, got %v", got)
	}
}

// === Hot reload ===

func TestWatcher_ReloadOnRename(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, map[string]interface{}{
		"agent": map[string]interface{}{"max_iterations": 10},
	})

	initial, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(path, initial, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 50 * time.Millisecond

	reloaded := make(chan *Config, 1)
	w.OnReload(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// 模拟编辑器的原子保存: 写临时文件再 rename 到位
	data, _ := yaml.Marshal(map[string]interface{}{
		"agent": map[string]interface{}{"max_iterations": 42},
	})
	tmp := path + ".new"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Agent.MaxIterations != 42 {
			t.Errorf("reloaded max_iterations = %d, want 42", cfg.Agent.MaxIterations)
		}
		if w.Current().Agent.MaxIterations != 42 {
			t.Error("Current() should expose the reloaded config")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback not fired")
	}
}

func TestWatcher_KeepsOldOnParseFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, map[string]interface{}{
		"agent": map[string]interface{}{"max_iterations": 10},
	})
	initial, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(path, initial, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer w.watcher.Close()

	if err := os.WriteFile(path, []byte("agent: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.reload()

	if w.Current().Agent.MaxIterations != 10 {
		t.Error("parse failure must keep the previous config")
	}
}
