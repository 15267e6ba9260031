package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name
const AppName = "agentd"

// Bootstrap ensures the data directory tree exists with default content.
// Called once at startup. Safe to call multiple times — only creates missing items.
func Bootstrap(cfg *Config, logger *zap.Logger) error {
	root := cfg.Data.Dir

	dirs := []string{
		root,
		filepath.Join(root, "todos"),
		filepath.Join(root, "reports"),
		filepath.Join(root, "uploads"),
		filepath.Join(root, "conversations"),
		filepath.Join(root, "exports"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	// Default files — only written if they don't already exist (never overwrite user edits)
	defaults := map[string]string{
		filepath.Join(root, "config.yaml"): defaultConfig,
	}
	if cfg.Data.LTMPath != "" {
		defaults[cfg.Data.LTMPath] = defaultLTM
	}

	created := 0
	for path, content := range defaults {
		if _, err := os.Stat(path); err == nil {
			continue // Already exists, skip
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			logger.Warn("Failed to write default file", zap.String("path", path), zap.Error(err))
			continue
		}
		created++
	}

	if created > 0 {
		logger.Info("Data directory bootstrap complete",
			zap.String("root", root),
			zap.Int("files_created", created),
		)
	} else {
		logger.Debug("Data directory OK", zap.String("root", root))
	}
	return nil
}

const defaultConfig = `# ═══════════════════════════════════════════════════════════════
# agentd Configuration / agentd 配置文件
# Auto-generated on first launch — feel free to edit
# 首次启动自动生成 — 可自由编辑
# ═══════════════════════════════════════════════════════════════

# ─── Server / 服务 ───────────────────────────────────────────
server:
  host: 0.0.0.0
  port: 18600

# ─── Logging / 日志 ──────────────────────────────────────────
log:
  level: info                  # debug | info | warn | error
  format: console              # console | json

# ─── Agent Core / Agent 核心 ─────────────────────────────────
agent:
  max_iterations: 20           # Main loop cap / 主循环步数上限
  auto_compact_ratio: 0.92     # Compact at 92% of context / 上下文 92% 时压缩
  tool_execution_timeout: 120  # Per-tool timeout seconds / 单工具超时秒数
  tool_result_max_size: 10240  # Result size cap / 工具结果尺寸上限
  max_tool_concurrency: 1      # Parallel tool calls / 并行工具数

# ─── Model Profiles / 模型档位 ───────────────────────────────
# Each profile can be overridden by <PROFILE>_API_KEY etc. env vars.
# 每个档位都可用 <PROFILE>_API_KEY 等环境变量覆盖。
models:
  main:
    base_url: ""
    api_key: ""
    model: ""
    context_length: 128000
`

const defaultLTM = `# 长期记忆

## 用户偏好总结

(暂无)
`
