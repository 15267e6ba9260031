package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	domaintool "github.com/nanami-ai/agentd/internal/domain/tool"
	"github.com/nanami-ai/agentd/internal/infrastructure/store"
)

// NewFileTools 构造文件缓存相关工具。截断进缓存的大结果通过
// save_cached_file 以 file_id 取回落盘。
func NewFileTools(files *store.FileStore, exportDir string) []domaintool.Tool {
	save := &domaintool.FuncTool{
		ToolName: "save_cached_file",
		Desc:     "把缓存中的文件 (file_id) 另存到导出目录, 返回落盘路径。",
		Params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_id":  map[string]interface{}{"type": "string", "description": "缓存文件标识"},
				"filename": map[string]interface{}{"type": "string", "description": "目标文件名, 省略时沿用缓存名"},
			},
			"required": []string{"file_id"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			fid, _ := args["file_id"].(string)
			if fid == "" {
				return &entity.ToolResult{Error: true, Kind: "argument_parse_error", Message: "缺少必填参数 file_id"}, nil
			}
			srcPath, ok := files.GetPath(fid)
			if !ok {
				return &entity.ToolResult{Error: true, Kind: "tool_failure",
					Message: fmt.Sprintf("缓存中不存在 file_id %s", fid)}, nil
			}
			data, ok := files.GetBytes(fid)
			if !ok {
				return &entity.ToolResult{Error: true, Kind: "tool_failure",
					Message: fmt.Sprintf("读取缓存文件 %s 失败", fid)}, nil
			}

			name, _ := args["filename"].(string)
			if name == "" {
				name = filepath.Base(srcPath)
			}
			if err := os.MkdirAll(exportDir, 0o755); err != nil {
				return &entity.ToolResult{Error: true, Kind: "tool_failure", Message: err.Error()}, nil
			}
			dst := filepath.Join(exportDir, filepath.Base(name))
			if err := os.WriteFile(dst, data, 0o644); err != nil {
				return &entity.ToolResult{Error: true, Kind: "tool_failure", Message: err.Error()}, nil
			}
			return &entity.ToolResult{Data: map[string]interface{}{
				"path":     dst,
				"size":     len(data),
				"_summary": "文件已保存到 " + dst,
			}}, nil
		},
	}

	list := &domaintool.FuncTool{
		ToolName: "list_cached_files",
		Desc:     "列出缓存文件数与总占用。",
		Params: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			count, total := files.Stats()
			return &entity.ToolResult{Data: map[string]interface{}{
				"count":       count,
				"total_bytes": total,
			}}, nil
		},
	}

	stats := &domaintool.FuncTool{
		ToolName: "storage_stats",
		Desc:     "查看文件缓存占用统计。",
		Params: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			count, total := files.Stats()
			return &entity.ToolResult{Data: map[string]interface{}{
				"count":       count,
				"total_bytes": total,
				"total_mb":    float64(total) / (1024 * 1024),
			}}, nil
		},
	}

	cleanup := &domaintool.FuncTool{
		ToolName: "cleanup_storage",
		Desc:     "清理文件缓存。max_age_hours 之前的文件删除, 之后仍超 max_total_mb 时从最旧开始删。",
		Params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"max_age_hours": map[string]interface{}{"type": "number", "description": "保留时长, 默认 72 小时"},
				"max_total_mb":  map[string]interface{}{"type": "number", "description": "总量上限, 默认 512 MB"},
			},
		},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			maxAgeHours := 72.0
			if v, ok := args["max_age_hours"].(float64); ok && v > 0 {
				maxAgeHours = v
			}
			maxTotalMB := 512.0
			if v, ok := args["max_total_mb"].(float64); ok && v > 0 {
				maxTotalMB = v
			}
			removed := files.Cleanup(
				time.Duration(maxAgeHours*float64(time.Hour)),
				int64(maxTotalMB*1024*1024),
			)
			return &entity.ToolResult{Data: map[string]interface{}{
				"removed":  removed,
				"_summary": fmt.Sprintf("清理了 %d 个缓存文件", removed),
			}}, nil
		},
	}

	return []domaintool.Tool{save, list, stats, cleanup}
}
