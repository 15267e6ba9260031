package tool

import (
	"context"
	"fmt"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	domaintool "github.com/nanami-ai/agentd/internal/domain/tool"
	"github.com/nanami-ai/agentd/internal/infrastructure/store"
)

// NewReportTools 构造报告检索工具。子 Agent 只回传紧凑摘要,
// 完整报告靠这些工具按 report_id 取回。
func NewReportTools(reports *store.ReportStore) []domaintool.Tool {
	read := &domaintool.FuncTool{
		ToolName: "read_report",
		Desc:     "按 report_id 读取完整的 markdown 执行报告。",
		Params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"report_id": map[string]interface{}{"type": "string"},
			},
			"required": []string{"report_id"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			id, _ := args["report_id"].(string)
			if id == "" {
				return &entity.ToolResult{Error: true, Kind: "argument_parse_error", Message: "缺少必填参数 report_id"}, nil
			}
			content, ok := reports.Read(id)
			if !ok {
				return &entity.ToolResult{Error: true, Kind: "tool_failure",
					Message: fmt.Sprintf("报告 %s 不存在", id)}, nil
			}
			return &entity.ToolResult{Data: map[string]interface{}{
				"report_id": id,
				"content":   content,
			}}, nil
		},
	}

	list := &domaintool.FuncTool{
		ToolName: "list_reports",
		Desc:     "列出最近的执行报告, 新者在前。limit 默认 20。",
		Params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"limit": map[string]interface{}{"type": "integer"},
			},
		},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			limit := 20
			if v, ok := args["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}
			infos := reports.List(limit)
			items := make([]map[string]interface{}, 0, len(infos))
			for _, info := range infos {
				items = append(items, map[string]interface{}{
					"report_id": info.ReportID,
					"date":      info.Date,
				})
			}
			return &entity.ToolResult{Data: map[string]interface{}{
				"reports": items,
				"count":   len(items),
			}}, nil
		},
	}

	del := &domaintool.FuncTool{
		ToolName: "delete_report",
		Desc:     "按 report_id 删除报告。",
		Params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"report_id": map[string]interface{}{"type": "string"},
			},
			"required": []string{"report_id"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			id, _ := args["report_id"].(string)
			if id == "" {
				return &entity.ToolResult{Error: true, Kind: "argument_parse_error", Message: "缺少必填参数 report_id"}, nil
			}
			if !reports.Delete(id) {
				return &entity.ToolResult{Error: true, Kind: "tool_failure",
					Message: fmt.Sprintf("报告 %s 不存在", id)}, nil
			}
			return &entity.ToolResult{Data: map[string]interface{}{"deleted": id}}, nil
		},
	}

	return []domaintool.Tool{read, list, del}
}
