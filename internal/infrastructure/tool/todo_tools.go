package tool

import (
	"context"
	"fmt"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	domaintool "github.com/nanami-ai/agentd/internal/domain/tool"
	"github.com/nanami-ai/agentd/internal/infrastructure/store"
)

// todoPayload 把任务列表折叠为模型友好的结构
func todoPayload(todos []entity.Todo) map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(todos))
	for _, t := range todos {
		items = append(items, map[string]interface{}{
			"id":          t.ID,
			"title":       t.Title,
			"description": t.Description,
			"status":      string(t.Status),
			"priority":    string(t.Priority),
			"agent_type":  string(t.AgentType),
			"order":       t.Order,
		})
	}
	return map[string]interface{}{"todos": items, "count": len(todos)}
}

func sessionFromArgs(args map[string]interface{}, fallback string) string {
	if v, ok := args["session_id"].(string); ok && v != "" {
		return v
	}
	return fallback
}

// NewTodoTools 构造主会话的 TODO 管理工具: 列表/创建/更新/删除/重排。
// 子 Agent 有单独的规划工具, 不走这里。
func NewTodoTools(todos *store.TodoStore) []domaintool.Tool {
	list := &domaintool.FuncTool{
		ToolName: "list_todos",
		Desc:     "列出当前会话的任务, 按状态与优先级智能排序。",
		Params: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			items, err := todos.List(sessionFromArgs(args, sessionID))
			if err != nil {
				return &entity.ToolResult{Error: true, Kind: "tool_failure", Message: err.Error()}, nil
			}
			return &entity.ToolResult{Data: todoPayload(items)}, nil
		},
	}

	create := &domaintool.FuncTool{
		ToolName: "create_todo",
		Desc:     "创建一个任务。priority 可选 high/medium/low, 默认 medium。",
		Params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"title":       map[string]interface{}{"type": "string", "description": "任务标题"},
				"description": map[string]interface{}{"type": "string"},
				"priority":    map[string]interface{}{"type": "string", "enum": []string{"high", "medium", "low"}},
			},
			"required": []string{"title"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			title, _ := args["title"].(string)
			desc, _ := args["description"].(string)
			priority, _ := args["priority"].(string)
			todo, err := todos.Create(sessionFromArgs(args, sessionID), entity.TodoCreate{
				Title:       title,
				Description: desc,
				Priority:    entity.TodoPriority(priority),
			})
			if err != nil {
				return &entity.ToolResult{Error: true, Kind: "tool_failure", Message: err.Error()}, nil
			}
			return &entity.ToolResult{Data: map[string]interface{}{
				"id":       todo.ID,
				"title":    todo.Title,
				"status":   string(todo.Status),
				"_summary": "已创建任务: " + todo.Title,
			}}, nil
		},
	}

	update := &domaintool.FuncTool{
		ToolName: "update_todo",
		Desc:     "按 id 更新任务。status 可选 pending/in_progress/completed。",
		Params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id":          map[string]interface{}{"type": "string"},
				"title":       map[string]interface{}{"type": "string"},
				"description": map[string]interface{}{"type": "string"},
				"status":      map[string]interface{}{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
				"priority":    map[string]interface{}{"type": "string", "enum": []string{"high", "medium", "low"}},
			},
			"required": []string{"id"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			id, _ := args["id"].(string)
			if id == "" {
				return &entity.ToolResult{Error: true, Kind: "argument_parse_error", Message: "缺少必填参数 id"}, nil
			}
			var patch entity.TodoUpdate
			if v, ok := args["title"].(string); ok {
				patch.Title = &v
			}
			if v, ok := args["description"].(string); ok {
				patch.Description = &v
			}
			if v, ok := args["status"].(string); ok {
				st := entity.TodoStatus(v)
				switch st {
				case entity.TodoPending, entity.TodoInProgress, entity.TodoCompleted:
					patch.Status = &st
				default:
					return &entity.ToolResult{Error: true, Kind: "argument_parse_error",
						Message: fmt.Sprintf("非法状态 %q", v)}, nil
				}
			}
			if v, ok := args["priority"].(string); ok {
				pr := entity.TodoPriority(v)
				patch.Priority = &pr
			}
			todo, err := todos.Update(sessionFromArgs(args, sessionID), id, patch)
			if err != nil {
				return &entity.ToolResult{Error: true, Kind: "tool_failure", Message: err.Error()}, nil
			}
			return &entity.ToolResult{Data: map[string]interface{}{
				"id":       todo.ID,
				"title":    todo.Title,
				"status":   string(todo.Status),
				"_summary": fmt.Sprintf("任务 %s 已更新为 %s", todo.Title, todo.Status),
			}}, nil
		},
	}

	del := &domaintool.FuncTool{
		ToolName: "delete_todo",
		Desc:     "按 id 删除任务, 剩余任务顺序号自动收紧。",
		Params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id": map[string]interface{}{"type": "string"},
			},
			"required": []string{"id"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			id, _ := args["id"].(string)
			if id == "" {
				return &entity.ToolResult{Error: true, Kind: "argument_parse_error", Message: "缺少必填参数 id"}, nil
			}
			if err := todos.Delete(sessionFromArgs(args, sessionID), id); err != nil {
				return &entity.ToolResult{Error: true, Kind: "tool_failure", Message: err.Error()}, nil
			}
			return &entity.ToolResult{Data: map[string]interface{}{"deleted": id}}, nil
		},
	}

	reorder := &domaintool.FuncTool{
		ToolName: "reorder_todos",
		Desc:     "按给定 id 数组重排任务。未知 id 忽略, 未提及的任务保持相对顺序追加到末尾。",
		Params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"ids": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
			},
			"required": []string{"ids"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			raw, _ := args["ids"].([]interface{})
			ids := make([]string, 0, len(raw))
			for _, v := range raw {
				if s, ok := v.(string); ok {
					ids = append(ids, s)
				}
			}
			items, err := todos.Reorder(sessionFromArgs(args, sessionID), ids)
			if err != nil {
				return &entity.ToolResult{Error: true, Kind: "tool_failure", Message: err.Error()}, nil
			}
			return &entity.ToolResult{Data: todoPayload(items)}, nil
		},
	}

	return []domaintool.Tool{list, create, update, del, reorder}
}
