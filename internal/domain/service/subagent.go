package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	"github.com/nanami-ai/agentd/internal/domain/memory"
	domaintool "github.com/nanami-ai/agentd/internal/domain/tool"
	"go.uber.org/zap"
)

// forcedToolIterations 前几轮强制 tool_choice=required
const forcedToolIterations = 2

// SubAgentConfig is the value describing one concrete sub-agent kind.
// Kinds differ only in these fields; the runtime below is shared.
type SubAgentConfig struct {
	Name                 string           // e.g. "SearchSubAgent"
	AgentType            entity.AgentType // TODO 归属标签
	Description          string
	SystemPrompt         string // 模板, %s 处填工具清单
	MaxIterations        int
	ModelProfile         string // search_agent / browser_agent / windows_agent
	MaxHeavyCallsPerIter int    // 单轮重调用上限 (default 1)
	IterationDelay       time.Duration
}

// SubAgent runs an isolated loop with its own memory, its own tool subset
// and its own TODO working list, and returns a single compact report.
type SubAgent struct {
	cfg       SubAgentConfig
	model     ModelClient
	tools     []domaintool.Tool
	newDisp   func(reg domaintool.Registry) ToolDispatcher
	todos     TodoAccess
	strategy  ReportStrategy
	newMemory func(sessionID string) *memory.Manager
	logger    *zap.Logger
}

// NewSubAgent assembles a sub-agent runtime from its config and injected
// collaborators. newDisp builds a dispatcher over the per-run registry so
// planner tools can be bound to run-scoped state.
func NewSubAgent(
	cfg SubAgentConfig,
	model ModelClient,
	tools []domaintool.Tool,
	newDisp func(reg domaintool.Registry) ToolDispatcher,
	todos TodoAccess,
	strategy ReportStrategy,
	newMemory func(sessionID string) *memory.Manager,
	logger *zap.Logger,
) *SubAgent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 999
	}
	if cfg.MaxHeavyCallsPerIter <= 0 {
		cfg.MaxHeavyCallsPerIter = 1
	}
	if strategy == nil {
		strategy = InlineReportStrategy{}
	}
	return &SubAgent{
		cfg:       cfg,
		model:     model,
		tools:     tools,
		newDisp:   newDisp,
		todos:     todos,
		strategy:  strategy,
		newMemory: newMemory,
		logger:    logger,
	}
}

// subAgentRunState holds the per-run working TODO list the planner tools
// close over.
type subAgentRunState struct {
	sessionID string
	agentType entity.AgentType
	todos     TodoAccess
	working   []entity.Todo
}

// Execute runs the sub-agent loop for one task and returns the compact
// report. Failures are reported inside the record, never raised.
func (s *SubAgent) Execute(ctx context.Context, task string, contextInfo map[string]interface{}, sessionID string) *entity.CompactReport {
	logger := s.logger.With(
		zap.String("subagent", s.cfg.Name),
		zap.String("session_id", sessionID),
	)

	state := &subAgentRunState{
		sessionID: sessionID,
		agentType: s.cfg.AgentType,
		todos:     s.todos,
	}

	reg := domaintool.NewInMemoryRegistry()
	for _, t := range s.tools {
		if err := reg.Register(t); err != nil {
			logger.Warn("Tool registration failed", zap.String("tool", t.Name()), zap.Error(err))
		}
	}
	s.registerPlannerTools(reg, state)
	dispatch := s.newDisp(reg)

	mem := s.newMemory(sessionID + "_" + string(s.cfg.AgentType))
	mem.Add(entity.SystemMessage(fmt.Sprintf(s.cfg.SystemPrompt, domaintool.DescribeAll(reg))))

	userMsg := "任务: " + task
	if len(contextInfo) > 0 {
		userMsg += fmt.Sprintf("\n上下文: %v", contextInfo)
	}
	mem.Add(entity.UserMessage(userMsg))

	finalContent := ""
	iterations := 0

	for iter := 1; iter <= s.cfg.MaxIterations; iter++ {
		iterations = iter
		if err := ctx.Err(); err != nil {
			finalContent = "任务被取消"
			break
		}

		toolChoice := "auto"
		if iter <= forcedToolIterations {
			toolChoice = "required"
		}

		resp, err := s.model.Chat(ctx, s.cfg.ModelProfile, &ChatRequest{
			Messages:   mem.Context(),
			Tools:      dispatch.Definitions(),
			ToolChoice: toolChoice,
		})
		if err != nil {
			logger.Error("Sub-agent model call failed", zap.Int("iteration", iter), zap.Error(err))
			s.completeInProgress(state, logger)
			return &entity.CompactReport{
				Error:      true,
				Summary:    fmt.Sprintf("模型调用失败: %v", err),
				Iterations: iter,
				SubAgent:   s.cfg.Name,
			}
		}

		if len(resp.ToolCalls) == 0 {
			// 前两轮只回了文字: 提醒后继续, 不允许提前终止
			if iter <= forcedToolIterations {
				mem.Add(entity.AssistantMessage(resp.Content))
				mem.Add(entity.SystemMessage(
					"你必须先调用工具完成任务（第一步通常是 create_subagent_todo 规划），不要只输出文字。"))
				continue
			}
			finalContent = resp.Content
			mem.Add(entity.AssistantMessage(resp.Content))
			break
		}

		admitted, dropped := s.throttleHeavy(resp.ToolCalls)

		assistant := entity.Message{Role: entity.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
		mem.Add(assistant)

		results := dispatch.ExecuteToolCalls(ctx, admitted, sessionID)

		// 合并结果: 被限流的重调用补合成结果, 保证每个 tool_call_id 都有配对消息
		byID := make(map[string]string, len(resp.ToolCalls))
		for i, call := range admitted {
			byID[call.ID] = results[i].JSON()
		}
		for _, call := range dropped {
			deferred := entity.ToolResult{
				Error:   false,
				Message: "本轮重调用数已达上限，此调用被推迟；如仍需要请在后续轮次重新发起。",
			}
			byID[call.ID] = deferred.JSON()
		}
		for _, call := range resp.ToolCalls {
			mem.Add(entity.ToolMessage(call.ID, call.Name, byID[call.ID]))
		}

		mem.CheckAndCompact(ctx)

		if s.cfg.IterationDelay > 0 {
			select {
			case <-time.After(s.cfg.IterationDelay):
			case <-ctx.Done():
			}
		}
	}

	s.completeInProgress(state, logger)

	rep := buildCompactReport(ctx, s.model, s.cfg.Name, finalContent, mem.Context(), state.working, iterations, logger)
	run := &SubAgentRun{
		Task:       task,
		SessionID:  sessionID,
		AgentType:  s.cfg.AgentType,
		Transcript: mem.Context(),
		Todos:      state.working,
		Iterations: iterations,
		MaxIter:    s.cfg.MaxIterations,
	}
	if err := s.strategy.Finalize(ctx, rep, run); err != nil {
		logger.Warn("Report finalize failed", zap.Error(err))
	}
	return rep
}

// throttleHeavy admits all light calls and at most MaxHeavyCallsPerIter
// heavy ones (tavily_*, *_subagent); the rest are deferred.
func (s *SubAgent) throttleHeavy(calls []entity.ToolCall) (admitted, dropped []entity.ToolCall) {
	heavy := 0
	for _, call := range calls {
		if domaintool.IsHeavy(call.Name) {
			heavy++
			if heavy > s.cfg.MaxHeavyCallsPerIter {
				dropped = append(dropped, call)
				continue
			}
		}
		admitted = append(admitted, call)
	}
	return admitted, dropped
}

// completeInProgress marks still-running working todos completed in both
// the working list and the store. Pending items are left alone.
func (s *SubAgent) completeInProgress(state *subAgentRunState, logger *zap.Logger) {
	for i := range state.working {
		if state.working[i].Status != entity.TodoInProgress {
			continue
		}
		state.working[i].PreviousStatus = state.working[i].Status
		state.working[i].Status = entity.TodoCompleted
		if state.todos == nil {
			continue
		}
		status := entity.TodoCompleted
		if _, err := state.todos.Update(state.sessionID, state.working[i].ID, entity.TodoUpdate{Status: &status}); err != nil {
			logger.Warn("Todo auto-complete failed",
				zap.String("todo_id", state.working[i].ID),
				zap.Error(err),
			)
		}
	}
}

// registerPlannerTools binds create_subagent_todo / update_subagent_todo to
// the run state. create applies the reuse policy: when active todos of this
// agent type already exist in the session, no new ones are created.
func (s *SubAgent) registerPlannerTools(reg domaintool.Registry, state *subAgentRunState) {
	create := &domaintool.FuncTool{
		ToolName: "create_subagent_todo",
		Desc:     "将任务分解为 TODO 列表。已存在未完成 TODO 时返回 skipped 并复用现有列表。",
		Params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"todos": map[string]interface{}{
					"type":        "array",
					"description": "任务列表",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"title":       map[string]interface{}{"type": "string"},
							"description": map[string]interface{}{"type": "string"},
							"priority":    map[string]interface{}{"type": "string", "enum": []string{"high", "medium", "low"}},
						},
						"required": []string{"title"},
					},
				},
			},
			"required": []string{"todos"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			return s.createTodos(state, args)
		},
	}
	update := &domaintool.FuncTool{
		ToolName: "update_subagent_todo",
		Desc:     "更新 TODO 状态。index 为列表序号 (从 1 开始)。",
		Params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"index":  map[string]interface{}{"type": "integer", "description": "任务序号, 从 1 开始"},
				"status": map[string]interface{}{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
			},
			"required": []string{"index", "status"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			return s.updateTodo(state, args)
		},
	}
	_ = reg.Register(create)
	_ = reg.Register(update)
}

func (s *SubAgent) createTodos(state *subAgentRunState, args map[string]interface{}) (*entity.ToolResult, error) {
	// 复用策略: 会话里已有本类型的活跃 TODO 时直接接管, 不再新建
	if state.todos != nil {
		existing, err := state.todos.List(state.sessionID)
		if err == nil {
			var active []entity.Todo
			for i := range existing {
				if existing[i].AgentType == state.agentType && existing[i].Active() {
					active = append(active, existing[i])
				}
			}
			if len(active) > 0 {
				state.working = active
				return &entity.ToolResult{
					Data: map[string]interface{}{
						"skipped":  true,
						"message":  "已存在未完成 TODO，跳过创建，复用现有列表",
						"count":    len(active),
						"_summary": fmt.Sprintf("复用 %d 条现有 TODO", len(active)),
					},
				}, nil
			}
		}
	}

	items, _ := args["todos"].([]interface{})
	if len(items) == 0 {
		return &entity.ToolResult{Error: true, Kind: "argument_parse_error", Message: "todos 不能为空"}, nil
	}

	created := 0
	for _, raw := range items {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		title, _ := obj["title"].(string)
		if strings.TrimSpace(title) == "" {
			continue
		}
		desc, _ := obj["description"].(string)
		priority := entity.PriorityMedium
		if p, ok := obj["priority"].(string); ok && p != "" {
			priority = entity.TodoPriority(p)
		}

		todo := entity.Todo{
			Title:       title,
			Description: desc,
			Status:      entity.TodoPending,
			Priority:    priority,
			AgentType:   state.agentType,
		}
		if state.todos != nil {
			stored, err := state.todos.Create(state.sessionID, entity.TodoCreate{
				Title:       title,
				Description: desc,
				Priority:    priority,
				AgentType:   state.agentType,
			})
			if err == nil {
				todo = *stored
			}
		}
		state.working = append(state.working, todo)
		created++
	}

	return &entity.ToolResult{
		Data: map[string]interface{}{
			"created": created,
			"total":   len(state.working),
		},
	}, nil
}

func (s *SubAgent) updateTodo(state *subAgentRunState, args map[string]interface{}) (*entity.ToolResult, error) {
	idx, ok := toInt(args["index"])
	if !ok || idx < 1 || idx > len(state.working) {
		return &entity.ToolResult{
			Error: true, Kind: "argument_parse_error",
			Message: fmt.Sprintf("index 越界: %v (共 %d 条)", args["index"], len(state.working)),
		}, nil
	}
	statusStr, _ := args["status"].(string)
	status := entity.TodoStatus(statusStr)
	switch status {
	case entity.TodoPending, entity.TodoInProgress, entity.TodoCompleted:
	default:
		return &entity.ToolResult{Error: true, Kind: "argument_parse_error", Message: "非法 status: " + statusStr}, nil
	}

	item := &state.working[idx-1]
	item.PreviousStatus = item.Status
	item.Status = status
	if state.todos != nil && item.ID != "" {
		if _, err := state.todos.Update(state.sessionID, item.ID, entity.TodoUpdate{Status: &status}); err != nil {
			return &entity.ToolResult{Error: true, Kind: "tool_failure", Message: err.Error()}, nil
		}
	}
	return &entity.ToolResult{
		Data: map[string]interface{}{
			"index":  idx,
			"title":  item.Title,
			"status": string(status),
		},
	}, nil
}

// toInt tolerates the numeric shapes JSON decoding produces.
func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
