package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	domaintool "github.com/nanami-ai/agentd/internal/domain/tool"
	"go.uber.org/zap"
)

// effectivelyInfinite 非正超时的替代上界
const effectivelyInfinite = 24 * time.Hour

// Manager 工具注册与统一调度入口。所有 agent 调用工具都必须经过这里:
// 超时、session 注入、批量并发都在此处收口。
type Manager struct {
	registry       domaintool.Registry
	defaultTimeout time.Duration
	concurrency    int
	logger         *zap.Logger
}

// NewManager 创建工具管理器。
// defaultTimeout <=0 视为无限; concurrency <1 回退为 1 (串行)。
func NewManager(registry domaintool.Registry, defaultTimeout time.Duration, concurrency int, logger *zap.Logger) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = effectivelyInfinite
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Manager{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		concurrency:    concurrency,
		logger:         logger,
	}
}

// Register 注册工具
func (m *Manager) Register(t domaintool.Tool) error {
	return m.registry.Register(t)
}

// Definitions 导出全部工具定义
func (m *Manager) Definitions() []domaintool.Definition {
	return m.registry.List()
}

// Describe 渲染工具清单, 拼进系统提示词
func (m *Manager) Describe() string {
	return domaintool.DescribeAll(m.registry)
}

// resolveTimeout 超时优先级: args._timeout > 默认值。非正值表示无限。
func (m *Manager) resolveTimeout(args map[string]interface{}) time.Duration {
	if raw, ok := args["_timeout"]; ok {
		var secs float64
		switch v := raw.(type) {
		case float64:
			secs = v
		case int:
			secs = float64(v)
		default:
			return m.defaultTimeout
		}
		if secs <= 0 {
			return effectivelyInfinite
		}
		return time.Duration(secs * float64(time.Second))
	}
	return m.defaultTimeout
}

// ExecuteTool 调度单个工具。所有失败都折叠为结果记录, 不向上抛。
func (m *Manager) ExecuteTool(ctx context.Context, name string, args map[string]interface{}, sessionID string) *entity.ToolResult {
	t, ok := m.registry.Get(name)
	if !ok {
		return &entity.ToolResult{
			Error: true, Kind: "unknown_tool",
			Message: fmt.Sprintf("工具 %s 未注册", name),
		}
	}

	if args == nil {
		args = make(map[string]interface{})
	}
	// 子 Agent 与 TODO 工具需要会话隔离, 调用方没给时自动注入
	if domaintool.IsSubAgent(name) || domaintool.IsTodoTool(name) {
		if _, ok := args["session_id"]; !ok && sessionID != "" {
			args["session_id"] = sessionID
		}
	}

	timeout := m.resolveTimeout(args)
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	type execOut struct {
		res *entity.ToolResult
		err error
	}
	outCh := make(chan execOut, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outCh <- execOut{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		res, err := t.Execute(toolCtx, args, sessionID)
		outCh <- execOut{res: res, err: err}
	}()

	select {
	case out := <-outCh:
		duration := time.Since(start)
		if out.err != nil {
			m.logger.Error("Tool execution failed",
				zap.String("tool", name),
				zap.Duration("duration", duration),
				zap.Error(out.err),
			)
			return &entity.ToolResult{
				Error: true, Kind: "tool_failure",
				Message: out.err.Error(),
			}
		}
		if out.res == nil {
			return &entity.ToolResult{
				Error: true, Kind: "tool_failure",
				Message: "tool returned no result",
			}
		}
		m.logger.Debug("Tool executed",
			zap.String("tool", name),
			zap.Duration("duration", duration),
			zap.Bool("error", out.res.Error),
		)
		return out.res
	case <-toolCtx.Done():
		m.logger.Warn("Tool timed out",
			zap.String("tool", name),
			zap.Duration("timeout", timeout),
		)
		return &entity.ToolResult{
			Error: true, Kind: "timeout",
			Message: fmt.Sprintf("工具 %s 超时 (%.0fs)", name, timeout.Seconds()),
		}
	}
}

// ExecuteToolCalls 批量调度。并发由信号量限制, 结果按输入顺序返回;
// 参数解析失败在对应下标产出 argument_parse_error 结果。
func (m *Manager) ExecuteToolCalls(ctx context.Context, calls []entity.ToolCall, sessionID string) []entity.ToolResult {
	results := make([]entity.ToolResult, len(calls))
	var wg sync.WaitGroup
	sem := make(chan struct{}, m.concurrency)

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call entity.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = entity.ToolResult{
					Error: true, Kind: "tool_failure",
					Message: "context cancelled",
				}
				return
			}

			args := make(map[string]interface{})
			if call.Arguments != "" {
				if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
					results[idx] = entity.ToolResult{
						Error: true, Kind: "argument_parse_error",
						Message: fmt.Sprintf("工具 %s 参数解析失败: %v", call.Name, err),
					}
					return
				}
			}
			results[idx] = *m.ExecuteTool(ctx, call.Name, args, sessionID)
		}(i, call)
	}

	wg.Wait()
	return results
}
