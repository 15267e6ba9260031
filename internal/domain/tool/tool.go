package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nanami-ai/agentd/internal/domain/entity"
)

// Tool 工具接口 - 所有可执行工具的抽象
type Tool interface {
	// Name 返回工具名称
	Name() string
	// Description 返回工具描述 (提示模型用的自由文本)
	Description() string
	// Schema 返回参数的 JSON Schema
	Schema() map[string]interface{}
	// Execute 执行工具。失败以 ToolResult.Error=true 表达, 返回 error
	// 仅用于超时/取消等调度层故障。
	Execute(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error)
}

// Definition 工具定义, 以 OpenAI function 格式传递给模型
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// IsSubAgent 判断工具名是否为子 Agent 桥接工具
func IsSubAgent(name string) bool {
	return strings.HasSuffix(name, "_subagent")
}

// IsTodoTool 判断工具名是否为 TODO 工具 (需要注入 session_id)
func IsTodoTool(name string) bool {
	return strings.Contains(name, "todo")
}

// IsHeavy 判断是否为重调用: tavily_* 与 *_subagent 单轮限流
func IsHeavy(name string) bool {
	return strings.HasPrefix(name, "tavily_") || IsSubAgent(name)
}

// Registry 工具注册表接口
type Registry interface {
	Register(tool Tool) error
	Unregister(name string) error
	Get(name string) (Tool, bool)
	List() []Definition
	Has(name string) bool
	Names() []string
}

// InMemoryRegistry 内存工具注册表
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewInMemoryRegistry 创建内存注册表
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		tools: make(map[string]Tool),
	}
}

// Register 注册工具
func (r *InMemoryRegistry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	r.tools[name] = tool
	return nil
}

// Unregister 注销工具
func (r *InMemoryRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}

	delete(r.tools, name)
	return nil
}

// Get 获取工具
func (r *InMemoryRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	return tool, exists
}

// List 列出所有工具定义, 按名称排序保证稳定
func (r *InMemoryRegistry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, Definition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Has 检查工具是否存在
func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.tools[name]
	return exists
}

// Names 返回已注册工具名, 按名称排序
func (r *InMemoryRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DescribeAll 生成工具清单文本, 拼进系统提示词
func DescribeAll(r Registry) string {
	defs := r.List()
	if len(defs) == 0 {
		return "(无可用工具)"
	}
	var b strings.Builder
	for _, d := range defs {
		desc := d.Description
		if idx := strings.IndexByte(desc, '\n'); idx >= 0 {
			desc = desc[:idx]
		}
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, desc)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FuncTool 以函数形式注册的简单工具
type FuncTool struct {
	ToolName string
	Desc     string
	Params   map[string]interface{}
	Fn       func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error)
}

func (t *FuncTool) Name() string                   { return t.ToolName }
func (t *FuncTool) Description() string            { return t.Desc }
func (t *FuncTool) Schema() map[string]interface{} { return t.Params }

func (t *FuncTool) Execute(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
	return t.Fn(ctx, args, sessionID)
}
