package tool

import (
	"context"
	"time"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	"github.com/nanami-ai/agentd/internal/domain/memory"
	"github.com/nanami-ai/agentd/internal/domain/service"
	domaintool "github.com/nanami-ai/agentd/internal/domain/tool"
	"github.com/nanami-ai/agentd/internal/infrastructure/store"
	"go.uber.org/zap"
)

// SubAgentFactory 组装三类子 Agent 桥接工具的共享依赖。
// 每次桥接调用都会构造一个独立的 SubAgent 运行时 (独立注册表/记忆)。
type SubAgentFactory struct {
	Model       service.ModelClient
	Todos       service.TodoAccess
	Reports     *store.ReportStore
	NewMemory   func(sessionID string) *memory.Manager
	ToolTimeout time.Duration
	Concurrency int

	MaxIterations        int
	MaxHeavyCallsPerIter int
	IterationDelay       time.Duration

	Logger *zap.Logger
}

// newDispatcher 为子 Agent 的私有注册表构建调度器
func (f *SubAgentFactory) newDispatcher(reg domaintool.Registry) service.ToolDispatcher {
	return NewManager(reg, f.ToolTimeout, f.Concurrency, f.Logger)
}

const searchAgentPrompt = `你是深度搜索子代理。你的职责是围绕给定任务做彻底的联网调研:
先用 create_subagent_todo 把任务拆成可执行的搜索步骤, 然后逐条执行并用
update_subagent_todo 标记进度。引用来源, 优先一手资料。

可用工具:
%s`

const browserAgentPrompt = `你是浏览器子代理, 负责网页内容的抓取与解读:
先用 create_subagent_todo 规划步骤, 再用页面提取与爬取工具获取内容,
处理过程中及时更新 TODO 状态。

可用工具:
%s`

const windowsAgentPrompt = `你是桌面自动化子代理, 负责本地文件与缓存产物的整理归档:
先用 create_subagent_todo 规划步骤, 执行后及时更新状态。

可用工具:
%s`

// bridge 把一个 SubAgent 运行时包装成主循环可调用的工具
type bridge struct {
	name  string
	desc  string
	agent *service.SubAgent
}

func (b *bridge) Name() string        { return b.name }
func (b *bridge) Description() string { return b.desc }

func (b *bridge) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{"type": "string", "description": "委派给子代理的任务描述"},
			"context": map[string]interface{}{
				"type":        "object",
				"description": "补充上下文, 原样传给子代理",
			},
		},
		"required": []string{"task"},
	}
}

func (b *bridge) Execute(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
	task, _ := args["task"].(string)
	if task == "" {
		return &entity.ToolResult{Error: true, Kind: "argument_parse_error", Message: "缺少必填参数 task"}, nil
	}
	contextInfo, _ := args["context"].(map[string]interface{})

	rep := b.agent.Execute(ctx, task, contextInfo, sessionID)
	return compactReportResult(rep), nil
}

// compactReportResult 把紧凑报告折叠为 ToolResult。
// 失败也作为结果数据返回, 让主循环决定如何继续。
func compactReportResult(rep *entity.CompactReport) *entity.ToolResult {
	data := map[string]interface{}{
		"subagent":        rep.SubAgent,
		"summary":         rep.Summary,
		"key_findings":    rep.KeyFindings,
		"artifacts":       rep.Artifacts,
		"todos_completed": rep.TodosCompleted,
		"todos_total":     rep.TodosTotal,
		"iterations":      rep.Iterations,
	}
	if rep.ReportID != "" {
		data["report_id"] = rep.ReportID
	}
	if rep.Message != "" {
		data["message"] = rep.Message
	}
	return &entity.ToolResult{
		Error:   rep.Error,
		Message: rep.Summary,
		Data:    data,
	}
}

// NewSubAgentTools 构造 search/browser/windows 三个桥接工具。
// search 走 search_agent 档位并把完整报告落盘; 其余两类只回传紧凑摘要。
func NewSubAgentTools(f *SubAgentFactory, tavily []domaintool.Tool, fileTools []domaintool.Tool) []domaintool.Tool {
	searchStrategy := &service.SearchReportStrategy{
		Reports: f.Reports,
		Kind:    "search",
		Logger:  f.Logger,
	}

	search := &bridge{
		name: "search_subagent",
		desc: "委派深度搜索任务。子代理自带规划与多轮搜索, 返回紧凑摘要与 report_id。",
		agent: service.NewSubAgent(service.SubAgentConfig{
			Name:                 "SearchSubAgent",
			AgentType:            entity.AgentSearch,
			SystemPrompt:         searchAgentPrompt,
			MaxIterations:        f.MaxIterations,
			ModelProfile:         "search_agent",
			MaxHeavyCallsPerIter: f.MaxHeavyCallsPerIter,
			IterationDelay:       f.IterationDelay,
		}, f.Model, tavily, f.newDispatcher, f.Todos, searchStrategy, f.NewMemory, f.Logger),
	}

	// browser 只需要页面级工具, 不给完整搜索
	browserTools := make([]domaintool.Tool, 0, len(tavily))
	for _, t := range tavily {
		switch t.Name() {
		case "tavily_extract", "tavily_map", "tavily_crawl":
			browserTools = append(browserTools, t)
		}
	}
	browser := &bridge{
		name: "browser_subagent",
		desc: "委派网页抓取与解读任务, 返回紧凑摘要。",
		agent: service.NewSubAgent(service.SubAgentConfig{
			Name:                 "BrowserSubAgent",
			AgentType:            entity.AgentBrowser,
			SystemPrompt:         browserAgentPrompt,
			MaxIterations:        f.MaxIterations,
			ModelProfile:         "browser_agent",
			MaxHeavyCallsPerIter: f.MaxHeavyCallsPerIter,
			IterationDelay:       f.IterationDelay,
		}, f.Model, browserTools, f.newDispatcher, f.Todos, nil, f.NewMemory, f.Logger),
	}

	windows := &bridge{
		name: "windows_subagent",
		desc: "委派本地文件整理与缓存归档任务, 返回紧凑摘要。",
		agent: service.NewSubAgent(service.SubAgentConfig{
			Name:                 "WindowsSubAgent",
			AgentType:            entity.AgentWindows,
			SystemPrompt:         windowsAgentPrompt,
			MaxIterations:        f.MaxIterations,
			ModelProfile:         "windows_agent",
			MaxHeavyCallsPerIter: f.MaxHeavyCallsPerIter,
			IterationDelay:       f.IterationDelay,
		}, f.Model, fileTools, f.newDispatcher, f.Todos, nil, f.NewMemory, f.Logger),
	}

	return []domaintool.Tool{search, browser, windows}
}
