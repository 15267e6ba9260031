package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	"github.com/nanami-ai/agentd/internal/domain/memory"
	domaintool "github.com/nanami-ai/agentd/internal/domain/tool"
)

// === Test doubles ===

type scriptStep struct {
	resp *ChatResponse
	err  error
}

// fakeModel 按脚本逐轮返回, 并记录每轮请求
type fakeModel struct {
	script   []scriptStep
	requests []*ChatRequest
	profiles []string
}

func (m *fakeModel) Chat(ctx context.Context, profile string, req *ChatRequest) (*ChatResponse, error) {
	m.profiles = append(m.profiles, profile)
	m.requests = append(m.requests, req)
	if len(m.script) == 0 {
		return nil, errors.New("script exhausted")
	}
	step := m.script[0]
	m.script = m.script[1:]
	return step.resp, step.err
}

func (m *fakeModel) ContextLength(profile string) int { return 100000 }

// scriptDispatcher 串行执行注册表里的工具, 记录实际被调度的调用
type scriptDispatcher struct {
	reg      domaintool.Registry
	executed []entity.ToolCall
}

func (d *scriptDispatcher) ExecuteToolCalls(ctx context.Context, calls []entity.ToolCall, sessionID string) []entity.ToolResult {
	out := make([]entity.ToolResult, len(calls))
	for i, call := range calls {
		d.executed = append(d.executed, call)
		t, ok := d.reg.Get(call.Name)
		if !ok {
			out[i] = entity.ToolResult{Error: true, Kind: "unknown_tool", Message: call.Name}
			continue
		}
		args := make(map[string]interface{})
		if call.Arguments != "" {
			_ = json.Unmarshal([]byte(call.Arguments), &args)
		}
		res, err := t.Execute(ctx, args, sessionID)
		if err != nil {
			out[i] = entity.ToolResult{Error: true, Kind: "tool_failure", Message: err.Error()}
			continue
		}
		out[i] = *res
	}
	return out
}

func (d *scriptDispatcher) Definitions() []domaintool.Definition { return d.reg.List() }
func (d *scriptDispatcher) Describe() string                     { return domaintool.DescribeAll(d.reg) }

// fakeTodos 内存 TODO 存储
type fakeTodos struct {
	items   []entity.Todo
	created int
	nextID  int
}

func (f *fakeTodos) List(sessionID string) ([]entity.Todo, error) {
	out := make([]entity.Todo, len(f.items))
	copy(out, f.items)
	return out, nil
}

func (f *fakeTodos) Create(sessionID string, c entity.TodoCreate) (*entity.Todo, error) {
	f.nextID++
	f.created++
	todo := entity.Todo{
		ID:        fmt.Sprintf("td%d", f.nextID),
		Title:     c.Title,
		Status:    entity.TodoPending,
		Priority:  c.Priority,
		AgentType: c.AgentType,
	}
	f.items = append(f.items, todo)
	return &todo, nil
}

func (f *fakeTodos) Update(sessionID, id string, patch entity.TodoUpdate) (*entity.Todo, error) {
	for i := range f.items {
		if f.items[i].ID != id {
			continue
		}
		if patch.Status != nil {
			f.items[i].PreviousStatus = f.items[i].Status
			f.items[i].Status = *patch.Status
		}
		return &f.items[i], nil
	}
	return nil, errors.New("todo not found")
}

// === Harness ===

func newTestSubAgent(model ModelClient, todos TodoAccess, tools []domaintool.Tool, maxHeavy int, dispOut **scriptDispatcher, dir string) *SubAgent {
	cfg := SubAgentConfig{
		Name:                 "SearchSubAgent",
		AgentType:            entity.AgentSearch,
		Description:          "深度搜索",
		SystemPrompt:         "你是搜索代理。\n可用工具:\n%s",
		MaxIterations:        6,
		ModelProfile:         "search_agent",
		MaxHeavyCallsPerIter: maxHeavy,
	}
	newDisp := func(reg domaintool.Registry) ToolDispatcher {
		d := &scriptDispatcher{reg: reg}
		*dispOut = d
		return d
	}
	newMemory := func(sessionID string) *memory.Manager {
		return memory.NewManager(sessionID, dir, 100000, 0.92, nil, testLogger())
	}
	return NewSubAgent(cfg, model, tools, newDisp, todos, nil, newMemory, testLogger())
}

func searchTool() domaintool.Tool {
	return &domaintool.FuncTool{
		ToolName: "tavily_search",
		Desc:     "搜索",
		Params:   map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			return &entity.ToolResult{Data: map[string]interface{}{"_summary": "搜到结果"}}, nil
		},
	}
}

func call(id, name, args string) entity.ToolCall {
	return entity.ToolCall{ID: id, Name: name, Arguments: args}
}

// === Forced tool use ===

func TestSubAgent_ForcedToolIterations(t *testing.T) {
	model := &fakeModel{script: []scriptStep{
		{resp: &ChatResponse{Content: "我先说两句"}},
		{resp: &ChatResponse{ToolCalls: []entity.ToolCall{
			call("c1", "create_subagent_todo", `{"todos":[{"title":"步骤一"}]}`),
		}}},
		{resp: &ChatResponse{Content: "任务完成"}},
	}}
	todos := &fakeTodos{}
	var disp *scriptDispatcher
	agent := newTestSubAgent(model, todos, nil, 1, &disp, t.TempDir())

	rep := agent.Execute(context.Background(), "查资料", nil, "sess")
	if rep.Error {
		t.Fatalf("unexpected error report: %+v", rep)
	}
	if rep.Summary != "任务完成" {
		t.Errorf("summary = %q", rep.Summary)
	}
	if rep.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", rep.Iterations)
	}

	// 前两轮强制工具调用, 之后放开
	wantChoice := []string{"required", "required", "auto"}
	for i, want := range wantChoice {
		if model.requests[i].ToolChoice != want {
			t.Errorf("round %d tool_choice = %q, want %q", i+1, model.requests[i].ToolChoice, want)
		}
	}

	// 第一轮只回文字后, 第二轮上下文里应带提醒
	found := false
	for _, msg := range model.requests[1].Messages {
		if msg.Role == entity.RoleSystem && strings.Contains(msg.Content, "必须先调用工具") {
			found = true
		}
	}
	if !found {
		t.Error("reminder system message missing after text-only round")
	}
}

// === TODO reuse ===

func TestSubAgent_TodoReusePolicy(t *testing.T) {
	todos := &fakeTodos{items: []entity.Todo{
		{ID: "old1", Title: "已有任务", Status: entity.TodoPending, AgentType: entity.AgentSearch},
	}}
	model := &fakeModel{script: []scriptStep{
		{resp: &ChatResponse{ToolCalls: []entity.ToolCall{
			call("c1", "create_subagent_todo", `{"todos":[{"title":"新任务"}]}`),
		}}},
		{resp: &ChatResponse{ToolCalls: []entity.ToolCall{
			call("c2", "update_subagent_todo", `{"index":1,"status":"completed"}`),
		}}},
		{resp: &ChatResponse{Content: "done"}},
	}}
	var disp *scriptDispatcher
	agent := newTestSubAgent(model, todos, nil, 1, &disp, t.TempDir())

	rep := agent.Execute(context.Background(), "继续查", nil, "sess")
	if todos.created != 0 {
		t.Errorf("reuse policy violated: %d new todos created", todos.created)
	}
	// create 的工具结果应标记 skipped
	skipped := false
	for _, msg := range model.requests[1].Messages {
		if msg.Role == entity.RoleTool && msg.ToolCallID == "c1" &&
			strings.Contains(msg.Content, `"skipped":true`) {
			skipped = true
		}
	}
	if !skipped {
		t.Error("create result should carry skipped:true")
	}
	if rep.TodosTotal != 1 || rep.TodosCompleted != 1 {
		t.Errorf("todo accounting = %d/%d, want 1/1", rep.TodosCompleted, rep.TodosTotal)
	}
}

// === Heavy call throttling ===

func TestSubAgent_HeavyThrottle(t *testing.T) {
	model := &fakeModel{script: []scriptStep{
		{resp: &ChatResponse{ToolCalls: []entity.ToolCall{
			call("h1", "tavily_search", `{"query":"a"}`),
			call("h2", "tavily_search", `{"query":"b"}`),
			call("h3", "tavily_search", `{"query":"c"}`),
		}}},
		{resp: &ChatResponse{ToolCalls: []entity.ToolCall{
			call("c9", "create_subagent_todo", `{"todos":[{"title":"t"}]}`),
		}}},
		{resp: &ChatResponse{Content: "done"}},
	}}
	todos := &fakeTodos{}
	var disp *scriptDispatcher
	agent := newTestSubAgent(model, todos, []domaintool.Tool{searchTool()}, 1, &disp, t.TempDir())

	agent.Execute(context.Background(), "并发搜索", nil, "sess")

	// 单轮只放行一个重调用
	executedHeavy := 0
	for _, c := range disp.executed {
		if c.Name == "tavily_search" {
			executedHeavy++
		}
	}
	if executedHeavy != 1 {
		t.Errorf("expected 1 heavy call dispatched, got %d", executedHeavy)
	}

	// 每个 tool_call_id 都要有配对消息, 被推迟的带说明
	paired := map[string]string{}
	for _, msg := range model.requests[1].Messages {
		if msg.Role == entity.RoleTool {
			paired[msg.ToolCallID] = msg.Content
		}
	}
	for _, id := range []string{"h1", "h2", "h3"} {
		if _, ok := paired[id]; !ok {
			t.Errorf("tool call %s has no paired tool message", id)
		}
	}
	for _, id := range []string{"h2", "h3"} {
		if !strings.Contains(paired[id], "推迟") {
			t.Errorf("deferred call %s should carry the deferral notice, got %q", id, paired[id])
		}
	}
}

// === Auto-complete on exit ===

func TestSubAgent_AutoCompleteInProgress(t *testing.T) {
	model := &fakeModel{script: []scriptStep{
		{resp: &ChatResponse{ToolCalls: []entity.ToolCall{
			call("c1", "create_subagent_todo", `{"todos":[{"title":"唯一任务"}]}`),
		}}},
		{resp: &ChatResponse{ToolCalls: []entity.ToolCall{
			call("c2", "update_subagent_todo", `{"index":1,"status":"in_progress"}`),
		}}},
		{resp: &ChatResponse{Content: "中途结束"}},
	}}
	todos := &fakeTodos{}
	var disp *scriptDispatcher
	agent := newTestSubAgent(model, todos, nil, 1, &disp, t.TempDir())

	rep := agent.Execute(context.Background(), "t", nil, "sess")
	if rep.TodosCompleted != 1 {
		t.Errorf("in_progress todo must be auto-completed, got %d/%d", rep.TodosCompleted, rep.TodosTotal)
	}
	if todos.items[0].Status != entity.TodoCompleted {
		t.Errorf("store not updated on auto-complete: %s", todos.items[0].Status)
	}
}

// === Model failure ===

func TestSubAgent_ModelFailure(t *testing.T) {
	model := &fakeModel{script: []scriptStep{
		{err: errors.New("upstream 500")},
	}}
	todos := &fakeTodos{}
	var disp *scriptDispatcher
	agent := newTestSubAgent(model, todos, nil, 1, &disp, t.TempDir())

	rep := agent.Execute(context.Background(), "t", nil, "sess")
	if !rep.Error {
		t.Fatal("model failure must produce an error report")
	}
	if !strings.Contains(rep.Summary, "模型调用失败") {
		t.Errorf("summary should describe the failure, got %q", rep.Summary)
	}
	if rep.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", rep.Iterations)
	}
}

// === Report harvesting ===

func TestHarvestToolData(t *testing.T) {
	ok1 := entity.ToolResult{Data: map[string]interface{}{
		"_summary": "发现 A", "file_id": "f1",
	}}
	ok2 := entity.ToolResult{Data: map[string]interface{}{
		"_summary": "发现 A", "screenshot_file_id": "f2", // 重复 finding 去重
	}}
	bad := entity.ToolResult{Error: true, Data: map[string]interface{}{"_summary": "失败记录"}}

	msgs := []entity.Message{
		entity.UserMessage("u"),
		entity.ToolMessage("a", "tool_a", ok1.JSON()),
		entity.ToolMessage("b", "tool_b", ok2.JSON()),
		entity.ToolMessage("c", "tool_c", bad.JSON()),
	}
	findings, artifacts := harvestToolData(msgs)
	if len(findings) != 1 || findings[0] != "发现 A" {
		t.Errorf("findings = %v", findings)
	}
	if len(artifacts) != 2 {
		t.Errorf("artifacts = %v, want f1 and f2", artifacts)
	}
}
