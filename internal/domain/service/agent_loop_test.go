package service

import (
	"context"
	"strings"
	"testing"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	"github.com/nanami-ai/agentd/internal/domain/memory"
	domaintool "github.com/nanami-ai/agentd/internal/domain/tool"
)

// fakeLTM 内存长期记忆
type fakeLTM struct {
	content  string
	appended []string
}

func (f *fakeLTM) ReadAll() (string, error) { return f.content, nil }
func (f *fakeLTM) Append(title, content string, tags []string) error {
	f.appended = append(f.appended, content)
	return nil
}

func newTestLoop(t *testing.T, model ModelClient, tools []domaintool.Tool, cfg LoopConfig) (*AgentLoop, *scriptDispatcher, *fakeFileCache) {
	t.Helper()
	reg := domaintool.NewInMemoryRegistry()
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	disp := &scriptDispatcher{reg: reg}
	files := newFakeFileCache()
	dir := t.TempDir()
	newMemory := func(sessionID string) *memory.Manager {
		return memory.NewManager(sessionID, dir, 100000, 0.92, nil, testLogger())
	}
	loop := NewAgentLoop(model, disp, &fakeTodos{}, files, &fakeLTM{}, newMemory, cfg, testLogger())
	return loop, disp, files
}

func drain(ch <-chan entity.AgentEvent) []entity.AgentEvent {
	var out []entity.AgentEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func eventTypes(events []entity.AgentEvent) []entity.AgentEventType {
	out := make([]entity.AgentEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// === Text-only turn ===

func TestLoop_TextOnlyTurn(t *testing.T) {
	model := &fakeModel{script: []scriptStep{
		{resp: &ChatResponse{Content: "你好，我能帮你做什么？"}},
	}}
	loop, _, _ := newTestLoop(t, model, nil, LoopConfig{})

	events := drain(loop.Run(context.Background(), RunRequest{
		UserInput:     "你好",
		SessionID:     "s1",
		MaxIterations: -1,
	}))

	types := eventTypes(events)
	if types[0] != entity.EventMeta {
		t.Errorf("first event = %s, want meta", types[0])
	}
	if types[len(types)-1] != entity.EventDone {
		t.Errorf("last event = %s, want done", types[len(types)-1])
	}

	var content strings.Builder
	for _, ev := range events {
		if ev.Type == entity.EventContent {
			content.WriteString(ev.Content)
		}
	}
	if content.String() != "你好，我能帮你做什么？" {
		t.Errorf("content = %q", content.String())
	}
}

// === Tool round trip ===

func TestLoop_ToolRoundTrip(t *testing.T) {
	model := &fakeModel{script: []scriptStep{
		{resp: &ChatResponse{ToolCalls: []entity.ToolCall{
			call("c1", "echo", `{"msg":"hi"}`),
		}}},
		{resp: &ChatResponse{Content: "工具返回了 hi"}},
	}}
	echo := &domaintool.FuncTool{
		ToolName: "echo",
		Desc:     "回显",
		Params:   map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			return &entity.ToolResult{Message: "hi"}, nil
		},
	}
	loop, _, _ := newTestLoop(t, model, []domaintool.Tool{echo}, LoopConfig{})

	events := drain(loop.Run(context.Background(), RunRequest{
		UserInput: "试试工具", SessionID: "s2", MaxIterations: -1,
	}))

	var sawCall, sawResult bool
	for _, ev := range events {
		switch ev.Type {
		case entity.EventToolCall:
			sawCall = true
			if ev.ToolCall.Count != 1 {
				t.Errorf("tool_call count = %d, want 1", ev.ToolCall.Count)
			}
		case entity.EventToolResult:
			sawResult = true
			if ev.ToolCall.Name != "echo" {
				t.Errorf("tool_result name = %q", ev.ToolCall.Name)
			}
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("missing tool events: call=%v result=%v", sawCall, sawResult)
	}

	// 第二轮上下文: assistant 带 tool_calls, 紧随配对的 tool 消息
	msgs := model.requests[1].Messages
	var paired bool
	for i := range msgs {
		if msgs[i].Role == entity.RoleTool && msgs[i].ToolCallID == "c1" {
			paired = true
			if i == 0 || len(msgs[i-1].ToolCalls) == 0 {
				t.Error("tool message must follow the assistant message carrying the call")
			}
		}
	}
	if !paired {
		t.Error("tool message for c1 missing from second round context")
	}
}

// === Zero iterations ===

func TestLoop_ZeroIterations(t *testing.T) {
	model := &fakeModel{}
	loop, _, _ := newTestLoop(t, model, nil, LoopConfig{})

	events := drain(loop.Run(context.Background(), RunRequest{
		UserInput: "只写入历史", SessionID: "s3", MaxIterations: 0,
	}))

	if len(model.requests) != 0 {
		t.Errorf("zero iterations must not call the model, got %d calls", len(model.requests))
	}
	types := eventTypes(events)
	if types[len(types)-1] != entity.EventDone {
		t.Errorf("expected done terminal event, got %v", types)
	}
}

// === Iteration cap ===

func TestLoop_IterationCapWarning(t *testing.T) {
	alwaysCalls := &ChatResponse{ToolCalls: []entity.ToolCall{
		call("c1", "echo", `{}`),
	}}
	model := &fakeModel{script: []scriptStep{
		{resp: alwaysCalls}, {resp: alwaysCalls},
	}}
	echo := &domaintool.FuncTool{
		ToolName: "echo",
		Desc:     "回显",
		Params:   map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			return &entity.ToolResult{}, nil
		},
	}
	loop, _, _ := newTestLoop(t, model, []domaintool.Tool{echo}, LoopConfig{})

	events := drain(loop.Run(context.Background(), RunRequest{
		UserInput: "停不下来", SessionID: "s4", MaxIterations: 2,
	}))

	if len(model.requests) != 2 {
		t.Errorf("expected exactly 2 model calls, got %d", len(model.requests))
	}
	var warned bool
	for _, ev := range events {
		if ev.Type == entity.EventContent && strings.Contains(ev.Content, "最大迭代次数") {
			warned = true
		}
	}
	if !warned {
		t.Error("iteration cap warning missing")
	}
	if events[len(events)-1].Type != entity.EventDone {
		t.Error("stream must terminate with done even at the cap")
	}
}

// === Resumed sessions ===

func TestLoop_ResumedSessionSinglePreamble(t *testing.T) {
	model := &fakeModel{script: []scriptStep{
		{resp: &ChatResponse{Content: "第一轮回复"}},
		{resp: &ChatResponse{Content: "第二轮回复"}},
	}}
	disp := &scriptDispatcher{reg: domaintool.NewInMemoryRegistry()}
	dir := t.TempDir()
	newMemory := func(sessionID string) *memory.Manager {
		m := memory.NewManager(sessionID, dir, 100000, 0.92, nil, testLogger())
		if err := m.LoadFromDisk(); err != nil {
			t.Fatalf("reload: %v", err)
		}
		return m
	}
	loop := NewAgentLoop(model, disp, &fakeTodos{}, newFakeFileCache(), &fakeLTM{}, newMemory, LoopConfig{}, testLogger())

	drain(loop.Run(context.Background(), RunRequest{
		UserInput: "第一问", SessionID: "resume", MaxIterations: -1,
	}))
	drain(loop.Run(context.Background(), RunRequest{
		UserInput: "第二问", SessionID: "resume", MaxIterations: -1,
		History: []entity.Message{
			entity.UserMessage("客户端重复回放"),
			entity.AssistantMessage("旧回答"),
		},
	}))

	msgs := model.requests[1].Messages
	prompts := 0
	for _, msg := range msgs {
		if msg.Role == entity.RoleSystem && strings.Contains(msg.Content, "可用工具") {
			prompts++
		}
		if strings.Contains(msg.Content, "客户端重复回放") {
			t.Error("request history must be ignored once the transcript exists")
		}
	}
	if prompts != 1 {
		t.Errorf("resumed session carries %d system prompts, want 1", prompts)
	}
	// system + 第一问 + 第一轮回复 + 第二问
	if len(msgs) != 4 {
		t.Errorf("second turn context = %d messages, want 4", len(msgs))
	}
}

func TestLoop_FreshSessionReplaysHistory(t *testing.T) {
	model := &fakeModel{script: []scriptStep{
		{resp: &ChatResponse{Content: "好的"}},
	}}
	loop, _, _ := newTestLoop(t, model, nil, LoopConfig{})

	drain(loop.Run(context.Background(), RunRequest{
		UserInput: "继续", SessionID: "fresh", MaxIterations: -1,
		History: []entity.Message{
			entity.UserMessage("之前的问题"),
			entity.AssistantMessage("之前的回答"),
		},
	}))

	var replayed int
	for _, msg := range model.requests[0].Messages {
		if strings.Contains(msg.Content, "之前的") {
			replayed++
		}
	}
	if replayed != 2 {
		t.Errorf("fresh session should replay request history, got %d of 2", replayed)
	}
}

// === Sub-agent result digest ===

func TestLoop_SubAgentResultDigest(t *testing.T) {
	rep := map[string]interface{}{
		"subagent":        "SearchSubAgent",
		"summary":         "找到三篇论文",
		"key_findings":    []interface{}{"发现 1", "发现 2"},
		"todos_completed": 2,
		"todos_total":     2,
		"iterations":      3,
		"report_id":       "20260824_120000_ab12cd34",
	}
	bridge := &domaintool.FuncTool{
		ToolName: "search_subagent",
		Desc:     "搜索子代理",
		Params:   map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			return &entity.ToolResult{Message: "深度搜索完成", Data: rep}, nil
		},
	}
	model := &fakeModel{script: []scriptStep{
		{resp: &ChatResponse{ToolCalls: []entity.ToolCall{
			call("c1", "search_subagent", `{"task":"查论文"}`),
		}}},
		{resp: &ChatResponse{Content: "汇总完成"}},
	}}
	loop, _, _ := newTestLoop(t, model, []domaintool.Tool{bridge}, LoopConfig{})

	events := drain(loop.Run(context.Background(), RunRequest{
		UserInput: "帮我查论文", SessionID: "s5", MaxIterations: -1,
	}))

	// 流上是可读报告
	var readable string
	for _, ev := range events {
		if ev.Type == entity.EventToolResult {
			readable = ev.ToolCall.Result
		}
	}
	if !strings.Contains(readable, "执行报告") || !strings.Contains(readable, "找到三篇论文") {
		t.Errorf("stream should carry the readable report, got %q", readable)
	}
	if !strings.Contains(readable, "20260824_120000_ab12cd34") {
		t.Error("report id missing from readable report")
	}

	// 上下文里是裁剪后的结构化记录
	var memBody string
	for _, msg := range model.requests[1].Messages {
		if msg.Role == entity.RoleTool && msg.ToolCallID == "c1" {
			memBody = msg.Content
		}
	}
	if !strings.Contains(memBody, `"report_id"`) || !strings.Contains(memBody, `"todos_status"`) {
		t.Errorf("memory record should be the trimmed digest, got %q", memBody)
	}
}

func TestLoop_SubAgentArtifactImageInjected(t *testing.T) {
	bridge := &domaintool.FuncTool{
		ToolName: "search_subagent",
		Desc:     "搜索子代理",
		Params:   map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			return &entity.ToolResult{Message: "完成", Data: map[string]interface{}{
				"subagent":        "SearchSubAgent",
				"summary":         "抓到一张截图",
				"artifacts":       []string{"fimg1", "ftxt1"},
				"todos_completed": 1,
				"todos_total":     1,
				"iterations":      2,
			}}, nil
		},
	}
	model := &fakeModel{script: []scriptStep{
		{resp: &ChatResponse{ToolCalls: []entity.ToolCall{
			call("c1", "search_subagent", `{"task":"截图"}`),
		}}},
		{resp: &ChatResponse{Content: "收到图片"}},
	}}
	loop, _, files := newTestLoop(t, model, []domaintool.Tool{bridge}, LoopConfig{})
	files.images["fimg1"] = "data:image/png;base64,QUJD"
	files.blobs["ftxt1"] = "纯文本产物"

	drain(loop.Run(context.Background(), RunRequest{
		UserInput: "要截图", SessionID: "s7", MaxIterations: -1,
	}))

	var injected []entity.ContentPart
	for _, msg := range model.requests[1].Messages {
		if msg.Role == entity.RoleUser && msg.HasImages() {
			injected = msg.Parts
		}
	}
	if injected == nil {
		t.Fatal("image artifact from sub-agent report not injected into next round")
	}
	images := 0
	for _, p := range injected {
		if p.Kind == "image" {
			images++
			if p.ImageURL != "data:image/png;base64,QUJD" {
				t.Errorf("unexpected image url %q", p.ImageURL)
			}
		}
	}
	if images != 1 {
		t.Errorf("expected exactly the image artifact injected, got %d parts", images)
	}
}

// === Long assistant content ===

func TestLoop_OversizedContentCached(t *testing.T) {
	long := strings.Repeat("字", 6000)
	model := &fakeModel{script: []scriptStep{
		{resp: &ChatResponse{ToolCalls: []entity.ToolCall{call("c1", "echo", `{}`)}, Content: long}},
		{resp: &ChatResponse{Content: "结束"}},
	}}
	echo := &domaintool.FuncTool{
		ToolName: "echo",
		Desc:     "回显",
		Params:   map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			return &entity.ToolResult{}, nil
		},
	}
	loop, _, files := newTestLoop(t, model, []domaintool.Tool{echo}, LoopConfig{})

	events := drain(loop.Run(context.Background(), RunRequest{
		UserInput: "长输出", SessionID: "s6", MaxIterations: -1,
	}))

	// 客户端流仍拿到完整内容
	var streamed strings.Builder
	for _, ev := range events {
		if ev.Type == entity.EventContent {
			streamed.WriteString(ev.Content)
		}
	}
	if !strings.Contains(streamed.String(), long) {
		t.Error("full content must reach the stream")
	}

	// 上下文里是引用
	var inContext string
	for _, msg := range model.requests[1].Messages {
		if msg.Role == entity.RoleAssistant && len(msg.ToolCalls) > 0 {
			inContext = msg.Content
		}
	}
	if len([]rune(inContext)) >= 6000 {
		t.Error("oversized assistant content must not enter the transcript verbatim")
	}
	if !strings.Contains(inContext, "file_id=") {
		t.Errorf("transcript should reference the cached content, got tail %q", inContext[len(inContext)-40:])
	}
	if len(files.blobs) != 1 {
		t.Errorf("expected 1 cached blob, got %d", len(files.blobs))
	}
}
