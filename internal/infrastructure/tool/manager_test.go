package tool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	domaintool "github.com/nanami-ai/agentd/internal/domain/tool"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func echoTool(name string) domaintool.Tool {
	return &domaintool.FuncTool{
		ToolName: name,
		Desc:     "回显参数",
		Params:   map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			return &entity.ToolResult{Message: fmt.Sprintf("%v", args["msg"]), Data: args}, nil
		},
	}
}

func newTestManager(t *testing.T, concurrency int, tools ...domaintool.Tool) *Manager {
	t.Helper()
	reg := domaintool.NewInMemoryRegistry()
	m := NewManager(reg, 2*time.Second, concurrency, testLogger())
	for _, tool := range tools {
		if err := m.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name(), err)
		}
	}
	return m
}

// === Single dispatch ===

func TestExecuteTool_UnknownTool(t *testing.T) {
	m := newTestManager(t, 1)
	res := m.ExecuteTool(context.Background(), "nope", nil, "s")
	if !res.Error || res.Kind != "unknown_tool" {
		t.Errorf("expected unknown_tool result, got %+v", res)
	}
}

func TestExecuteTool_SessionInjection(t *testing.T) {
	var gotArgs map[string]interface{}
	capture := &domaintool.FuncTool{
		ToolName: "list_todos",
		Desc:     "捕获参数",
		Params:   map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			gotArgs = args
			return &entity.ToolResult{}, nil
		},
	}
	m := newTestManager(t, 1, capture)

	m.ExecuteTool(context.Background(), "list_todos", map[string]interface{}{}, "sess-7")
	if gotArgs["session_id"] != "sess-7" {
		t.Errorf("session_id not injected for todo tool: %v", gotArgs)
	}

	// 调用方显式给出的 session_id 不被覆盖
	m.ExecuteTool(context.Background(), "list_todos",
		map[string]interface{}{"session_id": "explicit"}, "sess-7")
	if gotArgs["session_id"] != "explicit" {
		t.Errorf("explicit session_id must win: %v", gotArgs)
	}
}

func TestExecuteTool_NoInjectionForPlainTool(t *testing.T) {
	var gotArgs map[string]interface{}
	capture := &domaintool.FuncTool{
		ToolName: "plain",
		Desc:     "捕获参数",
		Params:   map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			gotArgs = args
			return &entity.ToolResult{}, nil
		},
	}
	m := newTestManager(t, 1, capture)
	m.ExecuteTool(context.Background(), "plain", map[string]interface{}{}, "sess-7")
	if _, ok := gotArgs["session_id"]; ok {
		t.Error("plain tool must not receive injected session_id")
	}
}

// === Timeout ===

func TestExecuteTool_TimeoutOverride(t *testing.T) {
	slow := &domaintool.FuncTool{
		ToolName: "slow",
		Desc:     "阻塞到取消",
		Params:   map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	m := newTestManager(t, 1, slow)

	start := time.Now()
	res := m.ExecuteTool(context.Background(), "slow",
		map[string]interface{}{"_timeout": 0.05}, "s")
	if !res.Error || res.Kind != "timeout" {
		t.Fatalf("expected timeout result, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("_timeout override ignored, took %v", elapsed)
	}
}

func TestExecuteTool_PanicFoldedToResult(t *testing.T) {
	boom := &domaintool.FuncTool{
		ToolName: "boom",
		Desc:     "panic 工具",
		Params:   map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			panic("kaput")
		},
	}
	m := newTestManager(t, 1, boom)
	res := m.ExecuteTool(context.Background(), "boom", nil, "s")
	if !res.Error || res.Kind != "tool_failure" {
		t.Errorf("panic must fold into tool_failure, got %+v", res)
	}
}

// === Batch dispatch ===

func TestExecuteToolCalls_OrderPreserved(t *testing.T) {
	m := newTestManager(t, 4, echoTool("echo"))
	calls := make([]entity.ToolCall, 8)
	for i := range calls {
		calls[i] = entity.ToolCall{
			ID:        fmt.Sprintf("call-%d", i),
			Name:      "echo",
			Arguments: fmt.Sprintf(`{"msg":"m%d"}`, i),
		}
	}

	results := m.ExecuteToolCalls(context.Background(), calls, "s")
	if len(results) != len(calls) {
		t.Fatalf("expected %d results, got %d", len(calls), len(results))
	}
	for i, res := range results {
		want := fmt.Sprintf("m%d", i)
		if res.Message != want {
			t.Errorf("results[%d] = %q, want %q", i, res.Message, want)
		}
	}
}

func TestExecuteToolCalls_ParseErrorAtIndex(t *testing.T) {
	m := newTestManager(t, 2, echoTool("echo"))
	calls := []entity.ToolCall{
		{ID: "a", Name: "echo", Arguments: `{"msg":"ok"}`},
		{ID: "b", Name: "echo", Arguments: `{not json`},
		{ID: "c", Name: "echo", Arguments: `{"msg":"also ok"}`},
	}

	results := m.ExecuteToolCalls(context.Background(), calls, "s")
	if results[0].Error || results[2].Error {
		t.Error("valid calls around a bad one must still succeed")
	}
	if !results[1].Error || results[1].Kind != "argument_parse_error" {
		t.Errorf("expected argument_parse_error at index 1, got %+v", results[1])
	}
}

func TestExecuteToolCalls_ConcurrencyBounded(t *testing.T) {
	var current, peak int64
	var mu sync.Mutex
	counting := &domaintool.FuncTool{
		ToolName: "count",
		Desc:     "记录并发峰值",
		Params:   map[string]interface{}{"type": "object"},
		Fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
			n := atomic.AddInt64(&current, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return &entity.ToolResult{}, nil
		},
	}
	m := newTestManager(t, 2, counting)

	calls := make([]entity.ToolCall, 6)
	for i := range calls {
		calls[i] = entity.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "count", Arguments: "{}"}
	}
	m.ExecuteToolCalls(context.Background(), calls, "s")

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("concurrency limit 2 exceeded, peak %d", peak)
	}
	if peak < 1 {
		t.Error("no calls observed")
	}
}
