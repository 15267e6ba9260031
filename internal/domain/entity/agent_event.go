package entity

import "time"

// AgentEventType defines the type of event emitted during an agent loop
type AgentEventType string

const (
	EventMeta       AgentEventType = "meta"
	EventContent    AgentEventType = "content"
	EventToolCall   AgentEventType = "tool_call"
	EventToolResult AgentEventType = "tool_result"
	EventDone       AgentEventType = "done"
	EventError      AgentEventType = "error"
)

// AgentEvent represents a single typed record on the outbound stream.
// Consumers (HTTP chat handler, WebSocket) read a channel of these events;
// the producer closes the channel after the terminal done/error event.
type AgentEvent struct {
	Type      AgentEventType         `json:"type"`
	Content   string                 `json:"content,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	ToolCall  *ToolCallEvent         `json:"tool_call,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ToolCallEvent describes a tool invocation or its result on the stream
type ToolCallEvent struct {
	Count  int    `json:"count,omitempty"`  // tool_call: 本轮调用数
	Name   string `json:"name,omitempty"`   // tool_result: 工具名
	Result string `json:"result,omitempty"` // tool_result: 序列化结果或可读报告
}

// MetaEvent 构造 meta 事件
func MetaEvent(data map[string]interface{}) AgentEvent {
	return AgentEvent{Type: EventMeta, Meta: data, Timestamp: time.Now()}
}

// ContentEvent 构造 content 事件
func ContentEvent(chunk string) AgentEvent {
	return AgentEvent{Type: EventContent, Content: chunk, Timestamp: time.Now()}
}

// ToolCallAnnounce 构造 tool_call 事件
func ToolCallAnnounce(count int) AgentEvent {
	return AgentEvent{Type: EventToolCall, ToolCall: &ToolCallEvent{Count: count}, Timestamp: time.Now()}
}

// ToolResultEvent 构造 tool_result 事件
func ToolResultEvent(name, result string) AgentEvent {
	return AgentEvent{Type: EventToolResult, ToolCall: &ToolCallEvent{Name: name, Result: result}, Timestamp: time.Now()}
}

// DoneEvent 构造终止事件
func DoneEvent() AgentEvent {
	return AgentEvent{Type: EventDone, Timestamp: time.Now()}
}

// ErrorEvent 构造错误事件
func ErrorEvent(msg string) AgentEvent {
	return AgentEvent{Type: EventError, Error: msg, Timestamp: time.Now()}
}
