package entity

import (
	"encoding/json"
	"time"
)

// Role 消息角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart 多模态内容片段, Kind 为 text 或 image
type ContentPart struct {
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"` // data URL 或文件引用
}

// TextPart 构造文本片段
func TextPart(text string) ContentPart {
	return ContentPart{Kind: "text", Text: text}
}

// ImagePart 构造图片片段
func ImagePart(url string) ContentPart {
	return ContentPart{Kind: "image", ImageURL: url}
}

// ToolCall 模型发起的一次工具调用请求
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // 原始 JSON 字符串, 解析失败按 ArgumentParseError 处理
}

// Message 对话中的一条消息。Content 与 Parts 二选一, Parts 优先。
// assistant 消息可携带 ToolCalls; tool 消息必须携带 ToolCallID,
// 且引用紧邻前一条 assistant 消息中的调用 ID。
type Message struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"` // tool 消息的工具名
}

// Text 返回消息的纯文本内容, Parts 存在时拼接其中的文本片段
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	out := ""
	for _, p := range m.Parts {
		if p.Kind == "text" && p.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	if out == "" {
		return m.Content
	}
	return out
}

// HasImages 判断消息是否包含图片片段
func (m *Message) HasImages() bool {
	for _, p := range m.Parts {
		if p.Kind == "image" {
			return true
		}
	}
	return false
}

// SystemMessage 构造 system 消息
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage 构造 user 消息
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage 构造 assistant 消息
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolMessage 构造 tool 消息
func ToolMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, Name: name}
}

// ToolResult 工具执行的统一返回。Error=true 时 Message 描述原因;
// Data 中可带 _summary / file_id / screenshot_file_id 配合截断与产物收集。
type ToolResult struct {
	Error   bool                   `json:"error"`
	Kind    string                 `json:"kind,omitempty"` // 错误分类: unknown_tool, argument_parse_error, timeout, tool_failure
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// JSON 返回结果的 JSON 文本, 作为 tool 消息内容写入上下文
func (r *ToolResult) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"error":true,"message":"result serialization failed"}`
	}
	return string(b)
}

// Session 一次持久化会话
type Session struct {
	SessionID      string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	MidTermSummary string    `json:"mid_term_summary,omitempty"`
	Messages       []Message `json:"messages"`
}
