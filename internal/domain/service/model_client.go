package service

import (
	"context"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	domaintool "github.com/nanami-ai/agentd/internal/domain/tool"
)

// ChatRequest is a single turn-synchronous request to a chat-completions
// style model. Tool-call round-trips follow OpenAI semantics: the assistant
// message carries tool_calls, subsequent tool messages carry tool_call_id.
type ChatRequest struct {
	Messages    []entity.Message
	Tools       []domaintool.Definition
	ToolChoice  string  // "", "auto" or "required"
	Temperature float64 // 0 = use profile default
}

// ChatResponse is the parsed model reply
type ChatResponse struct {
	Content    string
	ToolCalls  []entity.ToolCall
	Model      string
	TokensUsed int
}

// ModelClient decouples agent loops from the LLM transport. A profile name
// (main, compact, quick, task, search_agent, browser_agent, windows_agent)
// selects the upstream model; unknown profiles fall back to main.
type ModelClient interface {
	Chat(ctx context.Context, profile string, req *ChatRequest) (*ChatResponse, error)

	// ContextLength reports the configured context window of a profile,
	// used to size the compaction threshold.
	ContextLength(profile string) int
}

// ToolDispatcher is the single path through which agent loops invoke tools.
type ToolDispatcher interface {
	// ExecuteToolCalls dispatches a batch. Output order matches input order
	// regardless of completion order.
	ExecuteToolCalls(ctx context.Context, calls []entity.ToolCall, sessionID string) []entity.ToolResult

	Definitions() []domaintool.Definition

	// Describe renders the tool inventory for the system prompt.
	Describe() string
}

// TodoAccess is the slice of the TODO store the loops need.
type TodoAccess interface {
	List(sessionID string) ([]entity.Todo, error)
	Create(sessionID string, c entity.TodoCreate) (*entity.Todo, error)
	Update(sessionID, id string, patch entity.TodoUpdate) (*entity.Todo, error)
}

// FileCache is the slice of the blob store the loops need: caching oversized
// payloads out of the transcript and resolving image artifacts for
// next-round injection.
type FileCache interface {
	CacheBase64(data, kind string, metadata map[string]interface{}) (string, error)
	CacheText(text, kind string) (string, error)
	GetImageDataURL(fileID string) (url string, mimeType string, ok bool)
	GetText(fileID string) (string, bool)
	IsImage(fileID string) bool
}

// ReportSaver persists a full sub-agent report and returns its report_id.
type ReportSaver interface {
	Save(kind string, rep *entity.Report) (string, error)
}

// LTMStore is the append-only long-term memory markdown.
type LTMStore interface {
	ReadAll() (string, error)
	Append(title, content string, tags []string) error
}
