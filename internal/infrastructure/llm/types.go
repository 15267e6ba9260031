package llm

import (
	"github.com/nanami-ai/agentd/internal/domain/entity"
	domaintool "github.com/nanami-ai/agentd/internal/domain/tool"
)

// chat-completions 线上格式 (OpenAI 兼容)

type apiRequest struct {
	Model       string      `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Tools       []apiTool   `json:"tools,omitempty"`
	ToolChoice  string      `json:"tool_choice,omitempty"`
	Temperature float64     `json:"temperature,omitempty"`
}

type apiMessage struct {
	Role       string        `json:"role"`
	Content    interface{}   `json:"content"` // string 或 []apiContentPart
	ToolCalls  []apiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
}

type apiContentPart struct {
	Type     string       `json:"type"` // text | image_url
	Text     string       `json:"text,omitempty"`
	ImageURL *apiImageURL `json:"image_url,omitempty"`
}

type apiImageURL struct {
	URL string `json:"url"`
}

type apiTool struct {
	Type     string      `json:"type"` // 固定 "function"
	Function apiFunction `json:"function"`
}

type apiFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type apiToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function apiCallFunction `json:"function"`
}

type apiCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type apiResponse struct {
	Choices []struct {
		Message struct {
			Content   string        `json:"content"`
			ToolCalls []apiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// encodeMessages 将领域消息转为线上格式
func encodeMessages(msgs []entity.Message) []apiMessage {
	out := make([]apiMessage, 0, len(msgs))
	for i := range msgs {
		msg := &msgs[i]
		m := apiMessage{
			Role:       string(msg.Role),
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		if len(msg.Parts) > 0 {
			parts := make([]apiContentPart, 0, len(msg.Parts))
			for _, p := range msg.Parts {
				switch p.Kind {
				case "image":
					parts = append(parts, apiContentPart{Type: "image_url", ImageURL: &apiImageURL{URL: p.ImageURL}})
				default:
					parts = append(parts, apiContentPart{Type: "text", Text: p.Text})
				}
			}
			m.Content = parts
		} else {
			m.Content = msg.Content
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, apiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: apiCallFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, m)
	}
	return out
}

// encodeTools 将工具定义转为 function 声明
func encodeTools(defs []domaintool.Definition) []apiTool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]apiTool, 0, len(defs))
	for _, d := range defs {
		out = append(out, apiTool{
			Type: "function",
			Function: apiFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}
