package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nanami-ai/agentd/internal/domain/entity"
	"github.com/nanami-ai/agentd/internal/domain/service"
	"go.uber.org/zap"
)

// ChatHandler 对话 API 处理器。响应是流式纯文本:
// 模型内容按块直写, 工具活动与元信息用方括号标记行穿插。
type ChatHandler struct {
	loop   *service.AgentLoop
	logger *zap.Logger
}

// NewChatHandler 创建对话处理器
func NewChatHandler(loop *service.AgentLoop, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{loop: loop, logger: logger}
}

// ChatRequest 对话请求。History 供无状态客户端回放历史;
// 服务端已有该会话的 transcript 时忽略, 不会重复注入。
type ChatRequest struct {
	Message       string           `json:"message" binding:"required"`
	SessionID     string           `json:"session_id"`
	FileIDs       []string         `json:"file_ids"`
	History       []entity.Message `json:"history"`
	MaxIterations *int             `json:"max_iterations"`
	SaveLTM       bool             `json:"save_ltm"`
}

// Chat 执行一轮对话
// POST /api/chat
func (h *ChatHandler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	maxIter := -1
	if req.MaxIterations != nil {
		maxIter = *req.MaxIterations
	}

	events := h.loop.Run(c.Request.Context(), service.RunRequest{
		UserInput:     req.Message,
		FileIDs:       req.FileIDs,
		History:       req.History,
		SessionID:     req.SessionID,
		MaxIterations: maxIter,
		SaveLTM:       req.SaveLTM,
	})

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	write := func(s string) {
		_, _ = c.Writer.WriteString(s)
		if flusher != nil {
			flusher.Flush()
		}
	}

	// 事件流是唯一事实来源: 每个 tool_result 只在这里写出一次
	for ev := range events {
		switch ev.Type {
		case entity.EventContent:
			write(ev.Content)
		case entity.EventToolCall:
			if ev.ToolCall != nil {
				write(fmt.Sprintf("\n[工具调用 x%d]\n", ev.ToolCall.Count))
			}
		case entity.EventToolResult:
			if ev.ToolCall != nil {
				write(fmt.Sprintf("\n[%s]\n%s\n", ev.ToolCall.Name, ev.ToolCall.Result))
			}
		case entity.EventError:
			write(fmt.Sprintf("\n[错误] %s\n", ev.Error))
		case entity.EventMeta, entity.EventDone:
			// meta 与 done 不进文本流
		}
	}
}
