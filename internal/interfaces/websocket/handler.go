package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nanami-ai/agentd/internal/domain/entity"
	"github.com/nanami-ai/agentd/internal/domain/service"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源 (生产环境应限制)
	},
}

// chatFrame 客户端发来的对话请求帧。History 仅对全新会话生效。
type chatFrame struct {
	Message       string           `json:"message"`
	SessionID     string           `json:"session_id"`
	FileIDs       []string         `json:"file_ids"`
	History       []entity.Message `json:"history"`
	MaxIterations *int             `json:"max_iterations"`
	SaveLTM       bool             `json:"save_ltm"`
}

// Handler /ws/chat 处理器。每个请求帧触发一轮 agent 循环,
// 事件流以 JSON 帧原样推送, done/error 后等待下一个请求帧。
type Handler struct {
	loop   *service.AgentLoop
	logger *zap.Logger
}

// NewHandler 创建 WebSocket 处理器
func NewHandler(loop *service.AgentLoop, logger *zap.Logger) *Handler {
	return &Handler{loop: loop, logger: logger}
}

// ServeWS 处理 WebSocket 连接
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(512 * 1024) // 512KB

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var req chatFrame
		if err := json.Unmarshal(raw, &req); err != nil || req.Message == "" {
			h.writeEvent(conn, entity.ErrorEvent("invalid chat frame"))
			continue
		}

		maxIter := -1
		if req.MaxIterations != nil {
			maxIter = *req.MaxIterations
		}

		events := h.loop.Run(r.Context(), service.RunRequest{
			UserInput:     req.Message,
			FileIDs:       req.FileIDs,
			History:       req.History,
			SessionID:     req.SessionID,
			MaxIterations: maxIter,
			SaveLTM:       req.SaveLTM,
		})
		for ev := range events {
			if !h.writeEvent(conn, ev) {
				// 写失败后仍需把事件流消费完, 生产方才能退出
				for range events {
				}
				return
			}
		}
	}
}

// writeEvent 把一个事件写为 JSON 文本帧
func (h *Handler) writeEvent(conn *websocket.Conn, ev entity.AgentEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return true
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn("WebSocket write failed", zap.Error(err))
		return false
	}
	return true
}
