package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nanami-ai/agentd/internal/infrastructure/store"
	"go.uber.org/zap"
)

// SessionHandler 会话列表 API 处理器
type SessionHandler struct {
	index  *store.SessionIndex
	logger *zap.Logger
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(index *store.SessionIndex, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{index: index, logger: logger}
}

// List 列出最近更新的会话
// GET /api/sessions?limit=50
func (h *SessionHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	sessions, err := h.index.List(limit)
	if err != nil {
		h.logger.Error("Session list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}
