package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nanami-ai/agentd/internal/domain/entity"
	"github.com/nanami-ai/agentd/internal/infrastructure/store"
	apperrors "github.com/nanami-ai/agentd/pkg/errors"
	"go.uber.org/zap"
)

// TodoHandler TODO CRUD API 处理器
type TodoHandler struct {
	todos  *store.TodoStore
	logger *zap.Logger
}

// NewTodoHandler 创建 TODO 处理器
func NewTodoHandler(todos *store.TodoStore, logger *zap.Logger) *TodoHandler {
	return &TodoHandler{todos: todos, logger: logger}
}

// List 列出会话的任务
// GET /api/todos/:session_id
func (h *TodoHandler) List(c *gin.Context) {
	todos, err := h.todos.List(c.Param("session_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"todos": todos, "count": len(todos)})
}

// Create 创建任务
// POST /api/todos/:session_id
func (h *TodoHandler) Create(c *gin.Context) {
	var req entity.TodoCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	todo, err := h.todos.Create(c.Param("session_id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, todo)
}

// Update 更新任务
// PUT /api/todos/:session_id/:id
func (h *TodoHandler) Update(c *gin.Context) {
	var patch entity.TodoUpdate
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	todo, err := h.todos.Update(c.Param("session_id"), c.Param("id"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, todo)
}

// Delete 删除任务
// DELETE /api/todos/:session_id/:id
func (h *TodoHandler) Delete(c *gin.Context) {
	if err := h.todos.Delete(c.Param("session_id"), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

// Reorder 重排任务
// POST /api/todos/:session_id/reorder
func (h *TodoHandler) Reorder(c *gin.Context) {
	var req struct {
		IDs []string `json:"ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	todos, err := h.todos.Reorder(c.Param("session_id"), req.IDs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"todos": todos, "count": len(todos)})
}

func (h *TodoHandler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.IsNotFound(err):
		status = http.StatusNotFound
	case apperrors.Is(err, apperrors.CodeInvalidInput):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
