package handlers

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nanami-ai/agentd/internal/infrastructure/store"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"
)

// ReportHandler 报告查询 API 处理器
type ReportHandler struct {
	reports *store.ReportStore
	md      goldmark.Markdown
	logger  *zap.Logger
}

// NewReportHandler 创建报告处理器
func NewReportHandler(reports *store.ReportStore, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{
		reports: reports,
		md:      goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:  logger,
	}
}

// List 列出最近的报告
// GET /api/reports?limit=20
func (h *ReportHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	infos := h.reports.List(limit)
	c.JSON(http.StatusOK, gin.H{"reports": infos, "count": len(infos)})
}

// Read 读取单个报告。format=html 时渲染为 HTML, 默认返回 markdown 原文。
// GET /api/reports/:report_id
func (h *ReportHandler) Read(c *gin.Context) {
	id := c.Param("report_id")
	content, ok := h.reports.Read(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found: " + id})
		return
	}

	if c.Query("format") == "html" {
		var buf bytes.Buffer
		if err := h.md.Convert([]byte(content), &buf); err != nil {
			h.logger.Warn("Report render failed", zap.String("report_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "render failed"})
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(content))
}

// Delete 删除报告
// DELETE /api/reports/:report_id
func (h *ReportHandler) Delete(c *gin.Context) {
	id := c.Param("report_id")
	if !h.reports.Delete(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found: " + id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
