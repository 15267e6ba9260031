package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nanami-ai/agentd/internal/infrastructure/store"
	"go.uber.org/zap"
)

// maxUploadBytes 单文件上传上限
const maxUploadBytes = 32 << 20

// UploadHandler 文件上传 API 处理器。返回的 file_id 可作为
// /api/chat 的附件引用。
type UploadHandler struct {
	files  *store.FileStore
	logger *zap.Logger
}

// NewUploadHandler 创建上传处理器
func NewUploadHandler(files *store.FileStore, logger *zap.Logger) *UploadHandler {
	return &UploadHandler{files: files, logger: logger}
}

// Upload 接收 multipart 上传
// POST /api/upload
func (h *UploadHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	fid, err := h.files.SaveUpload(fileHeader.Filename, data)
	if err != nil {
		h.logger.Error("Upload save failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"file_id":  fid,
		"filename": fileHeader.Filename,
		"size":     len(data),
		"is_image": h.files.IsImage(fid),
	})
}
