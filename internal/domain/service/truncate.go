package service

import (
	"fmt"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	"go.uber.org/zap"
)

// DefaultToolResultMaxSize 工具结果进入上下文前的截断阈值 (bytes)
const DefaultToolResultMaxSize = 10240

// blobFieldThreshold base64 字段超过该长度才外置到 FileStore
const blobFieldThreshold = 1000

// blobKeepPrefix 外置后字段保留的前缀长度
const blobKeepPrefix = 100

// blobFields data 字典中按 base64 大对象处理的字段
var blobFields = []string{"screenshot", "pdf"}

// TruncateToolResult bounds an oversized tool result before it enters the
// transcript. Base64 blobs (screenshot, pdf) and long text fields are handed
// to the FileStore and replaced by a short reference carrying
// <field>_file_id so the model can retrieve them later via save_cached_file.
// The returned string is what goes into the tool message; the raw result is
// left untouched for the client stream.
func TruncateToolResult(res *entity.ToolResult, maxSize int, files FileCache, logger *zap.Logger) string {
	if maxSize <= 0 {
		maxSize = DefaultToolResultMaxSize
	}
	body := res.JSON()
	if len(body) <= maxSize {
		return body
	}

	// 无结构化 data 时退化为纯文本截断
	if res.Data == nil {
		return truncateText(body, maxSize)
	}

	trimmed := *res
	trimmed.Data = make(map[string]interface{}, len(res.Data))
	for k, v := range res.Data {
		trimmed.Data[k] = v
	}

	for _, field := range blobFields {
		raw, ok := trimmed.Data[field].(string)
		if !ok || len(raw) <= blobFieldThreshold {
			continue
		}
		fid, err := files.CacheBase64(raw, field, map[string]interface{}{
			"source": "tool_result",
			"field":  field,
		})
		if err != nil {
			logger.Warn("Blob caching failed, falling back to plain truncation",
				zap.String("field", field),
				zap.Error(err),
			)
			trimmed.Data[field] = truncateText(raw, blobKeepPrefix)
			continue
		}
		trimmed.Data[field] = raw[:blobKeepPrefix] + "...[cached]"
		trimmed.Data[field+"_file_id"] = fid
		trimmed.Data[field+"_size"] = len(raw)
		trimmed.Data[field+"_truncated"] = true
		trimmed.Data["_summary"] = fmt.Sprintf(
			"%s 已缓存 (%d bytes)，可用 save_cached_file 以 file_id=%s 取回", field, len(raw), fid)
	}

	if raw, ok := trimmed.Data["text"].(string); ok && len(raw) > maxSize {
		fid, err := files.CacheText(raw, "text")
		if err == nil {
			trimmed.Data["text"] = truncateText(raw, maxSize/2)
			trimmed.Data["text_file_id"] = fid
			trimmed.Data["text_size"] = len(raw)
			trimmed.Data["text_truncated"] = true
		} else {
			trimmed.Data["text"] = truncateText(raw, maxSize/2)
		}
	}

	body = trimmed.JSON()
	if len(body) > maxSize {
		body = truncateText(body, maxSize)
	}
	return body
}

// truncateText 截断文本并附上被截断的字符数
func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + fmt.Sprintf("[... truncated %d chars]", len(s)-limit)
}

// chunkContent 将长文本按 size 切片, 供 content 事件分块推送
func chunkContent(s string, size int) []string {
	if size <= 0 {
		size = 1000
	}
	runes := []rune(s)
	chunks := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
