package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// fakeFileCache 内存实现, 记录缓存调用
type fakeFileCache struct {
	blobs   map[string]string
	images  map[string]string // fid → data URL
	nextID  int
	failAll bool
}

func newFakeFileCache() *fakeFileCache {
	return &fakeFileCache{
		blobs:  make(map[string]string),
		images: make(map[string]string),
	}
}

func (f *fakeFileCache) cache(data string) (string, error) {
	if f.failAll {
		return "", fmt.Errorf("disk full")
	}
	f.nextID++
	fid := fmt.Sprintf("f%04d", f.nextID)
	f.blobs[fid] = data
	return fid, nil
}

func (f *fakeFileCache) CacheBase64(data, kind string, metadata map[string]interface{}) (string, error) {
	return f.cache(data)
}
func (f *fakeFileCache) CacheText(text, kind string) (string, error) { return f.cache(text) }
func (f *fakeFileCache) GetText(fid string) (string, bool) {
	s, ok := f.blobs[fid]
	return s, ok
}
func (f *fakeFileCache) IsImage(fid string) bool {
	_, ok := f.images[fid]
	return ok
}
func (f *fakeFileCache) GetImageDataURL(fid string) (string, string, bool) {
	url, ok := f.images[fid]
	if !ok {
		return "", "", false
	}
	return url, "image/png", true
}

// === Small results pass through ===

func TestTruncate_SmallResultUntouched(t *testing.T) {
	files := newFakeFileCache()
	res := &entity.ToolResult{Message: "ok", Data: map[string]interface{}{"n": 1}}

	out := TruncateToolResult(res, 10240, files, testLogger())
	if out != res.JSON() {
		t.Error("result under the limit must pass through unmodified")
	}
	if len(files.blobs) != 0 {
		t.Error("no caching expected for small results")
	}
}

// === Blob fields ===

func TestTruncate_ScreenshotCached(t *testing.T) {
	files := newFakeFileCache()
	blob := strings.Repeat("A", 20000)
	res := &entity.ToolResult{
		Message: "页面截图完成",
		Data:    map[string]interface{}{"screenshot": blob, "url": "https://example.com"},
	}

	out := TruncateToolResult(res, 10240, files, testLogger())

	var parsed entity.ToolResult
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	shot, _ := parsed.Data["screenshot"].(string)
	if !strings.HasSuffix(shot, "...[cached]") {
		t.Errorf("screenshot field should end with cached marker, got %d chars", len(shot))
	}
	if !strings.HasPrefix(shot, blob[:blobKeepPrefix]) {
		t.Error("cached field must keep the original prefix")
	}
	fid, _ := parsed.Data["screenshot_file_id"].(string)
	if fid == "" {
		t.Fatal("screenshot_file_id missing")
	}
	if files.blobs[fid] != blob {
		t.Error("full blob must be retrievable through the file id")
	}
	if size, _ := parsed.Data["screenshot_size"].(float64); int(size) != len(blob) {
		t.Errorf("screenshot_size = %v, want %d", size, len(blob))
	}
	if truncated, _ := parsed.Data["screenshot_truncated"].(bool); !truncated {
		t.Error("screenshot_truncated flag missing")
	}
	if summary, _ := parsed.Data["_summary"].(string); !strings.Contains(summary, fid) {
		t.Errorf("_summary should point at the file id, got %q", summary)
	}
	// 原始结果不被修改, 客户端流仍拿到完整截图
	if got, _ := res.Data["screenshot"].(string); got != blob {
		t.Error("input result must not be mutated")
	}
}

func TestTruncate_CacheFailureFallsBack(t *testing.T) {
	files := newFakeFileCache()
	files.failAll = true
	blob := strings.Repeat("B", 20000)
	res := &entity.ToolResult{Data: map[string]interface{}{"screenshot": blob}}

	out := TruncateToolResult(res, 10240, files, testLogger())
	if len(out) > 10240 {
		t.Errorf("fallback output still oversized: %d bytes", len(out))
	}
}

// === Long text field ===

func TestTruncate_LongTextCached(t *testing.T) {
	files := newFakeFileCache()
	text := strings.Repeat("正文内容 ", 4000)
	res := &entity.ToolResult{Data: map[string]interface{}{"text": text}}

	out := TruncateToolResult(res, 10240, files, testLogger())

	var parsed entity.ToolResult
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	fid, _ := parsed.Data["text_file_id"].(string)
	if fid == "" {
		t.Fatal("text_file_id missing")
	}
	if stored, ok := files.GetText(fid); !ok || stored != text {
		t.Error("full text must be cached")
	}
	if truncated, _ := parsed.Data["text_truncated"].(bool); !truncated {
		t.Error("text_truncated flag missing")
	}
}

// === Plain truncation ===

func TestTruncate_NoDataPlainCut(t *testing.T) {
	files := newFakeFileCache()
	res := &entity.ToolResult{Message: strings.Repeat("x", 30000)}

	out := TruncateToolResult(res, 1000, files, testLogger())
	if len(out) > 1100 {
		t.Errorf("plain truncation too loose: %d bytes", len(out))
	}
	if !strings.Contains(out, "truncated") {
		t.Error("truncation marker missing")
	}
}

// === Content chunking ===

func TestChunkContent(t *testing.T) {
	tests := []struct {
		text   string
		size   int
		chunks int
	}{
		{"", 10, 0},
		{"short", 10, 1},
		{strings.Repeat("a", 25), 10, 3},
		{strings.Repeat("中", 15), 10, 2}, // 按 rune 切
	}
	for _, tt := range tests {
		got := chunkContent(tt.text, tt.size)
		if len(got) != tt.chunks {
			t.Errorf("chunkContent(%d runes, %d) = %d chunks, want %d",
				len([]rune(tt.text)), tt.size, len(got), tt.chunks)
			continue
		}
		if strings.Join(got, "") != tt.text {
			t.Error("chunks must reassemble to the input")
		}
	}
}
