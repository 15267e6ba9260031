package store

import (
	"encoding/base64"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	return fs
}

// === Base64 caching ===

func TestCacheBase64_RoundTrip(t *testing.T) {
	fs := newTestFileStore(t)
	raw := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a}

	fid, err := fs.CacheBase64(base64.StdEncoding.EncodeToString(raw), "screenshot", nil)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	if !strings.HasPrefix(fid, "f") {
		t.Errorf("file id %q should start with f", fid)
	}

	data, ok := fs.GetBytes(fid)
	if !ok {
		t.Fatal("cached blob not readable")
	}
	if string(data) != string(raw) {
		t.Error("decoded bytes differ from input")
	}
	path, _ := fs.GetPath(fid)
	if !strings.HasSuffix(path, ".png") {
		t.Errorf("screenshot should get .png extension, got %s", path)
	}
}

func TestCacheBase64_DataURLPrefix(t *testing.T) {
	fs := newTestFileStore(t)
	payload := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("pixels"))

	fid, err := fs.CacheBase64(payload, "image", nil)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	data, _ := fs.GetBytes(fid)
	if string(data) != "pixels" {
		t.Errorf("data URL prefix not stripped, got %q", data)
	}
}

func TestCacheText_GetText(t *testing.T) {
	fs := newTestFileStore(t)
	fid, err := fs.CacheText("很长的工具输出", "text")
	if err != nil {
		t.Fatalf("cache text: %v", err)
	}
	got, ok := fs.GetText(fid)
	if !ok || got != "很长的工具输出" {
		t.Errorf("text round trip failed: %q ok=%v", got, ok)
	}
}

// === Image helpers ===

func TestIsImageAndDataURL(t *testing.T) {
	fs := newTestFileStore(t)
	img, _ := fs.CacheBase64(base64.StdEncoding.EncodeToString([]byte("png")), "image", nil)
	txt, _ := fs.CacheText("plain", "text")

	if !fs.IsImage(img) {
		t.Error("png cache entry should be an image")
	}
	if fs.IsImage(txt) {
		t.Error("text entry must not be an image")
	}

	url, mime, ok := fs.GetImageDataURL(img)
	if !ok || mime != "image/png" {
		t.Fatalf("data URL failed: mime=%q ok=%v", mime, ok)
	}
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("unexpected data URL prefix: %s", firstN(url, 30))
	}

	if _, _, ok := fs.GetImageDataURL(txt); ok {
		t.Error("text entry must not produce an image data URL")
	}
}

// === Uploads ===

func TestSaveUpload_KeepsExtension(t *testing.T) {
	fs := newTestFileStore(t)
	fid, err := fs.SaveUpload("报告.PDF", []byte("%PDF-1.7"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	path, _ := fs.GetPath(fid)
	if !strings.HasSuffix(path, ".pdf") {
		t.Errorf("extension should be normalized to .pdf, got %s", path)
	}
}

// === Index reload ===

func TestIndexReload(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	fid, _ := fs.CacheText("persisted", "text")

	reopened, err := NewFileStore(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := reopened.GetText(fid); !ok || got != "persisted" {
		t.Errorf("index reload lost entry %s: %q ok=%v", fid, got, ok)
	}
}

// === Cleanup ===

func TestCleanup_AgeAndSize(t *testing.T) {
	fs := newTestFileStore(t)

	oldID, _ := fs.CacheText("old", "text")
	newID, _ := fs.CacheText("new", "text")

	// 把第一个文件的 mtime 拨回过期线之外
	oldPath, _ := fs.GetPath(oldID)
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatal(err)
	}

	removed := fs.Cleanup(24*time.Hour, 0)
	if removed != 1 {
		t.Errorf("expected 1 expired file removed, got %d", removed)
	}
	if _, ok := fs.GetPath(oldID); ok {
		t.Error("expired file still indexed")
	}
	if _, ok := fs.GetPath(newID); !ok {
		t.Error("fresh file must survive age cleanup")
	}

	// 体积超限时从最旧开始删
	big, _ := fs.CacheText(strings.Repeat("z", 4096), "text")
	bigPath, _ := fs.GetPath(big)
	older := time.Now().Add(-time.Hour)
	if err := os.Chtimes(bigPath, older, older); err != nil {
		t.Fatal(err)
	}
	fs.Cleanup(0, 128)
	if _, ok := fs.GetPath(big); ok {
		t.Error("oldest oversize file should be evicted")
	}
	if _, ok := fs.GetPath(newID); !ok {
		t.Error("small recent file must survive size cleanup")
	}
}

func TestStats(t *testing.T) {
	fs := newTestFileStore(t)
	fs.CacheText("12345", "text")
	fs.CacheText("67890", "text")

	count, total := fs.Stats()
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if total != 10 {
		t.Errorf("total bytes = %d, want 10", total)
	}
}
