package store

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/nanami-ai/agentd/pkg/errors"
	"go.uber.org/zap"
)

// FileStore 内容寻址的文件缓存: 工具产物 (截图/PDF/长文本) 与用户上传。
// 索引是只增的行式日志 <fid>\t<path>, 读取方容忍并发追加。
type FileStore struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	index map[string]string // fid → path
}

const indexFileName = "index.txt"

// kindExt 缓存类别到扩展名
var kindExt = map[string]string{
	"screenshot":        ".png",
	"image":             ".png",
	"pdf":               ".pdf",
	"text":              ".txt",
	"assistant_content": ".txt",
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true,
}

var mimeByExt = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
}

// NewFileStore 创建文件缓存并加载现有索引
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "create uploads dir", err)
	}
	fs := &FileStore{
		dir:    dir,
		logger: logger,
		index:  make(map[string]string),
	}
	fs.loadIndex()
	return fs, nil
}

// loadIndex 读取行式索引, 坏行跳过
func (fs *FileStore) loadIndex() {
	data, err := os.ReadFile(filepath.Join(fs.dir, indexFileName))
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		fid, path, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok || fid == "" {
			continue
		}
		fs.index[fid] = path
	}
}

// put 写入字节并登记索引
func (fs *FileStore) put(data []byte, ext string) (string, error) {
	fid := "f" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	path := filepath.Join(fs.dir, fid+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", apperrors.Wrap(apperrors.CodePersistence, "write blob", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.index[fid] = path

	f, err := os.OpenFile(filepath.Join(fs.dir, indexFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodePersistence, "open index", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s\t%s\n", fid, path); err != nil {
		return "", apperrors.Wrap(apperrors.CodePersistence, "append index", err)
	}
	return fid, nil
}

// CacheBase64 缓存 base64 数据块, 返回 file_id
func (fs *FileStore) CacheBase64(data, kind string, metadata map[string]interface{}) (string, error) {
	// 容忍 data URL 前缀
	if idx := strings.Index(data, ";base64,"); idx >= 0 {
		data = data[idx+len(";base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		// 非法 base64 按原始文本缓存, 截断逻辑仍可引用
		raw = []byte(data)
	}
	ext, ok := kindExt[kind]
	if !ok {
		ext = ".bin"
	}
	fid, err := fs.put(raw, ext)
	if err != nil {
		return "", err
	}
	fs.logger.Debug("Blob cached",
		zap.String("file_id", fid),
		zap.String("kind", kind),
		zap.Int("bytes", len(raw)),
	)
	return fid, nil
}

// CacheText 缓存长文本
func (fs *FileStore) CacheText(text, kind string) (string, error) {
	return fs.put([]byte(text), ".txt")
}

// SaveUpload 保存用户上传, 保留原始扩展名
func (fs *FileStore) SaveUpload(filename string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".bin"
	}
	return fs.put(data, ext)
}

// GetPath 返回 file_id 对应的路径
func (fs *FileStore) GetPath(fid string) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	path, ok := fs.index[fid]
	return path, ok
}

// GetBytes 读取内容
func (fs *FileStore) GetBytes(fid string) ([]byte, bool) {
	path, ok := fs.GetPath(fid)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// GetText 按文本读取
func (fs *FileStore) GetText(fid string) (string, bool) {
	data, ok := fs.GetBytes(fid)
	if !ok {
		return "", false
	}
	return string(data), true
}

// IsImage 判断是否图片文件
func (fs *FileStore) IsImage(fid string) bool {
	path, ok := fs.GetPath(fid)
	if !ok {
		return false
	}
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// GetImageDataURL 返回自包含的 data URL
func (fs *FileStore) GetImageDataURL(fid string) (string, string, bool) {
	path, ok := fs.GetPath(fid)
	if !ok {
		return "", "", false
	}
	ext := strings.ToLower(filepath.Ext(path))
	mime, ok := mimeByExt[ext]
	if !ok || !imageExts[ext] {
		return "", "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", false
	}
	url := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
	return url, mime, true
}

// Stats 返回缓存文件数与总字节数
func (fs *FileStore) Stats() (count int, totalBytes int64) {
	fs.mu.Lock()
	paths := make([]string, 0, len(fs.index))
	for _, p := range fs.index {
		paths = append(paths, p)
	}
	fs.mu.Unlock()

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		count++
		totalBytes += info.Size()
	}
	return count, totalBytes
}

// Cleanup 清理过期文件; 总量仍超限时从最旧开始删除。索引随之重建。
func (fs *FileStore) Cleanup(maxAge time.Duration, maxTotalBytes int64) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	type fileEntry struct {
		fid   string
		path  string
		mtime time.Time
		size  int64
	}
	var entries []fileEntry
	for fid, path := range fs.index {
		info, err := os.Stat(path)
		if err != nil {
			delete(fs.index, fid)
			continue
		}
		entries = append(entries, fileEntry{fid, path, info.ModTime(), info.Size()})
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	var total int64
	var kept []fileEntry
	for _, e := range entries {
		if maxAge > 0 && e.mtime.Before(cutoff) {
			if os.Remove(e.path) == nil {
				delete(fs.index, e.fid)
				removed++
			}
			continue
		}
		total += e.size
		kept = append(kept, e)
	}

	if maxTotalBytes > 0 && total > maxTotalBytes {
		sort.Slice(kept, func(i, j int) bool { return kept[i].mtime.Before(kept[j].mtime) })
		for _, e := range kept {
			if total <= maxTotalBytes {
				break
			}
			if os.Remove(e.path) == nil {
				delete(fs.index, e.fid)
				total -= e.size
				removed++
			}
		}
	}

	fs.rewriteIndexLocked()
	if removed > 0 {
		fs.logger.Info("File cache cleanup", zap.Int("removed", removed))
	}
	return removed
}

// rewriteIndexLocked 全量重写索引, 调用方需持有 fs.mu
func (fs *FileStore) rewriteIndexLocked() {
	var b strings.Builder
	for fid, path := range fs.index {
		fmt.Fprintf(&b, "%s\t%s\n", fid, path)
	}
	path := filepath.Join(fs.dir, indexFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		fs.logger.Warn("Index rewrite failed", zap.Error(err))
		return
	}
	_ = os.Rename(tmp, path)
}
