package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "github.com/nanami-ai/agentd/pkg/errors"
	"go.uber.org/zap"
)

// LTMStore 长期记忆: 只增的 markdown 文件,
// 每条记录是一个 "### [时间戳] 标题" 小节, 可选 tag 行。
type LTMStore struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewLTMStore 创建长期记忆存储, path 形如 data/ltm.md
func NewLTMStore(path string, logger *zap.Logger) *LTMStore {
	return &LTMStore{path: path, logger: logger}
}

// ReadAll 返回完整 markdown 内容, 文件不存在返回空串
func (s *LTMStore) ReadAll() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", apperrors.Wrap(apperrors.CodePersistence, "read ltm", err)
	}
	return string(data), nil
}

// Append 追加一个小节。单写者: 追加期间持有互斥锁。
func (s *LTMStore) Append(title, content string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "create ltm dir", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n### [%s] %s\n\n", time.Now().Format("2006-01-02 15:04:05"), title)
	if len(tags) > 0 {
		fmt.Fprintf(&b, "tags: %s\n\n", strings.Join(tags, ", "))
	}
	b.WriteString(strings.TrimRight(content, "\n"))
	b.WriteString("\n")

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "open ltm", err)
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "append ltm", err)
	}

	s.logger.Info("LTM entry appended", zap.String("title", title))
	return nil
}
