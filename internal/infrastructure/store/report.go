package store

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	apperrors "github.com/nanami-ai/agentd/pkg/errors"
	"go.uber.org/zap"
)

// ReportStore 子 Agent 报告的只增存储。
// 目录布局 reports/<kind>/YYYY-MM-DD/<report_id>.md, 写入用 write-then-rename。
type ReportStore struct {
	dir    string
	logger *zap.Logger
}

// NewReportStore 创建报告存储, dir 形如 data/reports
func NewReportStore(dir string, logger *zap.Logger) *ReportStore {
	return &ReportStore{dir: dir, logger: logger}
}

// newReportID 生成 YYYYMMDD_HHMMSS_<md5(task)[:8]> 形式的 ID
func newReportID(task string, now time.Time) string {
	sum := md5.Sum([]byte(task))
	return now.Format("20060102_150405") + "_" + hex.EncodeToString(sum[:])[:8]
}

// Save 落盘完整报告并返回 report_id。报告写入后不可变。
func (s *ReportStore) Save(kind string, rep *entity.Report) (string, error) {
	now := time.Now()
	rep.ReportID = newReportID(rep.TaskDescription, now)
	rep.CreatedAt = now

	day := now.Format("2006-01-02")
	dir := filepath.Join(s.dir, kind, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Wrap(apperrors.CodePersistence, "create report dir", err)
	}

	path := filepath.Join(dir, rep.ReportID+".md")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(renderReport(rep)), 0o644); err != nil {
		return "", apperrors.Wrap(apperrors.CodePersistence, "write report", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", apperrors.Wrap(apperrors.CodePersistence, "commit report", err)
	}

	s.logger.Info("Report saved",
		zap.String("report_id", rep.ReportID),
		zap.String("kind", kind),
		zap.String("path", path),
	)
	return rep.ReportID, nil
}

// renderReport 渲染固定分节的 markdown 文档
func renderReport(rep *entity.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# 执行报告 %s\n\n", rep.ReportID)
	fmt.Fprintf(&b, "- 生成时间: %s\n", rep.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- 任务: %s\n", rep.TaskDescription)
	fmt.Fprintf(&b, "- 迭代次数: %d\n\n", rep.Iterations)

	b.WriteString("## 摘要\n\n")
	b.WriteString(rep.Summary)
	b.WriteString("\n\n")

	b.WriteString("## TODO 执行记录\n\n")
	if len(rep.Todos) == 0 {
		b.WriteString("(无)\n")
	}
	for _, t := range rep.Todos {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", t.Status, t.Title, t.Priority)
	}
	b.WriteString("\n")

	b.WriteString("## 详细搜索结果\n\n")
	if len(rep.SearchResults) == 0 {
		b.WriteString("(无)\n")
	}
	for i, sr := range rep.SearchResults {
		data, err := json.MarshalIndent(sr, "", "  ")
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "### 结果 %d\n\n```json\n%s\n```\n\n", i+1, data)
	}

	b.WriteString("## 关键发现\n\n")
	if len(rep.KeyFindings) == 0 {
		b.WriteString("(无)\n")
	}
	for _, f := range rep.KeyFindings {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\n")

	b.WriteString("## 产物\n\n")
	if len(rep.Artifacts) == 0 {
		b.WriteString("(无)\n")
	}
	for _, a := range rep.Artifacts {
		fmt.Fprintf(&b, "- file_id: %s\n", a)
	}
	b.WriteString("\n")

	b.WriteString("## 元数据\n\n```json\n")
	meta, err := json.MarshalIndent(rep.Metadata, "", "  ")
	if err != nil {
		meta = []byte("{}")
	}
	b.Write(meta)
	b.WriteString("\n```\n")

	return b.String()
}

// Read 按 report_id 读取 markdown。从最新日期目录向前扫描。
func (s *ReportStore) Read(reportID string) (string, bool) {
	path, ok := s.find(reportID)
	if !ok {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Delete 删除报告, 返回是否存在
func (s *ReportStore) Delete(reportID string) bool {
	path, ok := s.find(reportID)
	if !ok {
		return false
	}
	return os.Remove(path) == nil
}

// find 定位报告文件
func (s *ReportStore) find(reportID string) (string, bool) {
	for _, info := range s.scan(0) {
		if info.ReportID == reportID {
			return info.Path, true
		}
	}
	return "", false
}

// List 返回最新的 limit 条报告
func (s *ReportStore) List(limit int) []entity.ReportInfo {
	return s.scan(limit)
}

// scan 遍历 reports/<kind>/<date>/ 目录, 新者在前。limit<=0 表示不限。
func (s *ReportStore) scan(limit int) []entity.ReportInfo {
	var out []entity.ReportInfo

	kinds, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	for _, kind := range kinds {
		if !kind.IsDir() {
			continue
		}
		days, err := os.ReadDir(filepath.Join(s.dir, kind.Name()))
		if err != nil {
			continue
		}
		for _, day := range days {
			if !day.IsDir() {
				continue
			}
			files, err := os.ReadDir(filepath.Join(s.dir, kind.Name(), day.Name()))
			if err != nil {
				continue
			}
			for _, f := range files {
				name := f.Name()
				if f.IsDir() || !strings.HasSuffix(name, ".md") {
					continue
				}
				id := strings.TrimSuffix(name, ".md")
				created, _ := time.ParseInLocation("20060102_150405", firstN(id, 15), time.Local)
				out = append(out, entity.ReportInfo{
					ReportID:  id,
					Date:      day.Name(),
					Path:      filepath.Join(s.dir, kind.Name(), day.Name(), name),
					CreatedAt: created,
				})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ReportID > out[j].ReportID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func firstN(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}
