package entity

import "time"

// Report 子 Agent 的完整执行报告, 写入后不可变
type Report struct {
	ReportID        string                   `json:"report_id"` // YYYYMMDD_HHMMSS_<md5(task)[:8]>
	CreatedAt       time.Time                `json:"created_at"`
	TaskDescription string                   `json:"task_description"`
	Summary         string                   `json:"summary"`
	Todos           []Todo                   `json:"todos,omitempty"` // 执行时的 TODO 快照
	SearchResults   []map[string]interface{} `json:"search_results,omitempty"`
	KeyFindings     []string                 `json:"key_findings,omitempty"`
	Artifacts       []string                 `json:"artifacts,omitempty"` // FileStore file_id 列表
	Iterations      int                      `json:"iterations"`
	Metadata        map[string]interface{}   `json:"metadata,omitempty"`
}

// ReportInfo 报告列表项
type ReportInfo struct {
	ReportID  string    `json:"report_id"`
	Date      string    `json:"date"` // YYYY-MM-DD 目录名
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// CompactReport 子 Agent 返回给父 Agent 的紧凑记录
type CompactReport struct {
	Error          bool     `json:"error"`
	Summary        string   `json:"summary"`
	KeyFindings    []string `json:"key_findings,omitempty"`
	Artifacts      []string `json:"artifacts,omitempty"`
	TodosCompleted int      `json:"todos_completed"`
	TodosTotal     int      `json:"todos_total"`
	Iterations     int      `json:"iterations"`
	SubAgent       string   `json:"subagent"`
	ReportID       string   `json:"report_id,omitempty"` // SearchSubAgent 落盘后回填
	Message        string   `json:"message,omitempty"`
}
