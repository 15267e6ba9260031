package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	"go.uber.org/zap"
)

const (
	compactSummaryMaxChars   = 200
	summaryViaModelAbove     = 500
	compactMaxKeyFindings    = 10
	compactFindingsPerReport = 5
)

// harvestToolData walks tool messages and collects the cooperation fields
// tools put into data: file_id / screenshot_file_id become artifacts,
// _summary strings become key findings. Both are de-duplicated; findings
// are capped at compactMaxKeyFindings.
func harvestToolData(msgs []entity.Message) (findings []string, artifacts []string) {
	seenFinding := make(map[string]bool)
	seenArtifact := make(map[string]bool)
	for i := range msgs {
		msg := &msgs[i]
		if msg.Role != entity.RoleTool {
			continue
		}
		var res entity.ToolResult
		if err := json.Unmarshal([]byte(msg.Content), &res); err != nil {
			continue
		}
		if res.Error || res.Data == nil {
			continue
		}
		for _, key := range []string{"file_id", "screenshot_file_id"} {
			if fid, ok := res.Data[key].(string); ok && fid != "" && !seenArtifact[fid] {
				seenArtifact[fid] = true
				artifacts = append(artifacts, fid)
			}
		}
		if s, ok := res.Data["_summary"].(string); ok && s != "" && !seenFinding[s] {
			if len(findings) < compactMaxKeyFindings {
				seenFinding[s] = true
				findings = append(findings, s)
			}
		}
	}
	return findings, artifacts
}

// buildCompactReport assembles the compact record a sub-agent returns to its
// parent. Long final content is condensed through the quick model profile;
// on failure it is hard-truncated instead.
func buildCompactReport(
	ctx context.Context,
	model ModelClient,
	name string,
	finalContent string,
	transcript []entity.Message,
	todos []entity.Todo,
	iterations int,
	logger *zap.Logger,
) *entity.CompactReport {
	summary := strings.TrimSpace(finalContent)
	if len([]rune(summary)) > summaryViaModelAbove && model != nil {
		condensed, err := summarizeQuick(ctx, model, summary)
		if err != nil {
			logger.Warn("Quick summary failed, truncating final content", zap.Error(err))
		} else if condensed != "" {
			summary = condensed
		}
	}
	if r := []rune(summary); len(r) > compactSummaryMaxChars {
		summary = string(r[:compactSummaryMaxChars])
	}

	findings, artifacts := harvestToolData(transcript)

	completed := 0
	for i := range todos {
		if todos[i].Status == entity.TodoCompleted {
			completed++
		}
	}

	return &entity.CompactReport{
		Error:          false,
		Summary:        summary,
		KeyFindings:    findings,
		Artifacts:      artifacts,
		TodosCompleted: completed,
		TodosTotal:     len(todos),
		Iterations:     iterations,
		SubAgent:       name,
	}
}

// summarizeQuick condenses text to ≤200 chars via the quick profile.
func summarizeQuick(ctx context.Context, model ModelClient, text string) (string, error) {
	resp, err := model.Chat(ctx, "quick", &ChatRequest{
		Messages: []entity.Message{
			entity.SystemMessage("你是摘要助手。将用户给出的内容压缩为不超过200字的中文摘要，保留关键结论与数据，只输出摘要。"),
			entity.UserMessage(text),
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// SubAgentRun carries the facts a report strategy may persist.
type SubAgentRun struct {
	Task       string
	SessionID  string
	AgentType  entity.AgentType
	Transcript []entity.Message
	Todos      []entity.Todo
	Iterations int
	MaxIter    int
}

// ReportStrategy decides what happens to a finished sub-agent run beyond the
// compact record itself.
type ReportStrategy interface {
	Finalize(ctx context.Context, rep *entity.CompactReport, run *SubAgentRun) error
}

// InlineReportStrategy keeps the compact record only; nothing is persisted.
type InlineReportStrategy struct{}

func (InlineReportStrategy) Finalize(context.Context, *entity.CompactReport, *SubAgentRun) error {
	return nil
}

// SearchReportStrategy additionally writes the full run to the ReportStore
// and hands the resulting report_id back in the compact record.
type SearchReportStrategy struct {
	Reports ReportSaver
	Kind    string // reports/<Kind>/ 目录名, 如 "search"
	Logger  *zap.Logger
}

func (s *SearchReportStrategy) Finalize(ctx context.Context, rep *entity.CompactReport, run *SubAgentRun) error {
	reportID, err := s.Reports.Save(s.Kind, &entity.Report{
		TaskDescription: run.Task,
		Summary:         rep.Summary,
		Todos:           run.Todos,
		SearchResults:   collectSearchResults(run.Transcript),
		KeyFindings:     rep.KeyFindings,
		Artifacts:       rep.Artifacts,
		Iterations:      run.Iterations,
		Metadata: map[string]interface{}{
			"subagent":        rep.SubAgent,
			"max_iterations":  run.MaxIter,
			"todos_completed": rep.TodosCompleted,
			"todos_total":     rep.TodosTotal,
		},
	})
	if err != nil {
		s.Logger.Error("Report save failed", zap.Error(err))
		rep.Message = fmt.Sprintf("报告保存失败: %v", err)
		return err
	}
	rep.ReportID = reportID
	rep.Message = fmt.Sprintf("深度搜索完成，报告已保存: %s", reportID)
	return nil
}

// collectSearchResults extracts tavily tool payloads from the transcript.
func collectSearchResults(msgs []entity.Message) []map[string]interface{} {
	var out []map[string]interface{}
	for i := range msgs {
		msg := &msgs[i]
		if msg.Role != entity.RoleTool || !strings.HasPrefix(msg.Name, "tavily_") {
			continue
		}
		var res entity.ToolResult
		if err := json.Unmarshal([]byte(msg.Content), &res); err != nil {
			continue
		}
		if res.Error {
			continue
		}
		out = append(out, map[string]interface{}{
			"tool": msg.Name,
			"data": res.Data,
		})
	}
	return out
}
