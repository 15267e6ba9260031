package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nanami-ai/agentd/internal/domain/entity"
	"github.com/nanami-ai/agentd/internal/domain/memory"
	domaintool "github.com/nanami-ai/agentd/internal/domain/tool"
	"go.uber.org/zap"
)

// LoopConfig holds configuration for the main agent loop
type LoopConfig struct {
	MaxIterations         int    // 默认迭代上限 (default: 999)
	ToolResultMaxSize     int    // 工具结果截断阈值 (default: 10240)
	ContentCacheThreshold int    // 超过该长度的 assistant 内容外置缓存 (default: 5000)
	ContentChunkSize      int    // content 事件分块大小 (default: 1000)
	ContentKeepPrefix     int    // 外置后 transcript 保留的前缀 (default: 500)
	LTMEnabled            bool   // 是否注入长期记忆
	SystemPrompt          string // 系统提示词模板, 空则使用内置模板
}

// DefaultLoopConfig returns production-ready defaults
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:         999,
		ToolResultMaxSize:     DefaultToolResultMaxSize,
		ContentCacheThreshold: 5000,
		ContentChunkSize:      1000,
		ContentKeepPrefix:     500,
	}
}

const defaultSystemPrompt = `你是一个多能力智能助手，通过工具完成用户交给的任务。

可用工具：
%s

工作方式：
- 需要外部信息或操作时调用工具，不要凭空编造
- 深度搜索任务交给 search_subagent，网页操作交给 browser_subagent，桌面自动化交给 windows_subagent
- 多步任务先用 TODO 工具规划，完成一步更新一步
- 回答使用用户的语言，引用来源时附上链接`

// RunRequest is one chat turn entering the loop
type RunRequest struct {
	UserInput string
	FileIDs   []string
	History   []entity.Message
	SessionID string
	// MaxIterations: 负数使用配置默认; 0 表示不调用模型直接结束
	MaxIterations int
	SaveLTM       bool
}

// AgentLoop drives the top level plan-dispatch-observe cycle. All
// collaborators are injected; the loop owns no global state.
type AgentLoop struct {
	model     ModelClient
	tools     ToolDispatcher
	todos     TodoAccess
	files     FileCache
	ltm       LTMStore
	newMemory func(sessionID string) *memory.Manager
	cfg       LoopConfig
	logger    *zap.Logger
}

// NewAgentLoop creates the main loop
func NewAgentLoop(
	model ModelClient,
	tools ToolDispatcher,
	todos TodoAccess,
	files FileCache,
	ltm LTMStore,
	newMemory func(sessionID string) *memory.Manager,
	cfg LoopConfig,
	logger *zap.Logger,
) *AgentLoop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 999
	}
	if cfg.ToolResultMaxSize <= 0 {
		cfg.ToolResultMaxSize = DefaultToolResultMaxSize
	}
	if cfg.ContentCacheThreshold <= 0 {
		cfg.ContentCacheThreshold = 5000
	}
	if cfg.ContentChunkSize <= 0 {
		cfg.ContentChunkSize = 1000
	}
	if cfg.ContentKeepPrefix <= 0 {
		cfg.ContentKeepPrefix = 500
	}
	return &AgentLoop{
		model:     model,
		tools:     tools,
		todos:     todos,
		files:     files,
		ltm:       ltm,
		newMemory: newMemory,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes one turn and returns the event stream. The caller must drain
// the channel; it is closed after the terminal done/error event.
func (a *AgentLoop) Run(ctx context.Context, req RunRequest) <-chan entity.AgentEvent {
	eventCh := make(chan entity.AgentEvent, 64)

	go func() {
		defer close(eventCh)
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("Agent loop panicked",
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				a.emit(ctx, eventCh, entity.ErrorEvent(fmt.Sprintf("internal error: %v", r)))
			}
		}()
		a.runLoop(ctx, req, eventCh)
	}()

	return eventCh
}

func (a *AgentLoop) runLoop(ctx context.Context, req RunRequest, eventCh chan<- entity.AgentEvent) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := a.logger.With(zap.String("session_id", sessionID))

	maxIter := req.MaxIterations
	if maxIter < 0 {
		maxIter = a.cfg.MaxIterations
	}

	mem := a.newMemory(sessionID)

	// === Setup ===
	// 续接已持久化的会话时 transcript 里已有系统提示/LTM/历史,
	// 只在全新会话注入一次, 避免逐轮累积副本
	if len(mem.Context()) == 0 {
		prompt := a.cfg.SystemPrompt
		if prompt == "" {
			prompt = defaultSystemPrompt
		}
		mem.Add(entity.SystemMessage(fmt.Sprintf(prompt, a.tools.Describe())))

		if a.cfg.LTMEnabled && a.ltm != nil {
			if ltmText, err := a.ltm.ReadAll(); err == nil && strings.TrimSpace(ltmText) != "" {
				mem.Add(entity.SystemMessage("[长期记忆]\n" + ltmText))
			}
		}

		for _, h := range req.History {
			if h.Role == entity.RoleUser || h.Role == entity.RoleAssistant {
				mem.Add(entity.Message{Role: h.Role, Content: h.Content, Parts: h.Parts})
			}
		}
	}

	var imageParts []entity.ContentPart
	for _, fid := range req.FileIDs {
		if a.files.IsImage(fid) {
			if url, _, ok := a.files.GetImageDataURL(fid); ok {
				imageParts = append(imageParts, entity.ImagePart(url))
			}
			continue
		}
		if text, ok := a.files.GetText(fid); ok {
			if r := []rune(text); len(r) > 20000 {
				text = string(r[:20000])
			}
			mem.Add(entity.SystemMessage(fmt.Sprintf("[attachment:%s]\n%s", fid, text)))
		}
	}

	if len(imageParts) == 0 {
		mem.Add(entity.UserMessage(req.UserInput))
	} else {
		parts := append([]entity.ContentPart{entity.TextPart(req.UserInput)}, imageParts...)
		mem.Add(entity.Message{Role: entity.RoleUser, Parts: parts})
	}

	compact := mem.CheckAndCompact(ctx)
	a.emit(ctx, eventCh, entity.MetaEvent(map[string]interface{}{"compact": compact}))

	a.loadOutstandingTodos(ctx, sessionID, mem, eventCh, logger)

	if maxIter == 0 {
		a.emit(ctx, eventCh, entity.DoneEvent())
		return
	}

	// === Iterations ===
	for iter := 1; iter <= maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			a.emit(ctx, eventCh, entity.ErrorEvent("request cancelled"))
			a.persist(mem, logger)
			return
		}

		logger.Info("Agent iteration",
			zap.Int("iteration", iter),
			zap.Int("context_messages", len(mem.Context())),
		)

		resp, err := a.model.Chat(ctx, "main", &ChatRequest{
			Messages: mem.Context(),
			Tools:    a.tools.Definitions(),
		})
		if err != nil {
			logger.Error("Model call failed", zap.Int("iteration", iter), zap.Error(err))
			a.emit(ctx, eventCh, entity.ContentEvent(fmt.Sprintf("模型调用失败: %v", err)))
			a.persist(mem, logger)
			a.emit(ctx, eventCh, entity.DoneEvent())
			return
		}

		assistant := entity.Message{Role: entity.RoleAssistant, ToolCalls: resp.ToolCalls}
		if resp.Content != "" {
			assistant.Content = a.boundContent(resp.Content)
			for _, chunk := range chunkContent(resp.Content, a.cfg.ContentChunkSize) {
				a.emit(ctx, eventCh, entity.ContentEvent(chunk))
			}
		}
		mem.Add(assistant)

		if len(resp.ToolCalls) == 0 {
			a.persist(mem, logger)
			if req.SaveLTM {
				a.saveLTMPreferences(ctx, mem, eventCh, logger)
			}
			a.emit(ctx, eventCh, entity.DoneEvent())
			return
		}

		a.emit(ctx, eventCh, entity.ToolCallAnnounce(len(resp.ToolCalls)))

		results := a.tools.ExecuteToolCalls(ctx, resp.ToolCalls, sessionID)

		var pendingImages []entity.ContentPart
		for i := range results {
			call := resp.ToolCalls[i]
			res := &results[i]

			if domaintool.IsSubAgent(call.Name) {
				memBody, readable := a.digestSubAgentResult(call.Name, res)
				mem.Add(entity.ToolMessage(call.ID, call.Name, memBody))
				a.emit(ctx, eventCh, entity.ToolResultEvent(call.Name, readable))
			} else {
				memBody := TruncateToolResult(res, a.cfg.ToolResultMaxSize, a.files, logger)
				mem.Add(entity.ToolMessage(call.ID, call.Name, memBody))
				a.emit(ctx, eventCh, entity.ToolResultEvent(call.Name, memBody))
			}

			pendingImages = append(pendingImages, a.collectImages(res)...)
		}

		if len(pendingImages) > 0 {
			parts := append(
				[]entity.ContentPart{entity.TextPart("以下是上一步工具产生的图片，请结合图片内容继续。")},
				pendingImages...,
			)
			mem.Add(entity.Message{Role: entity.RoleUser, Parts: parts})
		}
	}

	// Iteration cap reached
	logger.Warn("Iteration cap reached", zap.Int("max_iterations", maxIter))
	a.emit(ctx, eventCh, entity.ContentEvent(
		fmt.Sprintf("已达到最大迭代次数 (%d)，任务可能未完成。", maxIter)))
	a.persist(mem, logger)
	if req.SaveLTM {
		a.saveLTMPreferences(ctx, mem, eventCh, logger)
	}
	a.emit(ctx, eventCh, entity.DoneEvent())
}

// loadOutstandingTodos replays unfinished planner items as a system reminder.
func (a *AgentLoop) loadOutstandingTodos(ctx context.Context, sessionID string, mem *memory.Manager, eventCh chan<- entity.AgentEvent, logger *zap.Logger) {
	if a.todos == nil {
		return
	}
	all, err := a.todos.List(sessionID)
	if err != nil {
		logger.Warn("Todo load failed", zap.Error(err))
		return
	}
	var active []entity.Todo
	for i := range all {
		if all[i].Active() {
			active = append(active, all[i])
		}
	}
	if len(active) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString("[未完成的 TODO]\n")
	for i, t := range active {
		if i >= 10 {
			break
		}
		fmt.Fprintf(&b, "%d. [%s/%s] %s\n", i+1, t.Status, t.Priority, t.Title)
	}
	mem.Add(entity.SystemMessage(strings.TrimRight(b.String(), "\n")))

	a.emit(ctx, eventCh, entity.MetaEvent(map[string]interface{}{
		"todos_loaded":  true,
		"pending_count": len(active),
		"total_count":   len(all),
	}))
}

// boundContent keeps oversized assistant text out of the transcript by
// caching the full body and storing a short reference instead.
func (a *AgentLoop) boundContent(content string) string {
	runes := []rune(content)
	if len(runes) <= a.cfg.ContentCacheThreshold {
		return content
	}
	fid, err := a.files.CacheText(content, "assistant_content")
	if err != nil {
		a.logger.Warn("Content caching failed, truncating in place", zap.Error(err))
		return string(runes[:a.cfg.ContentKeepPrefix]) + "...[内容过长已截断]"
	}
	return string(runes[:a.cfg.ContentKeepPrefix]) +
		fmt.Sprintf("...\n[完整内容共 %d 字，已缓存: file_id=%s]", len(runes), fid)
}

// digestSubAgentResult turns a sub-agent bridge result into a trimmed memory
// record and a human-readable report string for the stream.
func (a *AgentLoop) digestSubAgentResult(name string, res *entity.ToolResult) (memBody, readable string) {
	raw := res.JSON()
	if res.Error || res.Data == nil {
		return raw, raw
	}

	var rep entity.CompactReport
	if b, err := json.Marshal(res.Data); err == nil {
		_ = json.Unmarshal(b, &rep)
	}
	if rep.SubAgent == "" && rep.Summary == "" {
		return raw, raw
	}

	findings := rep.KeyFindings
	if len(findings) > compactFindingsPerReport {
		findings = findings[:compactFindingsPerReport]
	}
	trimmed := map[string]interface{}{
		"subagent":        rep.SubAgent,
		"summary":         rep.Summary,
		"key_findings":    findings,
		"artifacts_count": len(rep.Artifacts),
		"todos_status":    fmt.Sprintf("%d/%d", rep.TodosCompleted, rep.TodosTotal),
		"iterations":      rep.Iterations,
	}
	if rep.ReportID != "" {
		trimmed["report_id"] = rep.ReportID
	}
	memRes := entity.ToolResult{Error: false, Data: trimmed}

	var b strings.Builder
	fmt.Fprintf(&b, "【%s 执行报告】\n摘要: %s\n", rep.SubAgent, rep.Summary)
	for _, f := range findings {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	fmt.Fprintf(&b, "TODO: %d/%d 完成, 迭代 %d 轮", rep.TodosCompleted, rep.TodosTotal, rep.Iterations)
	if rep.ReportID != "" {
		fmt.Fprintf(&b, ", 报告: %s", rep.ReportID)
	}
	return memRes.JSON(), b.String()
}

// collectImages queues image artifacts from a tool result for next-round
// injection as user-visible image parts. Besides the top-level file id
// fields, sub-agent reports carry an artifacts list of file ids.
func (a *AgentLoop) collectImages(res *entity.ToolResult) []entity.ContentPart {
	if res.Error || res.Data == nil {
		return nil
	}
	var fids []string
	for _, key := range []string{"file_id", "screenshot_file_id"} {
		if fid, ok := res.Data[key].(string); ok && fid != "" {
			fids = append(fids, fid)
		}
	}
	switch arts := res.Data["artifacts"].(type) {
	case []string:
		fids = append(fids, arts...)
	case []interface{}: // JSON 反序列化后的形态
		for _, v := range arts {
			if fid, ok := v.(string); ok && fid != "" {
				fids = append(fids, fid)
			}
		}
	}

	var parts []entity.ContentPart
	seen := make(map[string]bool, len(fids))
	for _, fid := range fids {
		if seen[fid] || !a.files.IsImage(fid) {
			continue
		}
		seen[fid] = true
		if url, _, ok := a.files.GetImageDataURL(fid); ok {
			parts = append(parts, entity.ImagePart(url))
		}
	}
	return parts
}

// saveLTMPreferences distills user preferences from the transcript into the
// long-term memory markdown.
func (a *AgentLoop) saveLTMPreferences(ctx context.Context, mem *memory.Manager, eventCh chan<- entity.AgentEvent, logger *zap.Logger) {
	if a.ltm == nil {
		return
	}
	resp, err := a.model.Chat(ctx, "quick", &ChatRequest{
		Messages: append(mem.Context(), entity.UserMessage(
			"从以上对话中提取值得长期记住的用户偏好（语言、格式、工具习惯、关注领域等），"+
				"以简洁的中文要点列出。没有可提取的偏好时只输出：无。")),
	})
	if err != nil {
		logger.Warn("LTM extraction failed", zap.Error(err))
		return
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" || text == "无" {
		return
	}
	if err := a.ltm.Append("用户偏好总结", text, []string{"preference"}); err != nil {
		logger.Warn("LTM append failed", zap.Error(err))
		return
	}
	a.emit(ctx, eventCh, entity.MetaEvent(map[string]interface{}{"ltm_saved": true}))
}

func (a *AgentLoop) persist(mem *memory.Manager, logger *zap.Logger) {
	if err := mem.Persist(); err != nil {
		logger.Warn("Session persist failed", zap.Error(err))
	}
}

// emit delivers an event, yielding to cancellation when the consumer stalls.
func (a *AgentLoop) emit(ctx context.Context, ch chan<- entity.AgentEvent, ev entity.AgentEvent) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}
