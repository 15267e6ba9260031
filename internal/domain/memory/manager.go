package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	"go.uber.org/zap"
)

// DefaultKeepLast 压缩成功后短期记忆保留的消息条数
const DefaultKeepLast = 6

// compactFailedPlaceholder 压缩失败时的占位摘要, 避免下一轮立刻重试
const compactFailedPlaceholder = "(上下文自动压缩失败，完整对话已保留，稍后将重试)"

// SummarizeFunc 压缩摘要回调, 由组装层注入 compact 档位模型
type SummarizeFunc func(ctx context.Context, messages []entity.Message) (string, error)

// CompactResult check_and_compact 的返回
type CompactResult struct {
	Compacted bool `json:"compacted"`
	Tokens    int  `json:"tokens"`
	Threshold int  `json:"threshold"`
}

// Manager 维护单个会话的短期对话与中期摘要, 超过阈值时自动压缩。
// 一次会话的 transcript 在回合内由 Manager 独占, 不跨 goroutine 共享。
type Manager struct {
	sessionID      string
	createdAt      time.Time
	shortTerm      []entity.Message
	midTermSummary string

	contextLength int
	ratio         float64
	keepLast      int
	summarize     SummarizeFunc

	dir    string // data/conversations
	logger *zap.Logger

	// 上一次压缩失败时的 token 数。transcript 没有继续增长前不再重试。
	lastFailureTokens int

	// OnPersist 持久化成功后的回调 (会话索引更新等), 可为 nil
	OnPersist func(sess *entity.Session)
}

// NewManager 创建会话记忆管理器。ratio 不在 (0,1) 内时回退 0.92。
func NewManager(sessionID, dir string, contextLength int, ratio float64, summarize SummarizeFunc, logger *zap.Logger) *Manager {
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.92
	}
	if contextLength <= 0 {
		contextLength = 128000
	}
	return &Manager{
		sessionID:     sessionID,
		createdAt:     time.Now(),
		contextLength: contextLength,
		ratio:         ratio,
		keepLast:      DefaultKeepLast,
		summarize:     summarize,
		dir:           dir,
		logger:        logger,
	}
}

// SessionID 返回会话 ID
func (m *Manager) SessionID() string { return m.sessionID }

// Summary 返回当前中期摘要
func (m *Manager) Summary() string { return m.midTermSummary }

// Add 追加一条消息到短期记忆
func (m *Manager) Add(msg entity.Message) {
	m.shortTerm = append(m.shortTerm, msg)
}

// Load 批量追加 (回放历史)
func (m *Manager) Load(msgs []entity.Message) {
	m.shortTerm = append(m.shortTerm, msgs...)
}

// Context 返回供模型使用的上下文视图:
// [中期摘要 (system)] + 短期记忆。返回副本, 调用方可安全追加。
func (m *Manager) Context() []entity.Message {
	out := make([]entity.Message, 0, len(m.shortTerm)+1)
	if m.midTermSummary != "" {
		out = append(out, entity.SystemMessage("[之前对话的摘要]\n"+m.midTermSummary))
	}
	out = append(out, m.shortTerm...)
	return out
}

// EstimateTokens 粗粒度 token 估算: 字符数除以 4, 最小 1。
// 只在压缩阈值判断处使用, 精度刻意不做要求。
func EstimateTokens(text string) int {
	n := len([]rune(text)) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// estimateMessages 估算一组消息的 token 总量
func estimateMessages(msgs []entity.Message) int {
	total := 0
	for i := range msgs {
		msg := &msgs[i]
		total += EstimateTokens(msg.Text())
		for _, tc := range msg.ToolCalls {
			total += EstimateTokens(tc.Name + tc.Arguments)
		}
	}
	return total
}

// CheckAndCompact 估算当前上下文, 达到 ratio×context_length 时触发压缩。
// 压缩失败不会中断回合, transcript 原样保留, 下一轮重新评估。
func (m *Manager) CheckAndCompact(ctx context.Context) CompactResult {
	tokens := estimateMessages(m.Context())
	threshold := int(m.ratio * float64(m.contextLength))
	res := CompactResult{Tokens: tokens, Threshold: threshold}
	if tokens < threshold {
		return res
	}
	if m.lastFailureTokens > 0 && tokens <= m.lastFailureTokens {
		// 上次失败后 transcript 未增长, 跳过本轮重试
		return res
	}

	summary, err := m.runSummarize(ctx)
	if err != nil || strings.TrimSpace(summary) == "" {
		m.logger.Warn("Context compaction failed, transcript retained",
			zap.String("session_id", m.sessionID),
			zap.Int("tokens", tokens),
			zap.Error(err),
		)
		m.lastFailureTokens = tokens
		if m.midTermSummary == "" {
			m.midTermSummary = compactFailedPlaceholder
		}
		return res
	}

	m.midTermSummary = summary
	if len(m.shortTerm) > m.keepLast {
		kept := m.shortTerm[len(m.shortTerm)-m.keepLast:]
		m.shortTerm = append([]entity.Message(nil), kept...)
	}
	m.lastFailureTokens = 0
	if err := m.Persist(); err != nil {
		m.logger.Warn("Persist after compaction failed",
			zap.String("session_id", m.sessionID),
			zap.Error(err),
		)
	}

	res.Compacted = true
	res.Tokens = estimateMessages(m.Context())
	m.logger.Info("Context compacted",
		zap.String("session_id", m.sessionID),
		zap.Int("tokens_before", tokens),
		zap.Int("tokens_after", res.Tokens),
		zap.Int("threshold", threshold),
	)
	return res
}

// runSummarize 构造压缩提示词并调用 compact 档位模型
func (m *Manager) runSummarize(ctx context.Context) (string, error) {
	if m.summarize == nil {
		return "", fmt.Errorf("no summarizer configured")
	}
	prompt := "请将以上对话压缩为结构化中文摘要，必须保留：\n" +
		"1. 背景：任务目标和上下文\n" +
		"2. 关键事实：已确认的重要信息（含数据、链接、文件 ID）\n" +
		"3. 已完成：做过哪些操作及结果\n" +
		"4. 待办：尚未完成的事项\n" +
		"5. 注意事项：约束、偏好、易错点\n" +
		"只输出摘要本身，不要解释。"
	msgs := append(m.Context(), entity.UserMessage(prompt))
	return m.summarize(ctx, msgs)
}

// Snapshot 返回当前会话的持久化形态
func (m *Manager) Snapshot() *entity.Session {
	return &entity.Session{
		SessionID:      m.sessionID,
		CreatedAt:      m.createdAt,
		MidTermSummary: m.midTermSummary,
		Messages:       append([]entity.Message(nil), m.shortTerm...),
	}
}

// Persist 原子写入 {session_id, created_at, mid_term_summary, messages}
func (m *Manager) Persist() error {
	sess := m.Snapshot()
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create conversations dir: %w", err)
	}
	path := filepath.Join(m.dir, m.sessionID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	if m.OnPersist != nil {
		m.OnPersist(sess)
	}
	return nil
}

// LoadFromDisk 重载已持久化的会话。文件不存在时保持空状态, 不报错。
func (m *Manager) LoadFromDisk() error {
	path := filepath.Join(m.dir, m.sessionID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session: %w", err)
	}
	var sess entity.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return fmt.Errorf("parse session: %w", err)
	}
	if !sess.CreatedAt.IsZero() {
		m.createdAt = sess.CreatedAt
	}
	m.midTermSummary = sess.MidTermSummary
	m.shortTerm = sess.Messages
	return nil
}
