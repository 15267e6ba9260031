package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	"github.com/nanami-ai/agentd/internal/domain/service"
	"github.com/nanami-ai/agentd/internal/infrastructure/config"
	apperrors "github.com/nanami-ai/agentd/pkg/errors"
	"go.uber.org/zap"
)

// Manager 持有全部模型档位并实现 service.ModelClient。
// 档位在启动时加载一次, 作为显式依赖注入各个 loop 与工具。
type Manager struct {
	profiles   map[string]config.ModelConfig
	httpClient *http.Client
	limiter    *RateLimiter
	timeout    time.Duration
	maxRetries int
	logger     *zap.Logger
}

// NewManager 创建模型管理器
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Manager{
		profiles:   cfg.Models,
		httpClient: &http.Client{Transport: transport},
		limiter:    NewRateLimiter(time.Duration(cfg.Agent.LLMMinInterval * float64(time.Second))),
		timeout:    cfg.Agent.RequestTimeout(),
		maxRetries: cfg.Agent.APIMaxRetries,
		logger:     logger.Named("llm"),
	}
}

// resolve 解析档位, 未配置或缺模型名时回退 main
func (m *Manager) resolve(profile string) (string, config.ModelConfig) {
	if p, ok := m.profiles[profile]; ok && p.Model != "" {
		return profile, p
	}
	return "main", m.profiles["main"]
}

// ContextLength 返回档位的上下文窗口
func (m *Manager) ContextLength(profile string) int {
	_, p := m.resolve(profile)
	if p.ContextLength <= 0 {
		return 128000
	}
	return p.ContextLength
}

// Chat 执行一次回合同步的 chat-completions 调用。
// 对 429/502/503 与网络超时按 2^attempt 指数退避重试。
func (m *Manager) Chat(ctx context.Context, profile string, req *service.ChatRequest) (*service.ChatResponse, error) {
	name, p := m.resolve(profile)
	if p.Model == "" {
		return nil, apperrors.New(apperrors.CodeModelFatal, "no model configured for profile "+name)
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.Temperature
	}
	body := apiRequest{
		Model:       p.Model,
		Messages:    encodeMessages(req.Messages),
		Tools:       encodeTools(req.Tools),
		ToolChoice:  req.ToolChoice,
		Temperature: temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeModelFatal, "encode request", err)
	}

	key := p.BaseURL + ":" + p.Model
	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			m.logger.Warn("Retrying model call",
				zap.String("profile", name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := m.limiter.Wait(ctx, key); err != nil {
			return nil, err
		}

		resp, err := m.doRequest(ctx, p, payload)
		if err == nil {
			resp.Model = firstNonEmpty(resp.Model, p.Model)
			return resp, nil
		}
		lastErr = err
		if !apperrors.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, apperrors.Wrap(apperrors.CodeModelFatal,
		fmt.Sprintf("model call failed after %d retries", m.maxRetries), lastErr)
}

// doRequest 单次 HTTP 往返
func (m *Manager) doRequest(ctx context.Context, p config.ModelConfig, payload []byte) (*service.ChatResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	url := strings.TrimRight(p.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeModelFatal, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		if isTimeoutErr(err) && ctx.Err() == nil {
			return nil, apperrors.Wrap(apperrors.CodeModelTransient, "request timeout", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeModelFatal, "request failed", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeModelTransient, "read response", err)
	}

	switch httpResp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		return nil, apperrors.New(apperrors.CodeModelTransient,
			fmt.Sprintf("upstream status %d: %s", httpResp.StatusCode, firstN(string(raw), 200)))
	default:
		return nil, apperrors.New(apperrors.CodeModelFatal,
			fmt.Sprintf("upstream status %d: %s", httpResp.StatusCode, firstN(string(raw), 200)))
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeModelFatal, "parse response", err)
	}
	if parsed.Error != nil {
		return nil, apperrors.New(apperrors.CodeModelFatal, "upstream error: "+parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, apperrors.New(apperrors.CodeModelFatal, "empty choices in response")
	}

	choice := parsed.Choices[0]
	out := &service.ChatResponse{
		Content:    choice.Message.Content,
		Model:      parsed.Model,
		TokensUsed: parsed.Usage.TotalTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, entity.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// isTimeoutErr 识别网络超时 (含 context deadline)
func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
