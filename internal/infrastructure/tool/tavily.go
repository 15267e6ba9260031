package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	"go.uber.org/zap"
)

// TavilyClient Tavily 搜索 API 的轻量客户端
type TavilyClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewTavilyClient 创建 Tavily 客户端
func NewTavilyClient(apiKey, baseURL string, logger *zap.Logger) *TavilyClient {
	if baseURL == "" {
		baseURL = "https://api.tavily.com"
	}
	return &TavilyClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger.Named("tavily"),
	}
}

// post 调用一个 Tavily 端点
func (c *TavilyClient) post(ctx context.Context, path string, payload map[string]interface{}) (map[string]interface{}, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("TAVILY_API_KEY not configured")
	}
	payload["api_key"] = c.apiKey

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tavily status %d: %s", resp.StatusCode, firstChars(string(raw), 200))
	}

	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return data, nil
}

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// tavilyTool 一个 Tavily 端点包装成的工具
type tavilyTool struct {
	client  *TavilyClient
	name    string
	desc    string
	path    string
	params  map[string]interface{}
	build   func(args map[string]interface{}) (map[string]interface{}, error)
	summary func(data map[string]interface{}) string
}

func (t *tavilyTool) Name() string                   { return t.name }
func (t *tavilyTool) Description() string            { return t.desc }
func (t *tavilyTool) Schema() map[string]interface{} { return t.params }

func (t *tavilyTool) Execute(ctx context.Context, args map[string]interface{}, sessionID string) (*entity.ToolResult, error) {
	payload, err := t.build(args)
	if err != nil {
		return &entity.ToolResult{Error: true, Kind: "argument_parse_error", Message: err.Error()}, nil
	}
	data, err := t.client.post(ctx, t.path, payload)
	if err != nil {
		return &entity.ToolResult{Error: true, Kind: "tool_failure", Message: err.Error()}, nil
	}
	if t.summary != nil {
		if s := t.summary(data); s != "" {
			data["_summary"] = s
		}
	}
	return &entity.ToolResult{Data: data}, nil
}

func stringArg(args map[string]interface{}, key string) (string, error) {
	v, _ := args[key].(string)
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("缺少必填参数 %s", key)
	}
	return v, nil
}

// NewTavilyTools 构造 tavily_search / tavily_extract / tavily_map /
// tavily_crawl 四件套。搜索默认 advanced 深度。
func NewTavilyTools(client *TavilyClient) []*tavilyTool {
	urlOnlySchema := func(desc string) map[string]interface{} {
		return map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{"type": "string", "description": desc},
			},
			"required": []string{"url"},
		}
	}

	search := &tavilyTool{
		client: client,
		name:   "tavily_search",
		desc:   "联网搜索。支持 search_depth (basic/advanced)、max_results、include_domains。",
		path:   "/search",
		params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query":        map[string]interface{}{"type": "string", "description": "搜索查询"},
				"search_depth": map[string]interface{}{"type": "string", "enum": []string{"basic", "advanced"}},
				"max_results":  map[string]interface{}{"type": "integer"},
				"include_domains": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
			},
			"required": []string{"query"},
		},
		build: func(args map[string]interface{}) (map[string]interface{}, error) {
			query, err := stringArg(args, "query")
			if err != nil {
				return nil, err
			}
			payload := map[string]interface{}{
				"query":        query,
				"search_depth": "advanced",
				"max_results":  10,
			}
			if v, ok := args["search_depth"].(string); ok && v != "" {
				payload["search_depth"] = v
			}
			if v, ok := args["max_results"].(float64); ok && v > 0 {
				payload["max_results"] = int(v)
			}
			if v, ok := args["include_domains"]; ok {
				payload["include_domains"] = v
			}
			return payload, nil
		},
		summary: func(data map[string]interface{}) string {
			if results, ok := data["results"].([]interface{}); ok {
				return fmt.Sprintf("搜索返回 %d 条结果", len(results))
			}
			return ""
		},
	}

	extract := &tavilyTool{
		client: client,
		name:   "tavily_extract",
		desc:   "提取指定 URL 的正文内容。",
		path:   "/extract",
		params: urlOnlySchema("要提取的页面 URL"),
		build: func(args map[string]interface{}) (map[string]interface{}, error) {
			url, err := stringArg(args, "url")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"urls": []string{url}}, nil
		},
	}

	siteMap := &tavilyTool{
		client: client,
		name:   "tavily_map",
		desc:   "映射站点结构, 返回可达链接列表。",
		path:   "/map",
		params: urlOnlySchema("站点根 URL"),
		build: func(args map[string]interface{}) (map[string]interface{}, error) {
			url, err := stringArg(args, "url")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"url": url}, nil
		},
	}

	crawl := &tavilyTool{
		client: client,
		name:   "tavily_crawl",
		desc:   "从给定 URL 深度爬取站点内容。",
		path:   "/crawl",
		params: urlOnlySchema("爬取起点 URL"),
		build: func(args map[string]interface{}) (map[string]interface{}, error) {
			url, err := stringArg(args, "url")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"url": url}, nil
		},
	}

	return []*tavilyTool{search, extract, siteMap, crawl}
}
