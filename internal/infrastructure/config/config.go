package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server ServerConfig           `mapstructure:"server"`
	Log    LogConfig              `mapstructure:"log"`
	Data   DataConfig             `mapstructure:"data"`
	Agent  AgentConfig            `mapstructure:"agent"`
	Models map[string]ModelConfig `mapstructure:"models"`
	Tavily TavilyConfig           `mapstructure:"tavily"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// DataConfig 数据目录配置
type DataConfig struct {
	Dir        string `mapstructure:"dir"`         // 根目录, 默认 ./data
	SessionDB  string `mapstructure:"session_db"`  // 会话索引 sqlite 文件
	LTMPath    string `mapstructure:"ltm_path"`    // 长期记忆 markdown
	LTMEnabled bool   `mapstructure:"ltm_enabled"` // 是否在系统提示中注入 LTM
}

// AgentConfig Agent 运行时参数
type AgentConfig struct {
	MaxIterations         int     `mapstructure:"max_iterations"`           // 主循环最大迭代数 (default 999)
	AutoCompactRatio      float64 `mapstructure:"auto_compact_ratio"`       // 压缩触发比例, 合法区间 (0,1)
	ToolExecutionTimeout  float64 `mapstructure:"tool_execution_timeout"`   // 单工具超时秒数, <=0 视为无限
	ToolResultMaxSize     int     `mapstructure:"tool_result_max_size"`     // 工具结果截断阈值 (bytes)
	MaxToolConcurrency    int     `mapstructure:"max_tool_concurrency"`     // 批量工具并发上限
	MaxHeavyCallsPerIter  int     `mapstructure:"max_heavy_calls_per_iter"` // 子 Agent 单轮重调用上限
	SubagentIterDelay     float64 `mapstructure:"subagent_iteration_delay"` // 子 Agent 迭代间隔秒数
	SubagentMaxIterations int     `mapstructure:"subagent_max_iterations"`  // 子 Agent 最大迭代数
	LLMMinInterval        float64 `mapstructure:"llm_min_interval"`         // 同 (base_url, model) 最小调用间隔秒数
	APIRequestTimeout     float64 `mapstructure:"api_request_timeout"`      // LLM 请求超时秒数
	APIMaxRetries         int     `mapstructure:"api_max_retries"`          // LLM 重试次数
}

// ModelConfig 单个模型档位配置 (main / compact / quick / task /
// search_agent / browser_agent / windows_agent)
type ModelConfig struct {
	APIKey        string  `mapstructure:"api_key"`
	BaseURL       string  `mapstructure:"base_url"`
	Model         string  `mapstructure:"model"`
	ContextLength int     `mapstructure:"context_length"`
	Temperature   float64 `mapstructure:"temperature"`
}

// TavilyConfig Tavily 搜索 API 配置
type TavilyConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// CompactRatio 返回生效的压缩比例。区间 (0,1) 之外 (含 1.0) 回退 0.92。
func (a *AgentConfig) CompactRatio() float64 {
	if a.AutoCompactRatio > 0 && a.AutoCompactRatio < 1 {
		return a.AutoCompactRatio
	}
	return 0.92
}

// ToolTimeout 返回单工具超时。非正值表示"事实上无限", 用一个极大界代替。
func (a *AgentConfig) ToolTimeout() time.Duration {
	if a.ToolExecutionTimeout <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(a.ToolExecutionTimeout * float64(time.Second))
}

// RequestTimeout 返回 LLM 请求超时
func (a *AgentConfig) RequestTimeout() time.Duration {
	if a.APIRequestTimeout <= 0 {
		return 600 * time.Second
	}
	return time.Duration(a.APIRequestTimeout * float64(time.Second))
}

// envBindings 环境变量 → 配置键。保持与部署脚本一致的裸变量名。
var envBindings = map[string]string{
	"agent.auto_compact_ratio":       "AUTO_COMPACT_RATIO",
	"agent.tool_execution_timeout":   "TOOL_EXECUTION_TIMEOUT",
	"agent.tool_result_max_size":     "TOOL_RESULT_MAX_SIZE",
	"agent.max_tool_concurrency":     "MAX_TOOL_CONCURRENCY",
	"agent.max_heavy_calls_per_iter": "SUBAGENT_MAX_HEAVY_CALLS_PER_ITER",
	"agent.subagent_iteration_delay": "SUBAGENT_ITERATION_DELAY",
	"agent.llm_min_interval":         "LLM_MIN_INTERVAL",
	"agent.api_request_timeout":      "API_REQUEST_TIMEOUT",
	"agent.api_max_retries":          "API_MAX_RETRIES",
	"data.ltm_enabled":               "LTM_ENABLED",
	"data.ltm_path":                  "LTM_PATH",
	"tavily.api_key":                 "TAVILY_API_KEY",
}

// modelProfiles 支持的模型档位。每个档位可用
// <PROFILE>_API_KEY / <PROFILE>_BASE_URL / <PROFILE>_MODEL /
// <PROFILE>_CONTEXT_LENGTH 环境变量覆盖。
var modelProfiles = []string{
	"main", "compact", "quick", "task",
	"search_agent", "browser_agent", "windows_agent",
}

// Load 加载配置: 默认值 → config.yaml → 环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	for _, profile := range modelProfiles {
		prefix := strings.ToUpper(profile)
		_ = v.BindEnv("models."+profile+".api_key", prefix+"_API_KEY")
		_ = v.BindEnv("models."+profile+".base_url", prefix+"_BASE_URL")
		_ = v.BindEnv("models."+profile+".model", prefix+"_MODEL")
		_ = v.BindEnv("models."+profile+".context_length", prefix+"_CONTEXT_LENGTH")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 18600)
	v.SetDefault("server.mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("data.dir", "data")
	v.SetDefault("data.session_db", "data/sessions.db")
	v.SetDefault("data.ltm_path", "data/ltm.md")
	v.SetDefault("data.ltm_enabled", false)

	v.SetDefault("agent.max_iterations", 999)
	v.SetDefault("agent.auto_compact_ratio", 0.92)
	v.SetDefault("agent.tool_execution_timeout", 120)
	v.SetDefault("agent.tool_result_max_size", 10240)
	v.SetDefault("agent.max_tool_concurrency", 1)
	v.SetDefault("agent.max_heavy_calls_per_iter", 1)
	v.SetDefault("agent.subagent_iteration_delay", 0)
	v.SetDefault("agent.subagent_max_iterations", 999)
	v.SetDefault("agent.llm_min_interval", 0)
	v.SetDefault("agent.api_request_timeout", 600)
	v.SetDefault("agent.api_max_retries", 3)

	v.SetDefault("models.main.context_length", 128000)
	v.SetDefault("models.main.temperature", 0.7)

	v.SetDefault("tavily.base_url", "https://api.tavily.com")
}
