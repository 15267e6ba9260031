package application

import (
	"context"
	"path/filepath"
	"time"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	"github.com/nanami-ai/agentd/internal/domain/memory"
	"github.com/nanami-ai/agentd/internal/domain/service"
	domaintool "github.com/nanami-ai/agentd/internal/domain/tool"
	"github.com/nanami-ai/agentd/internal/infrastructure/config"
	"github.com/nanami-ai/agentd/internal/infrastructure/llm"
	"github.com/nanami-ai/agentd/internal/infrastructure/store"
	infratool "github.com/nanami-ai/agentd/internal/infrastructure/tool"
	httpiface "github.com/nanami-ai/agentd/internal/interfaces/http"
	"github.com/nanami-ai/agentd/pkg/safego"
	"go.uber.org/zap"
)

// 文件缓存清理策略
const (
	cacheCleanupInterval = time.Hour
	cacheMaxAge          = 72 * time.Hour
	cacheMaxTotalBytes   = 512 << 20
)

// App 组合根: 装配配置、模型、存储、工具与接口层。
type App struct {
	cfg     *config.Config
	cfgPath string
	logger  *zap.Logger

	loop    *service.AgentLoop
	files   *store.FileStore
	server  *httpiface.Server
	watcher *config.Watcher

	cancel context.CancelFunc
}

// NewApp 创建应用程序（依赖注入容器）
func NewApp(cfg *config.Config, cfgPath string, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(cfg, logger); err != nil {
		return nil, err
	}

	dataDir := cfg.Data.Dir
	todoStore := store.NewTodoStore(filepath.Join(dataDir, "todos"), logger)
	reportStore := store.NewReportStore(filepath.Join(dataDir, "reports"), logger)
	ltmStore := store.NewLTMStore(cfg.Data.LTMPath, logger)
	fileStore, err := store.NewFileStore(filepath.Join(dataDir, "uploads"), logger)
	if err != nil {
		return nil, err
	}
	sessionIndex, err := store.NewSessionIndex(cfg.Data.SessionDB, logger)
	if err != nil {
		return nil, err
	}

	model := llm.NewManager(cfg, logger)

	summarize := func(ctx context.Context, msgs []entity.Message) (string, error) {
		resp, err := model.Chat(ctx, "compact", &service.ChatRequest{Messages: msgs})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}

	convDir := filepath.Join(dataDir, "conversations")
	newMemory := func(sessionID string) *memory.Manager {
		m := memory.NewManager(sessionID, convDir,
			model.ContextLength("main"), cfg.Agent.CompactRatio(), summarize, logger)
		m.OnPersist = sessionIndex.Touch
		if err := m.LoadFromDisk(); err != nil {
			logger.Warn("Session reload failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return m
	}

	// 工具装配。主循环只暴露轻量搜索, 完整 tavily 家族归搜索子代理。
	tavilyClient := infratool.NewTavilyClient(cfg.Tavily.APIKey, cfg.Tavily.BaseURL, logger)
	tavilyFamily := infratool.NewTavilyTools(tavilyClient)
	fileTools := infratool.NewFileTools(fileStore, filepath.Join(dataDir, "exports"))

	registry := domaintool.NewInMemoryRegistry()
	toolMgr := infratool.NewManager(registry, cfg.Agent.ToolTimeout(), cfg.Agent.MaxToolConcurrency, logger)

	var mainTools []domaintool.Tool
	subTools := make([]domaintool.Tool, 0, len(tavilyFamily))
	for _, t := range tavilyFamily {
		subTools = append(subTools, t)
		if t.Name() == "tavily_search" {
			mainTools = append(mainTools, t)
		}
	}
	mainTools = append(mainTools, infratool.NewTodoTools(todoStore)...)
	mainTools = append(mainTools, fileTools...)
	mainTools = append(mainTools, infratool.NewReportTools(reportStore)...)

	subFactory := &infratool.SubAgentFactory{
		Model:                model,
		Todos:                todoStore,
		Reports:              reportStore,
		NewMemory:            newMemory,
		ToolTimeout:          cfg.Agent.ToolTimeout(),
		Concurrency:          cfg.Agent.MaxToolConcurrency,
		MaxIterations:        cfg.Agent.SubagentMaxIterations,
		MaxHeavyCallsPerIter: cfg.Agent.MaxHeavyCallsPerIter,
		IterationDelay:       time.Duration(cfg.Agent.SubagentIterDelay * float64(time.Second)),
		Logger:               logger,
	}
	mainTools = append(mainTools, infratool.NewSubAgentTools(subFactory, subTools, fileTools)...)

	for _, t := range mainTools {
		if err := toolMgr.Register(t); err != nil {
			logger.Warn("Tool registration failed", zap.String("tool", t.Name()), zap.Error(err))
		}
	}

	loop := service.NewAgentLoop(model, toolMgr, todoStore, fileStore, ltmStore, newMemory,
		service.LoopConfig{
			MaxIterations:     cfg.Agent.MaxIterations,
			ToolResultMaxSize: cfg.Agent.ToolResultMaxSize,
			LTMEnabled:        cfg.Data.LTMEnabled,
		}, logger)

	server := httpiface.NewServer(httpiface.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
		Mode: cfg.Server.Mode,
	}, httpiface.Deps{
		Loop:     loop,
		Todos:    todoStore,
		Reports:  reportStore,
		Files:    fileStore,
		Sessions: sessionIndex,
	}, logger)

	return &App{
		cfg:     cfg,
		cfgPath: cfgPath,
		logger:  logger,
		loop:    loop,
		files:   fileStore,
		server:  server,
	}, nil
}

// AgentLoop 返回主循环 (测试与嵌入场景使用)
func (a *App) AgentLoop() *service.AgentLoop { return a.loop }

// Start 启动 HTTP 服务与后台任务
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.server.Start(runCtx); err != nil {
		cancel()
		return err
	}

	safego.Loop(runCtx, a.logger, "file-cache-cleanup", cacheCleanupInterval, func(context.Context) {
		a.files.Cleanup(cacheMaxAge, cacheMaxTotalBytes)
	})

	if a.cfgPath != "" {
		watcher, err := config.NewWatcher(a.cfgPath, a.cfg, a.logger)
		if err != nil {
			a.logger.Warn("Config watcher init failed", zap.Error(err))
		} else {
			a.watcher = watcher
			watcher.OnReload(func(cfg *config.Config) {
				// 结构性变更 (端口、模型档位) 需要重启才会生效
				a.logger.Info("Config change observed",
					zap.Int("max_iterations", cfg.Agent.MaxIterations))
			})
			if err := watcher.Start(runCtx); err != nil {
				a.logger.Warn("Config watcher start failed", zap.Error(err))
			}
		}
	}
	return nil
}

// Stop 优雅停机
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	return a.server.Stop(ctx)
}
