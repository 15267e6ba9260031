package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nanami-ai/agentd/internal/domain/service"
	"github.com/nanami-ai/agentd/internal/infrastructure/store"
	"github.com/nanami-ai/agentd/internal/interfaces/http/handlers"
	"github.com/nanami-ai/agentd/internal/interfaces/websocket"
	"go.uber.org/zap"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config HTTP服务器配置
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// Deps 路由需要的全部依赖
type Deps struct {
	Loop     *service.AgentLoop
	Todos    *store.TodoStore
	Reports  *store.ReportStore
	Files    *store.FileStore
	Sessions *store.SessionIndex
}

// NewServer 创建HTTP服务器
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	// 设置Gin模式
	if cfg.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	// 初始化处理器
	chatHandler := handlers.NewChatHandler(deps.Loop, logger)
	todoHandler := handlers.NewTodoHandler(deps.Todos, logger)
	reportHandler := handlers.NewReportHandler(deps.Reports, logger)
	sessionHandler := handlers.NewSessionHandler(deps.Sessions, logger)
	uploadHandler := handlers.NewUploadHandler(deps.Files, logger)
	wsHandler := websocket.NewHandler(deps.Loop, logger)

	// 注册路由
	setupRoutes(router, chatHandler, todoHandler, reportHandler, sessionHandler, uploadHandler, wsHandler)

	// 创建HTTP服务器
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(
	router *gin.Engine,
	chat *handlers.ChatHandler,
	todos *handlers.TodoHandler,
	reports *handlers.ReportHandler,
	sessions *handlers.SessionHandler,
	uploads *handlers.UploadHandler,
	ws *websocket.Handler,
) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	api := router.Group("/api")
	{
		api.POST("/chat", chat.Chat)
		api.GET("/sessions", sessions.List)
		api.POST("/upload", uploads.Upload)

		api.GET("/todos/:session_id", todos.List)
		api.POST("/todos/:session_id", todos.Create)
		api.POST("/todos/:session_id/reorder", todos.Reorder)
		api.PUT("/todos/:session_id/:id", todos.Update)
		api.DELETE("/todos/:session_id/:id", todos.Delete)

		api.GET("/reports", reports.List)
		api.GET("/reports/:report_id", reports.Read)
		api.DELETE("/reports/:report_id", reports.Delete)
	}

	// WebSocket 事件流
	router.GET("/ws/chat", func(c *gin.Context) {
		ws.ServeWS(c.Writer, c.Request)
	})
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
