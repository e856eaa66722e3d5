package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"whisper-swarm/app/config"
	"whisper-swarm/app/database"
	"whisper-swarm/app/eventbus"
	"whisper-swarm/app/handler"
	"whisper-swarm/app/logger"
	"whisper-swarm/app/middleware"
	"whisper-swarm/app/service"
	"whisper-swarm/app/splitter"
	"whisper-swarm/app/store"

	"github.com/gin-gonic/gin"
)

// Server 协调端 HTTP 服务器
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server
}

// New 创建一个新的 Server 实例
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	router := gin.Default()

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		Config: cfg,
		Logger: log,
	}

	// 设置路由
	if err := s.setupRoutes(); err != nil {
		return nil, err
	}

	return s, nil
}

// Start 启动服务器
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	// 关闭数据库连接
	if err := database.Close(); err != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", err)
	}
	return s.http.Shutdown(ctx)
}

// setupRoutes 组装组件并设置API路由
func (s *Server) setupRoutes() error {
	leaseTimeout := time.Duration(s.Config.Task.LeaseTimeoutMinutes) * time.Minute
	st := store.New(database.GetDB(), s.Logger, leaseTimeout, s.Config.Task.ActivityLogLimit)
	hub := eventbus.NewHub(st, s.Logger)

	sp, err := splitter.New(s.Config.Split, s.Config.Storage, s.Logger)
	if err != nil {
		return fmt.Errorf("初始化切分器失败: %w", err)
	}
	merge, err := service.NewMergeService(st, hub, s.Config.Storage, s.Logger)
	if err != nil {
		return fmt.Errorf("初始化聚合服务失败: %w", err)
	}

	// 创建处理器实例
	authHandler := handler.NewAuthHandler(s.Config)
	bookHandler, err := handler.NewBookHandler(s.Config, s.Logger, st, sp, hub, merge)
	if err != nil {
		return fmt.Errorf("初始化书籍处理器失败: %w", err)
	}
	taskHandler := handler.NewTaskHandler(s.Config, s.Logger, st, hub, merge)
	workerHandler := handler.NewWorkerHandler(s.Logger, st, hub)
	chunkHandler := handler.NewChunkHandler(s.Config, s.Logger)
	wsHandler := handler.NewWSHandler(s.Config, s.Logger, st, hub)

	// 认证（不需要JWT验证）
	auth := s.gin.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
	}

	// 工作节点接口：节点不持有管理员会话
	s.gin.GET("/tasks/next", taskHandler.Next)
	s.gin.POST("/tasks/complete", taskHandler.Complete)
	s.gin.GET("/chunks/:filename", chunkHandler.Download)
	s.gin.POST("/workers/register", workerHandler.Register)
	s.gin.POST("/workers/:id/heartbeat", workerHandler.Heartbeat)

	// 只读查询
	s.gin.GET("/tasks", taskHandler.List)
	s.gin.GET("/status", taskHandler.Status)
	s.gin.GET("/results/:book_id", bookHandler.Result)

	// 推送通道
	s.gin.GET("/ws/dashboard", wsHandler.Dashboard)
	s.gin.GET("/ws/worker/:worker_id", wsHandler.Worker)

	// 需要JWT验证的管理操作
	protected := s.gin.Group("/")
	protected.Use(middleware.JWTAuth(s.Config))
	{
		protected.GET("/me", authHandler.Me)
		protected.POST("/upload", bookHandler.Upload)

		books := protected.Group("/books")
		{
			books.POST("/:id/pause", bookHandler.Pause)
			books.POST("/:id/resume", bookHandler.Resume)
			books.DELETE("/:id", bookHandler.Delete)
		}
	}

	return nil
}
