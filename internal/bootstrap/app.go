package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	// --- 导入内部包 ---
	httpHandler "github.com/Gurprince/dev-deck/internal/handler/http"
	wsHandler "github.com/Gurprince/dev-deck/internal/handler/websocket"
	"github.com/Gurprince/dev-deck/internal/hub"
	gormpersistence "github.com/Gurprince/dev-deck/internal/infra/persistence/gorm"
	"github.com/Gurprince/dev-deck/internal/infra/setup"
	"github.com/Gurprince/dev-deck/internal/middleware"
	"github.com/Gurprince/dev-deck/internal/presence"
	"github.com/Gurprince/dev-deck/internal/runner"
	"github.com/Gurprince/dev-deck/internal/service"
	"github.com/Gurprince/dev-deck/internal/worker"
)

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	DBUser        string
	DBPassword    string
	DBHost        string
	DBPort        string
	DBName        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	JWTSecret     string
	ServerPort    string
	LogLevel      string
	AppEnv        string
	KeyPrefix     string

	RateLimitMax    int
	RateLimitWindow time.Duration

	ExecRateMax       int           // 每用户执行提交上限
	ExecRateWindow    time.Duration // 执行限流窗口
	ExecConcurrency   int           // 全局同时执行的沙箱数
	ExecTimeout       time.Duration // 单任务子进程墙钟超时
	InstallTimeout    time.Duration // 依赖安装超时
	MemoryLimitMB     int
	WorkRoot          string
	ChatHistoryLimit  int
	HeartbeatInterval time.Duration
	JanitorInterval   time.Duration
	JobRetention      time.Duration
}

// LoadConfig 从环境变量加载配置
func LoadConfig() (*Config, error) {
	// 优先加载 .env 文件 (如果存在)
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:        os.Getenv("DB_USER"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBHost:        os.Getenv("DB_HOST"),
		DBPort:        os.Getenv("DB_PORT"),
		DBName:        os.Getenv("DB_NAME"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		ServerPort:    os.Getenv("SERVER_PORT"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		AppEnv:        os.Getenv("APP_ENV"),
		KeyPrefix:     os.Getenv("REDIS_KEY_PREFIX"),
		WorkRoot:      os.Getenv("EXEC_WORK_ROOT"),
		// --- 设置默认值 ---
		RateLimitMax:      100,
		RateLimitWindow:   1 * time.Second,
		ExecRateMax:       20,
		ExecRateWindow:    time.Minute,
		ExecConcurrency:   3,
		ExecTimeout:       30 * time.Second,
		InstallTimeout:    90 * time.Second,
		MemoryLimitMB:     256,
		ChatHistoryLimit:  50,
		HeartbeatInterval: 30 * time.Second,
		JanitorInterval:   time.Minute,
		JobRetention:      5 * time.Minute,
	}

	cfg.RedisDB, _ = strconv.Atoi(os.Getenv("REDIS_DB"))
	if v, err := strconv.Atoi(os.Getenv("EXEC_CONCURRENCY")); err == nil && v > 0 {
		cfg.ExecConcurrency = v
	}
	if v, err := strconv.Atoi(os.Getenv("EXEC_RATE_MAX")); err == nil && v > 0 {
		cfg.ExecRateMax = v
	}
	if v, err := strconv.Atoi(os.Getenv("EXEC_TIMEOUT_SECONDS")); err == nil && v > 0 {
		cfg.ExecTimeout = time.Duration(v) * time.Second
	}
	if v, err := strconv.Atoi(os.Getenv("EXEC_MEMORY_LIMIT_MB")); err == nil && v > 0 {
		cfg.MemoryLimitMB = v
	}

	// --- 设置其他默认值和进行必要检查 ---
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "dd:"
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("environment variable JWT_SECRET must be set")
	}

	// 验证日志级别
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// App 结构体包含应用的所有组件和配置
type App struct {
	Config         *Config
	Log            *logrus.Logger
	DB             *gorm.DB
	RedisClient    *redis.Client
	AsynqClient    *asynq.Client
	AsynqInspector *asynq.Inspector
	WorkerServer   *worker.WorkerServer
	Hub            *hub.Hub
	Registry       *presence.Registry
	ExecService    *service.ExecutionService
	HttpServer     *http.Server

	stop chan struct{}  // 关闭心跳与清扫 goroutine
	wg   sync.WaitGroup // 等待它们退出后才能关广播总线
}

// NewApp 创建并初始化应用的所有组件
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	// 2. 初始化 Logger
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	logLevel, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)
	log.Info("Configuration loaded successfully")

	// 3. 初始化基础设施
	log.Info("Initializing infrastructure...")
	db, err := setup.InitDB(cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, fmt.Errorf("failed to init DB: %w", err)
	}
	if err := setup.MigrateDB(db); err != nil {
		return nil, fmt.Errorf("failed to migrate DB: %w", err)
	}
	log.Info("Database initialized and migrated")

	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}
	log.Info("Redis client initialized")

	redisClientOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisClientOpt)
	asynqInspector := asynq.NewInspector(redisClientOpt)
	log.Info("Asynq client and inspector initialized")

	// 4. 初始化 Repositories
	chatRepo := gormpersistence.NewGormChatRepository(db)
	execLogRepo := gormpersistence.NewGormExecutionLogRepository(db)
	log.Info("Repositories initialized")

	// 5. 初始化 Hub 与在场注册表
	hubInstance := hub.NewHub()
	registry := presence.NewRegistry(hubInstance)
	log.Info("Hub and presence registry initialized")

	// 6. 初始化 Services
	chatService := service.NewChatService(chatRepo, redisClient, hubInstance, registry, cfg.ChatHistoryLimit, cfg.KeyPrefix)
	execService := service.NewExecutionService(redisClient, asynqClient, asynqInspector, execLogRepo, hubInstance, registry, service.ExecutionConfig{
		RateMax:     cfg.ExecRateMax,
		RateWindow:  cfg.ExecRateWindow,
		TaskTimeout: cfg.InstallTimeout + cfg.ExecTimeout + 30*time.Second,
		Retention:   cfg.JobRetention,
		KeyPrefix:   cfg.KeyPrefix,
	})
	log.Info("Services initialized")

	// 7. 初始化沙箱运行器和 Worker Server
	sandbox := runner.New(runner.Config{
		WorkRoot:       cfg.WorkRoot,
		InstallTimeout: cfg.InstallTimeout,
		RunTimeout:     cfg.ExecTimeout,
		MemoryLimitMB:  cfg.MemoryLimitMB,
	})
	execTaskHandler := worker.NewExecutionHandler(sandbox, execService)
	workerServer := worker.NewWorkerServer(redisClientOpt, execTaskHandler, cfg.ExecConcurrency, log)
	log.Info("Worker server initialized")

	// 8. 初始化 Handlers
	execHandler := httpHandler.NewExecutionHandler(execService)
	roomHandler := httpHandler.NewRoomHandler(chatService, registry)
	socketHandler := wsHandler.NewWebSocketHandler(hubInstance, registry, chatService)
	log.Info("Handlers initialized")

	// 9. 初始化 Gin Engine 和路由
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))

	router.Use(func(c *gin.Context) { /* CORS */
		allowedOrigin := os.Getenv("CORS_ALLOWED_ORIGIN")
		if allowedOrigin == "" {
			allowedOrigin = "http://localhost:3000"
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	router.Use(middleware.RateLimit(redisClient, cfg.KeyPrefix, cfg.RateLimitMax, cfg.RateLimitWindow))

	// --- 设置路由 ---
	api := router.Group("/api").Use(middleware.Auth(cfg.JWTSecret))
	{
		api.POST("/execute", execHandler.Submit)
		api.GET("/execute/:jobId", execHandler.Status)
		api.DELETE("/execute/:jobId", execHandler.Cancel)
		api.GET("/rooms/:roomId/chat", roomHandler.ChatHistory)
		api.DELETE("/rooms/:roomId/chat", roomHandler.ClearChat)
		api.GET("/rooms/:roomId/presence", roomHandler.Presence)
	}
	wsRoutes := router.Group("/ws").Use(middleware.Auth(cfg.JWTSecret))
	{
		wsRoutes.GET("", socketHandler.HandleConnection)
	}
	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	log.Info("Router setup complete")

	// 10. 初始化 HTTP Server
	httpServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	// 11. 组装 App 对象
	app := &App{
		Config:         cfg,
		Log:            log,
		DB:             db,
		RedisClient:    redisClient,
		AsynqClient:    asynqClient,
		AsynqInspector: asynqInspector,
		WorkerServer:   workerServer,
		Hub:            hubInstance,
		Registry:       registry,
		ExecService:    execService,
		HttpServer:     httpServer,
		stop:           make(chan struct{}),
	}
	log.Info("Application assembled successfully")

	return app, nil
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	a.Log.Info("Starting application background routines...")
	a.startBackground()
	go a.WorkerServer.Start()

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

// startBackground 启动广播总线和周期 goroutine。
// 周期任务走进程内 ticker，不占用执行队列的并发额度。
func (a *App) startBackground() {
	go a.Hub.Run()

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.Registry.RunHeartbeat(a.Config.HeartbeatInterval, a.stop)
	}()
	go func() {
		defer a.wg.Done()
		a.ExecService.RunJanitor(a.Config.JanitorInterval, a.stop)
	}()
}

// stopBackground 先等周期 goroutine 退出再关广播总线。
// 顺序不能反：心跳可能正在向总线发布，总线先关会 panic。
func (a *App) stopBackground() {
	close(a.stop)
	a.wg.Wait()
	if a.Hub != nil {
		a.Hub.Stop()
	}
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 停止接收新的 HTTP 请求
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	}

	// 2. 关闭 Worker Server，等待在跑的沙箱收尾
	if a.WorkerServer != nil {
		a.WorkerServer.Shutdown()
	}

	// 3. 停止周期 goroutine 和广播总线
	a.stopBackground()

	// 4. 关闭 Asynq 与 Redis 连接
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}
	if a.AsynqInspector != nil {
		if err := a.AsynqInspector.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq inspector: %v", err)
		}
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		}
	}

	a.Log.Info("Application shutdown complete.")
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})

		if errorMessage != "" {
			entry.Error(errorMessage)
		} else if statusCode >= 500 {
			entry.Error("Server error")
		} else if statusCode >= 400 {
			entry.Warn("Client error")
		} else {
			entry.Info("Request handled")
		}
	}
}
