// Package main 是服务端的入口点
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"tokenchat-server/internal/cache"
	"tokenchat-server/internal/config"
	"tokenchat-server/internal/controller"
	"tokenchat-server/internal/database"
	"tokenchat-server/internal/handler"
	"tokenchat-server/internal/logging"
	"tokenchat-server/internal/middleware"
	"tokenchat-server/internal/realtime"
	"tokenchat-server/internal/repository"
	"tokenchat-server/internal/service"
	"tokenchat-server/internal/websocket"
	"tokenchat-server/pkg/jwt"
	"tokenchat-server/pkg/response"
)

func main() {
	// 加载配置
	cfg, err := config.Load("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Log)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// 初始化数据库
	db, err := database.Open(cfg)
	if err != nil {
		return err
	}
	if err := database.AutoMigrate(db); err != nil {
		return err
	}

	// 初始化 Redis
	redisCache, err := cache.NewRedisCache(cfg)
	if err != nil {
		return err
	}
	defer redisCache.Close()

	// 新消息推送总线
	bus, err := realtime.Open(cfg, redisCache)
	if err != nil {
		return err
	}
	defer bus.Close()

	jwtService := jwt.NewJWTService(cfg.JWT.Secret)

	// 初始化 Repository 层
	userRepo := repository.NewUserRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	voiceRepo := repository.NewVoiceSessionRepository(db)
	purchaseRepo := repository.NewPurchaseRepository(db)

	// 初始化 Service 层
	ledger := service.NewLedgerService(userRepo, cfg.Ledger.InitialTokens)
	store := service.NewMessageStore(messageRepo, bus)
	voiceSessions := service.NewVoiceSessionService(voiceRepo, redisCache)
	purchases := service.NewPurchaseService(purchaseRepo, ledger, cfg.Stripe.WebhookSecret)
	dispatcher := service.NewHTTPDispatcher(cfg.Dispatch)

	// 初始化 WebSocket Hub
	hub := websocket.NewHub(controller.Deps{
		Ledger:     ledger,
		Dispatcher: dispatcher,
		Store:      store,
		Sessions:   voiceSessions,
		Subscriber: bus,
	}, cfg.Server.ConversationIdleTTL)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go hub.Run(ctx)

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.CORSMiddleware(middleware.CORSConfigFromOrigins(cfg.Server.CORS)))

	registerRoutes(router, routes{
		auth:     middleware.AuthMiddleware(jwtService, redisCache),
		account:  handler.NewAccountHandler(ledger),
		chat:     handler.NewChatHandler(hub, store, ledger),
		voice:    handler.NewVoiceHandler(hub, ledger),
		purchase: handler.NewPurchaseHandler(purchases),
		ws:       websocket.NewHandler(hub, ledger, redisCache, cfg.JWT.Secret, cfg.Server.CORS),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// 发送消息要等待 AI 回复
		WriteTimeout: cfg.Dispatch.Timeout + 10*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "broker", cfg.Realtime.Broker)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}

type routes struct {
	auth     gin.HandlerFunc
	account  *handler.AccountHandler
	chat     *handler.ChatHandler
	voice    *handler.VoiceHandler
	purchase *handler.PurchaseHandler
	ws       *websocket.Handler
}

// registerRoutes 注册所有路由
func registerRoutes(router *gin.Engine, r routes) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")

	// 套餐和支付回调（无需登录）
	r.purchase.RegisterPublicRoutes(v1)

	authed := v1.Group("")
	authed.Use(r.auth)
	{
		r.account.RegisterRoutes(authed)
		r.chat.RegisterRoutes(authed)
		r.voice.RegisterRoutes(authed)
		r.purchase.RegisterRoutes(authed)
	}

	// WebSocket 路由，Token 通过查询参数传递
	r.ws.RegisterRoutes(router)

	router.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "接口不存在")
	})
}
