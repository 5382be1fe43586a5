// Package websocket 提供 WebSocket 通信功能
package websocket

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tokenchat-server/internal/cache"
	"tokenchat-server/internal/middleware"
	"tokenchat-server/internal/model"
	pkgJwt "tokenchat-server/pkg/jwt"
	"tokenchat-server/pkg/response"
)

// AccountOpener 首次连接时为用户开户
type AccountOpener interface {
	OpenAccount(ctx context.Context, userID int64) (*model.User, error)
}

// Handler 处理 WebSocket 连接
type Handler struct {
	hub       *Hub
	accounts  AccountOpener
	cache     *cache.RedisCache
	jwtSecret string
	upgrader  websocket.Upgrader
}

// NewHandler 创建 WebSocket Handler
// allowedOrigins 为空时不检查来源
func NewHandler(hub *Hub, accounts AccountOpener, redisCache *cache.RedisCache, jwtSecret string, allowedOrigins []string) *Handler {
	return &Handler{
		hub:       hub,
		accounts:  accounts,
		cache:     redisCache,
		jwtSecret: jwtSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// 非浏览器客户端不带 Origin
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleWS 处理 WebSocket 连接
// 路由: GET /ws
// 参数: token (query parameter) - JWT token
func (h *Handler) HandleWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Unauthorized(c, "需要认证 token")
		return
	}

	claims, err := pkgJwt.ParseUserToken(token, h.jwtSecret)
	if err != nil {
		response.Unauthorized(c, "无效的 token")
		return
	}
	if middleware.IsRevoked(c, h.cache, token) {
		response.Unauthorized(c, "Token 已失效，请重新登录")
		return
	}

	if _, err := h.accounts.OpenAccount(c.Request.Context(), claims.UserID); err != nil {
		slog.Error("failed to open account", "user_id", claims.UserID, "error", err)
		response.InternalError(c, "账户初始化失败")
		return
	}

	// 升级 HTTP 连接为 WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("failed to upgrade connection", "user_id", claims.UserID, "error", err)
		return
	}

	client := NewClient(h.hub, conn, claims.UserID)

	// 先启动写协程，注册时推送的初始状态才能发出去
	go client.WritePump()

	if err := h.hub.Register(c.Request.Context(), client); err != nil {
		slog.Error("failed to register client", "user_id", claims.UserID, "error", err)
		client.sendError("", response.CodeInternalError, "会话初始化失败")
		client.Close()
		return
	}

	go client.ReadPump()

	slog.Info("websocket connected", "user_id", claims.UserID)
}

// RegisterRoutes 注册 WebSocket 路由
// WebSocket 路由不需要认证中间件（token 在 query 中验证）
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws", h.HandleWS)
}
