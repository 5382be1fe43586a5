// Package handler 提供 HTTP 请求处理器
package handler

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"tokenchat-server/internal/controller"
	"tokenchat-server/internal/middleware"
	"tokenchat-server/internal/model"
	"tokenchat-server/internal/service"
	"tokenchat-server/pkg/response"
)

// Accounts 账户和余额操作
type Accounts interface {
	OpenAccount(ctx context.Context, userID int64) (*model.User, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
}

// ConversationSource 获取用户的会话
// 与 WebSocket 连接共享同一个会话，视图和发送状态一致
type ConversationSource interface {
	Acquire(ctx context.Context, userID int64) (*controller.Conversation, func(), error)
}

// AccountHandler 账户请求处理器
type AccountHandler struct {
	accounts Accounts
}

// NewAccountHandler 创建 AccountHandler 实例
func NewAccountHandler(accounts Accounts) *AccountHandler {
	return &AccountHandler{accounts: accounts}
}

// RegisterRoutes 注册账户路由
func (h *AccountHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/account", h.OpenAccount)
	r.GET("/balance", h.GetBalance)
}

// OpenAccount 开户，新用户获得初始 Token
// @Summary 开户
// @Tags 账户
// @Security Bearer
// @Produce json
// @Success 200 {object} response.Response{data=model.User}
// @Router /api/v1/account [post]
func (h *AccountHandler) OpenAccount(c *gin.Context) {
	userID := middleware.GetUserID(c)

	user, err := h.accounts.OpenAccount(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c, "开户失败")
		return
	}
	response.Success(c, user)
}

// GetBalance 查询余额
// @Summary 查询余额
// @Tags 账户
// @Security Bearer
// @Produce json
// @Success 200 {object} response.Response{data=BalanceResponse}
// @Router /api/v1/balance [get]
func (h *AccountHandler) GetBalance(c *gin.Context) {
	userID := middleware.GetUserID(c)

	balance, err := h.accounts.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.accounts, userID, 0, err)
		return
	}
	response.Success(c, BalanceResponse{Balance: balance})
}

// BalanceResponse 余额响应
type BalanceResponse struct {
	Balance int64 `json:"balance"`
}

// writeError 把业务错误映射为响应
// required 为余额不足时所需的 Token 数
func writeError(c *gin.Context, accounts Accounts, userID, required int64, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientTokens):
		balance, _ := accounts.GetBalance(c.Request.Context(), userID)
		response.InsufficientTokens(c, balance, required)
	case errors.Is(err, service.ErrUserNotFound):
		response.UserNotFound(c)
	case errors.Is(err, service.ErrPersistence):
		response.InternalError(c, controller.SendFailedNotice)
	default:
		response.InternalError(c, "服务器内部错误")
	}
}
