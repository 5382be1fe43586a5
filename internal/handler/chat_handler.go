package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tokenchat-server/internal/controller"
	"tokenchat-server/internal/middleware"
	"tokenchat-server/internal/model"
	"tokenchat-server/pkg/response"
	"tokenchat-server/pkg/util"
)

// MessageReader 读取已保存的消息
type MessageReader interface {
	List(ctx context.Context, userID int64, limit int) ([]model.Message, error)
	Get(ctx context.Context, userID int64, id string) (*model.Message, error)
	Count(ctx context.Context, userID int64) (int64, error)
}

// ChatHandler 聊天请求处理器
type ChatHandler struct {
	conversations ConversationSource
	messages      MessageReader
	accounts      Accounts
}

// NewChatHandler 创建 ChatHandler 实例
func NewChatHandler(conversations ConversationSource, messages MessageReader, accounts Accounts) *ChatHandler {
	return &ChatHandler{
		conversations: conversations,
		messages:      messages,
		accounts:      accounts,
	}
}

// RegisterRoutes 注册聊天路由
func (h *ChatHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/messages", h.ListMessages)
	r.GET("/messages/:id", h.GetMessage)
	r.POST("/messages", h.SendMessage)
	r.GET("/view", h.GetView)
}

// SendMessageRequest 发送消息请求
type SendMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// SendMessageResponse 发送消息响应
type SendMessageResponse struct {
	Message *model.Message `json:"message"`
	Balance int64          `json:"balance"`
}

// ListMessages 获取已保存的消息
// @Summary 获取消息历史
// @Tags 聊天
// @Security Bearer
// @Produce json
// @Param limit query int false "最近 N 条，默认全部"
// @Success 200 {object} response.Response{data=[]model.Message}
// @Router /api/v1/messages [get]
func (h *ChatHandler) ListMessages(c *gin.Context) {
	userID := middleware.GetUserID(c)

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		response.BadRequest(c, "无效的 limit")
		return
	}

	messages, err := h.messages.List(c.Request.Context(), userID, limit)
	if err != nil {
		response.InternalError(c, "获取消息失败")
		return
	}
	total, err := h.messages.Count(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c, "获取消息失败")
		return
	}
	response.Success(c, gin.H{
		"messages": messages,
		"total":    total,
	})
}

// GetMessage 获取单条消息
// @Summary 获取消息
// @Tags 聊天
// @Security Bearer
// @Produce json
// @Param id path string true "消息ID"
// @Success 200 {object} response.Response{data=model.Message}
// @Failure 404 {object} response.Response
// @Router /api/v1/messages/{id} [get]
func (h *ChatHandler) GetMessage(c *gin.Context) {
	userID := middleware.GetUserID(c)

	msg, err := h.messages.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		response.InternalError(c, "获取消息失败")
		return
	}
	if msg == nil {
		response.NotFound(c, "消息不存在")
		return
	}
	response.Success(c, msg)
}

// SendMessage 发送消息
// 每条消息消耗 5 Token，余额不足返回 402
// @Summary 发送消息
// @Tags 聊天
// @Security Bearer
// @Accept json
// @Produce json
// @Param request body SendMessageRequest true "消息内容"
// @Success 200 {object} response.Response{data=SendMessageResponse}
// @Failure 402 {object} response.Response
// @Router /api/v1/messages [post]
func (h *ChatHandler) SendMessage(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || util.IsBlank(req.Text) {
		response.BadRequest(c, "消息不能为空")
		return
	}

	conv, release, err := h.conversations.Acquire(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c, "会话初始化失败")
		return
	}
	defer release()

	result, err := conv.Chat.Send(c.Request.Context(), req.Text)
	if err != nil {
		if errors.Is(err, controller.ErrValidation) {
			response.ErrorWithCode(c, http.StatusConflict, response.CodeMessageBusy, "上一条消息仍在发送")
			return
		}
		writeError(c, h.accounts, userID, model.MessageCost, err)
		return
	}

	response.Success(c, SendMessageResponse{
		Message: result.Message,
		Balance: result.Balance,
	})
}

// GetView 获取当前聊天视图
// @Summary 获取聊天视图
// @Tags 聊天
// @Security Bearer
// @Produce json
// @Success 200 {object} response.Response{data=[]controller.ViewMessage}
// @Router /api/v1/view [get]
func (h *ChatHandler) GetView(c *gin.Context) {
	userID := middleware.GetUserID(c)

	conv, release, err := h.conversations.Acquire(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c, "会话初始化失败")
		return
	}
	defer release()

	response.Success(c, gin.H{
		"messages": conv.Chat.View(),
		"sending":  conv.Chat.Sending(),
	})
}
