package handler

import (
	"github.com/gin-gonic/gin"

	"tokenchat-server/internal/controller"
	"tokenchat-server/internal/middleware"
	"tokenchat-server/internal/model"
	"tokenchat-server/pkg/response"
)

// VoiceHandler 语音会话请求处理器
type VoiceHandler struct {
	conversations ConversationSource
	accounts      Accounts
}

// NewVoiceHandler 创建 VoiceHandler 实例
func NewVoiceHandler(conversations ConversationSource, accounts Accounts) *VoiceHandler {
	return &VoiceHandler{
		conversations: conversations,
		accounts:      accounts,
	}
}

// RegisterRoutes 注册语音路由
func (h *VoiceHandler) RegisterRoutes(r gin.IRouter) {
	voice := r.Group("/voice")
	{
		voice.GET("", h.GetState)
		voice.POST("/start", h.Start)
		voice.POST("/end", h.End)
	}
}

// Start 开始语音会话，扣除 10 Token
// 已在进行中时直接返回当前状态
// @Summary 开始语音会话
// @Tags 语音
// @Security Bearer
// @Produce json
// @Success 200 {object} response.Response{data=controller.VoiceSnapshot}
// @Failure 402 {object} response.Response
// @Router /api/v1/voice/start [post]
func (h *VoiceHandler) Start(c *gin.Context) {
	h.withConversation(c, func(conv *controller.Conversation) {
		if err := conv.Voice.Start(c.Request.Context()); err != nil {
			writeError(c, h.accounts, conv.UserID, model.VoiceSessionCost, err)
			return
		}
		response.Success(c, conv.Voice.State())
	})
}

// End 结束语音会话，不退还 Token
// @Summary 结束语音会话
// @Tags 语音
// @Security Bearer
// @Produce json
// @Success 200 {object} response.Response{data=controller.VoiceSnapshot}
// @Router /api/v1/voice/end [post]
func (h *VoiceHandler) End(c *gin.Context) {
	h.withConversation(c, func(conv *controller.Conversation) {
		if err := conv.Voice.End(c.Request.Context()); err != nil {
			writeError(c, h.accounts, conv.UserID, 0, err)
			return
		}
		response.Success(c, conv.Voice.State())
	})
}

// GetState 获取语音会话状态
// @Summary 语音会话状态
// @Tags 语音
// @Security Bearer
// @Produce json
// @Success 200 {object} response.Response{data=controller.VoiceSnapshot}
// @Router /api/v1/voice [get]
func (h *VoiceHandler) GetState(c *gin.Context) {
	h.withConversation(c, func(conv *controller.Conversation) {
		response.Success(c, conv.Voice.State())
	})
}

func (h *VoiceHandler) withConversation(c *gin.Context, fn func(conv *controller.Conversation)) {
	conv, release, err := h.conversations.Acquire(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		response.InternalError(c, "会话初始化失败")
		return
	}
	defer release()
	fn(conv)
}
