package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"tokenchat-server/internal/middleware"
	"tokenchat-server/internal/model"
	"tokenchat-server/internal/service"
	"tokenchat-server/pkg/response"
)

// 回调请求体上限
const maxWebhookBody = 64 * 1024

// Purchases 购买操作
type Purchases interface {
	Packages() []service.Package
	History(ctx context.Context, userID int64) ([]model.Purchase, error)
	HandleStripeWebhook(ctx context.Context, payload []byte, signature string) error
}

// PurchaseHandler 购买请求处理器
type PurchaseHandler struct {
	purchases Purchases
}

// NewPurchaseHandler 创建 PurchaseHandler 实例
func NewPurchaseHandler(purchases Purchases) *PurchaseHandler {
	return &PurchaseHandler{purchases: purchases}
}

// RegisterPublicRoutes 注册不需要登录的路由
func (h *PurchaseHandler) RegisterPublicRoutes(r gin.IRouter) {
	r.GET("/packages", h.ListPackages)
	r.POST("/purchases/webhook", h.StripeWebhook)
}

// RegisterRoutes 注册需要登录的路由
func (h *PurchaseHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/purchases", h.ListPurchases)
}

// ListPackages 套餐列表
// @Summary 套餐列表
// @Tags 购买
// @Produce json
// @Success 200 {object} response.Response{data=[]service.Package}
// @Router /api/v1/packages [get]
func (h *PurchaseHandler) ListPackages(c *gin.Context) {
	response.Success(c, h.purchases.Packages())
}

// ListPurchases 购买记录
// @Summary 购买记录
// @Tags 购买
// @Security Bearer
// @Produce json
// @Success 200 {object} response.Response{data=[]model.Purchase}
// @Router /api/v1/purchases [get]
func (h *PurchaseHandler) ListPurchases(c *gin.Context) {
	purchases, err := h.purchases.History(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		response.InternalError(c, "获取购买记录失败")
		return
	}
	response.Success(c, purchases)
}

// StripeWebhook 处理 Stripe 支付回调
// 签名校验失败返回 400，Stripe 不会重试；其它失败返回 500 等待重试
// @Summary Stripe 回调
// @Tags 购买
// @Accept json
// @Produce json
// @Router /api/v1/purchases/webhook [post]
func (h *PurchaseHandler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(c, "读取请求失败")
		return
	}

	err = h.purchases.HandleStripeWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case err == nil:
		response.Success(c, gin.H{"received": true})
	case errors.Is(err, service.ErrInvalidWebhook):
		slog.Warn("rejected stripe webhook", "error", err)
		response.ErrorWithCode(c, http.StatusBadRequest, response.CodeInvalidWebhook, "回调校验失败")
	case errors.Is(err, service.ErrUnknownPackage):
		slog.Warn("stripe webhook with unknown package", "error", err)
		response.ErrorWithCode(c, http.StatusBadRequest, response.CodeUnknownPackage, "套餐不存在")
	default:
		slog.Error("failed to handle stripe webhook", "error", err)
		response.InternalError(c, "回调处理失败")
	}
}
