package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"tokenchat-server/internal/model"
	"tokenchat-server/internal/repository"
)

// 购买相关错误
var (
	ErrPurchaseDuplicate = errors.New("该笔支付已入账")
	ErrUnknownPackage    = errors.New("套餐不存在")
	ErrInvalidWebhook    = errors.New("无效的支付回调")
)

// Package Token 套餐
type Package struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Tokens      int64  `json:"tokens"`
	AmountCents int64  `json:"amount_cents"`
	Popular     bool   `json:"popular"`
}

// packages 套餐目录
var packages = []Package{
	{ID: "starter", Name: "Starter Pack", Tokens: 1000, AmountCents: 500},
	{ID: "popular", Name: "Popular Pack", Tokens: 10000, AmountCents: 2000, Popular: true},
	{ID: "premium", Name: "Premium Pack", Tokens: 50000, AmountCents: 8000},
}

// Crediter 给用户充值 Token
type Crediter interface {
	Credit(ctx context.Context, userID, amount int64) (int64, error)
}

// PurchaseService 购买服务
// 支付由外部完成，这里把完成的支付记账并充值
type PurchaseService struct {
	purchaseRepo  *repository.PurchaseRepository // 购买记录数据访问层
	ledger        Crediter                       // 账本
	webhookSecret string                         // Stripe 回调签名密钥
}

// NewPurchaseService 创建 PurchaseService 实例
func NewPurchaseService(purchaseRepo *repository.PurchaseRepository, ledger Crediter, webhookSecret string) *PurchaseService {
	return &PurchaseService{
		purchaseRepo:  purchaseRepo,
		ledger:        ledger,
		webhookSecret: webhookSecret,
	}
}

// Packages 返回套餐目录
func (s *PurchaseService) Packages() []Package {
	return append([]Package(nil), packages...)
}

// PackageByID 根据 ID 查找套餐
func PackageByID(id string) (Package, bool) {
	for _, p := range packages {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}

// Complete 记录一笔完成的支付并充值
// 同一个 externalRef 只会入账一次
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID
//   - packageID: 套餐ID
//   - externalRef: 支付服务的订单引用
//
// 返回:
//   - *model.Purchase: 购买记录
//   - int64: 充值后的余额
//   - error: ErrUnknownPackage / ErrPurchaseDuplicate / 账本错误
func (s *PurchaseService) Complete(ctx context.Context, userID int64, packageID, externalRef string) (*model.Purchase, int64, error) {
	pkg, ok := PackageByID(packageID)
	if !ok {
		return nil, 0, ErrUnknownPackage
	}
	if externalRef == "" {
		return nil, 0, fmt.Errorf("%w: missing payment reference", ErrInvalidWebhook)
	}

	purchase := &model.Purchase{
		UserID:          userID,
		PackageID:       pkg.ID,
		TokensPurchased: pkg.Tokens,
		AmountCents:     pkg.AmountCents,
		Status:          model.PurchaseStatusCompleted,
		ExternalRef:     externalRef,
	}
	if err := s.purchaseRepo.Create(ctx, purchase); err != nil {
		if errors.Is(err, repository.ErrDuplicatePurchase) {
			return nil, 0, ErrPurchaseDuplicate
		}
		return nil, 0, err
	}

	balance, err := s.ledger.Credit(ctx, userID, pkg.Tokens)
	if err != nil {
		// 充值失败则删除记录，支付服务重试回调时可以再次入账
		if delErr := s.purchaseRepo.Delete(ctx, purchase.ID); delErr != nil {
			slog.Error("failed to remove uncredited purchase", "purchase_id", purchase.ID, "error", delErr)
		}
		return nil, 0, err
	}

	slog.Info("purchase credited",
		"user_id", userID,
		"package_id", pkg.ID,
		"tokens", pkg.Tokens,
		"external_ref", externalRef,
	)
	return purchase, balance, nil
}

// History 用户的购买记录
func (s *PurchaseService) History(ctx context.Context, userID int64) ([]model.Purchase, error) {
	return s.purchaseRepo.GetByUserID(ctx, userID)
}

// HandleStripeWebhook 处理 Stripe 回调
// 只处理 checkout.session.completed，其它事件忽略
// 参数:
//   - ctx: 上下文
//   - payload: 原始请求体
//   - signature: Stripe-Signature 请求头
//
// 返回:
//   - error: ErrInvalidWebhook / Complete 的错误
func (s *PurchaseService) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.webhookSecret == "" {
		return fmt.Errorf("%w: webhook secret not configured", ErrInvalidWebhook)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	if event.Type != "checkout.session.completed" {
		slog.Debug("ignoring stripe event", "type", event.Type, "id", event.ID)
		return nil
	}
	if event.Data == nil {
		return fmt.Errorf("%w: event without data", ErrInvalidWebhook)
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	userID, err := strconv.ParseInt(session.Metadata["user_id"], 10, 64)
	if err != nil || userID <= 0 {
		return fmt.Errorf("%w: invalid user_id metadata", ErrInvalidWebhook)
	}

	_, _, err = s.Complete(ctx, userID, session.Metadata["package_id"], session.ID)
	if errors.Is(err, ErrPurchaseDuplicate) {
		// Stripe 会重复投递，已入账的直接确认
		return nil
	}
	return err
}
