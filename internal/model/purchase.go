// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// PurchaseStatus 购买记录状态常量
const (
	PurchaseStatusCompleted = "completed" // 支付完成并已入账
)

// Purchase Token 购买记录
// 对应数据库表 purchases
// 支付本身由外部服务完成，这里只记录入账结果
type Purchase struct {
	// ID 记录唯一标识，自增主键
	ID int64 `gorm:"primaryKey" json:"id"`

	// UserID 购买用户ID
	UserID int64 `gorm:"index;not null" json:"user_id"`

	// PackageID 套餐标识，如 starter / popular / premium
	PackageID string `gorm:"size:32;not null" json:"package_id"`

	// TokensPurchased 本次入账的 Token 数
	TokensPurchased int64 `gorm:"not null" json:"tokens_purchased"`

	// AmountCents 支付金额（美分）
	AmountCents int64 `gorm:"not null" json:"amount_cents"`

	// Status 记录状态
	Status string `gorm:"size:20;not null" json:"status"`

	// ExternalRef 支付服务的订单引用（如 Stripe Checkout Session ID）
	// 唯一索引保证同一笔支付只入账一次
	ExternalRef string `gorm:"size:255;uniqueIndex;not null" json:"external_ref"`

	// CreatedAt 创建时间
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (Purchase) TableName() string {
	return "purchases"
}
