// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"tokenchat-server/internal/model"
)

// ErrDuplicatePurchase 同一支付引用已经入账
var ErrDuplicatePurchase = errors.New("支付已入账")

// PurchaseRepository 购买记录数据访问层
type PurchaseRepository struct {
	db *gorm.DB
}

// NewPurchaseRepository 创建 PurchaseRepository 实例
func NewPurchaseRepository(db *gorm.DB) *PurchaseRepository {
	return &PurchaseRepository{db: db}
}

// Create 记录一次购买
// external_ref 已存在时返回 ErrDuplicatePurchase
// 参数:
//   - ctx: 上下文
//   - purchase: 购买记录
//
// 返回:
//   - error: ErrDuplicatePurchase / 数据库错误
func (r *PurchaseRepository) Create(ctx context.Context, purchase *model.Purchase) error {
	existing, err := r.GetByExternalRef(ctx, purchase.ExternalRef)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrDuplicatePurchase
	}

	if err := r.db.WithContext(ctx).Create(purchase).Error; err != nil {
		// 并发回调可能同时通过上面的检查，由唯一索引兜底
		if again, _ := r.GetByExternalRef(ctx, purchase.ExternalRef); again != nil {
			return ErrDuplicatePurchase
		}
		return err
	}
	return nil
}

// GetByExternalRef 根据支付引用查找购买记录
func (r *PurchaseRepository) GetByExternalRef(ctx context.Context, ref string) (*model.Purchase, error) {
	var purchase model.Purchase
	err := r.db.WithContext(ctx).Where("external_ref = ?", ref).First(&purchase).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &purchase, nil
}

// Delete 删除购买记录
// 入账失败时撤销已写入的记录
func (r *PurchaseRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&model.Purchase{}, id).Error
}

// GetByUserID 获取用户的购买记录，最近的在前
func (r *PurchaseRepository) GetByUserID(ctx context.Context, userID int64) ([]model.Purchase, error) {
	var purchases []model.Purchase
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&purchases).Error
	return purchases, err
}
