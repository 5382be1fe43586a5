// Package repository 提供数据访问层的实现
// 封装所有与数据库的交互操作
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tokenchat-server/internal/model"
)

// 数据访问层错误
var (
	ErrUserNotFound        = errors.New("用户不存在")
	ErrInsufficientBalance = errors.New("余额不足")
)

// UserRepository 用户余额数据访问层
// 负责余额的读取和原子增减，是 Token 余额唯一的存储边界
type UserRepository struct {
	db *gorm.DB // GORM 数据库连接实例
}

// NewUserRepository 创建 UserRepository 实例
// 参数:
//   - db: GORM 数据库连接
//
// 返回:
//   - *UserRepository: 用户仓库实例
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// CreateIfAbsent 创建用户（已存在则保持原样）
// 参数:
//   - ctx: 上下文
//   - id: 用户ID
//   - initialTokens: 新用户的初始余额
//
// 返回:
//   - *model.User: 当前用户记录
//   - error: 数据库错误
func (r *UserRepository) CreateIfAbsent(ctx context.Context, id, initialTokens int64) (*model.User, error) {
	user := &model.User{ID: id, TokensRemaining: initialTokens}
	// ON CONFLICT DO NOTHING，重复调用不会重置余额
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(user).Error
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// GetByID 根据 ID 获取用户
// 参数:
//   - ctx: 上下文
//   - id: 用户ID
//
// 返回:
//   - *model.User: 用户对象，如果未找到返回 nil
//   - error: 数据库错误（不包括记录未找到）
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).First(&user, id).Error
	if err != nil {
		// 检查是否是"记录未找到"错误
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // 未找到返回 nil，不当作错误
		}
		return nil, err
	}
	return &user, nil
}

// GetBalance 获取用户余额
// 参数:
//   - ctx: 上下文
//   - id: 用户ID
//
// 返回:
//   - int64: 当前余额
//   - error: 用户不存在返回 ErrUserNotFound
func (r *UserRepository) GetBalance(ctx context.Context, id int64) (int64, error) {
	user, err := r.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, ErrUserNotFound
	}
	return user.TokensRemaining, nil
}

// DebitTokens 原子扣减余额
// 检查与扣减在同一条条件 UPDATE 中完成：
//
//	UPDATE users SET tokens_remaining = tokens_remaining - ? WHERE id = ? AND tokens_remaining >= ?
//
// 并发扣减不会把余额扣成负数，条件不满足时一行都不会被更新
// 参数:
//   - ctx: 上下文
//   - id: 用户ID
//   - amount: 扣减数量，调用方保证大于 0
//
// 返回:
//   - int64: 扣减后的余额
//   - error: ErrUserNotFound / ErrInsufficientBalance / 数据库错误
func (r *UserRepository) DebitTokens(ctx context.Context, id, amount int64) (int64, error) {
	var balance int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.User{}).
			Where("id = ? AND tokens_remaining >= ?", id, amount).
			Updates(map[string]interface{}{
				"tokens_remaining": gorm.Expr("tokens_remaining - ?", amount),
				"updated_at":       time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 没有更新任何行：用户不存在或余额不足
			var count int64
			if err := tx.Model(&model.User{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrUserNotFound
			}
			return ErrInsufficientBalance
		}
		return readBalance(tx, id, &balance)
	})
	return balance, err
}

// CreditTokens 增加余额
// 参数:
//   - ctx: 上下文
//   - id: 用户ID
//   - amount: 增加数量，调用方保证大于 0
//
// 返回:
//   - int64: 增加后的余额
//   - error: ErrUserNotFound / 数据库错误
func (r *UserRepository) CreditTokens(ctx context.Context, id, amount int64) (int64, error) {
	var balance int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.User{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"tokens_remaining": gorm.Expr("tokens_remaining + ?", amount),
				"updated_at":       time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return readBalance(tx, id, &balance)
	})
	return balance, err
}

// readBalance 在同一事务中读取更新后的余额
func readBalance(tx *gorm.DB, id int64, out *int64) error {
	var user model.User
	if err := tx.Select("id", "tokens_remaining").First(&user, id).Error; err != nil {
		return err
	}
	*out = user.TokensRemaining
	return nil
}
