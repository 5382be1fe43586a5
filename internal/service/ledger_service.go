// Package service 提供业务逻辑层的实现
package service

import (
	"context"
	"errors"
	"fmt"

	"tokenchat-server/internal/model"
	"tokenchat-server/internal/repository"
)

// 账本相关错误
var (
	ErrInsufficientTokens = errors.New("Token 余额不足")
	ErrInvalidAmount      = errors.New("数量必须大于 0")
	ErrUserNotFound       = errors.New("用户不存在")
)

// LedgerService Token 账本
// 余额的唯一读写入口，扣减不会超出余额，也不会部分扣减
type LedgerService struct {
	userRepo      *repository.UserRepository // 用户余额数据访问层
	initialTokens int64                      // 新账户赠送的 Token
}

// NewLedgerService 创建 LedgerService 实例
func NewLedgerService(userRepo *repository.UserRepository, initialTokens int64) *LedgerService {
	return &LedgerService{
		userRepo:      userRepo,
		initialTokens: initialTokens,
	}
}

// OpenAccount 为用户开户，已存在则直接返回
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID（来自认证服务）
//
// 返回:
//   - *model.User: 用户余额记录
//   - error: 数据库错误
func (s *LedgerService) OpenAccount(ctx context.Context, userID int64) (*model.User, error) {
	return s.userRepo.CreateIfAbsent(ctx, userID, s.initialTokens)
}

// GetBalance 查询余额
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID
//
// 返回:
//   - int64: 当前余额
//   - error: 用户不存在返回 ErrUserNotFound
func (s *LedgerService) GetBalance(ctx context.Context, userID int64) (int64, error) {
	balance, err := s.userRepo.GetBalance(ctx, userID)
	if err != nil {
		return 0, translateLedgerError(err)
	}
	return balance, nil
}

// Debit 扣减 Token
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID
//   - amount: 扣减数量
//
// 返回:
//   - int64: 扣减后的余额
//   - error: ErrInvalidAmount / ErrInsufficientTokens / ErrUserNotFound
func (s *LedgerService) Debit(ctx context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := s.userRepo.DebitTokens(ctx, userID, amount)
	if err != nil {
		return 0, translateLedgerError(err)
	}
	return balance, nil
}

// Credit 增加 Token
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID
//   - amount: 增加数量
//
// 返回:
//   - int64: 增加后的余额
//   - error: ErrInvalidAmount / ErrUserNotFound
func (s *LedgerService) Credit(ctx context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := s.userRepo.CreditTokens(ctx, userID, amount)
	if err != nil {
		return 0, translateLedgerError(err)
	}
	return balance, nil
}

// translateLedgerError 把数据层错误转换为业务错误
func translateLedgerError(err error) error {
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		return ErrUserNotFound
	case errors.Is(err, repository.ErrInsufficientBalance):
		return ErrInsufficientTokens
	default:
		return fmt.Errorf("ledger: %w", err)
	}
}
