// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"tokenchat-server/internal/model"
)

// MessageRepository 聊天消息数据访问层
// 负责消息相关的所有数据库操作
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建 MessageRepository 实例
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create 创建新消息
// 参数:
//   - ctx: 上下文
//   - message: 消息对象，ID 必须由调用方生成
//
// 返回:
//   - error: 数据库错误
func (r *MessageRepository) Create(ctx context.Context, message *model.Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

// GetByID 根据 ID 获取消息
// 参数:
//   - ctx: 上下文
//   - id: 消息ID
//
// 返回:
//   - *model.Message: 消息对象，未找到返回 nil
//   - error: 数据库错误
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	var message model.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &message, nil
}

// GetByUserID 获取用户的所有消息
// 按创建时间正序排列（最早的在前）
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID
//
// 返回:
//   - []model.Message: 消息列表
//   - error: 数据库错误
func (r *MessageRepository) GetByUserID(ctx context.Context, userID int64) ([]model.Message, error) {
	var messages []model.Message
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC"). // 按时间正序，方便展示对话
		Find(&messages).Error
	return messages, err
}

// GetLatestByUserID 获取用户最新的 N 条消息
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID
//   - limit: 要获取的消息数量
//
// 返回:
//   - []model.Message: 消息列表（按时间正序）
//   - error: 数据库错误
func (r *MessageRepository) GetLatestByUserID(ctx context.Context, userID int64, limit int) ([]model.Message, error) {
	var messages []model.Message

	// 子查询：先按时间倒序取最新的 N 条
	// 然后外层查询再按时间正序排列
	subQuery := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit)

	err := r.db.WithContext(ctx).
		Table("(?) as t", subQuery).
		Order("created_at ASC").
		Find(&messages).Error

	return messages, err
}

// MarkUnbilled 将消息标记为未计费
// 扣费失败回滚时调用：tokens_used 归零并设置 unbilled 标记
// 参数:
//   - ctx: 上下文
//   - id: 消息ID
//
// 返回:
//   - error: 数据库错误
func (r *MessageRepository) MarkUnbilled(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"tokens_used": 0,
			"unbilled":    true,
		}).Error
}

// CountByUserID 统计用户的消息数量
func (r *MessageRepository) CountByUserID(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}
