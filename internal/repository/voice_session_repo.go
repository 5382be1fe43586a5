// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"tokenchat-server/internal/model"
)

// ErrVoiceSessionOpen 用户已有未结束的语音会话
var ErrVoiceSessionOpen = errors.New("已有进行中的语音会话")

// VoiceSessionRepository 语音会话数据访问层
type VoiceSessionRepository struct {
	db *gorm.DB
}

// NewVoiceSessionRepository 创建 VoiceSessionRepository 实例
func NewVoiceSessionRepository(db *gorm.DB) *VoiceSessionRepository {
	return &VoiceSessionRepository{db: db}
}

// Open 创建新的语音会话
// 同一用户最多只有一个未结束的会话，已存在时返回 ErrVoiceSessionOpen
// 参数:
//   - ctx: 上下文
//   - session: 会话对象，ID 由调用方生成
//
// 返回:
//   - error: ErrVoiceSessionOpen / 数据库错误
func (r *VoiceSessionRepository) Open(ctx context.Context, session *model.VoiceSession) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&model.VoiceSession{}).
			Where("user_id = ? AND ended_at IS NULL", session.UserID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrVoiceSessionOpen
		}
		return tx.Create(session).Error
	})
}

// GetOpenByUserID 获取用户未结束的语音会话
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID
//
// 返回:
//   - *model.VoiceSession: 进行中的会话，没有返回 nil
//   - error: 数据库错误
func (r *VoiceSessionRepository) GetOpenByUserID(ctx context.Context, userID int64) (*model.VoiceSession, error) {
	var session model.VoiceSession
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND ended_at IS NULL", userID).
		Order("started_at DESC").
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// Close 结束语音会话
// 只更新仍在进行中的会话，重复关闭不会覆盖 ended_at
// 参数:
//   - ctx: 上下文
//   - id: 会话ID
//   - endedAt: 结束时间
//
// 返回:
//   - error: 数据库错误
func (r *VoiceSessionRepository) Close(ctx context.Context, id string, endedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.VoiceSession{}).
		Where("id = ? AND ended_at IS NULL", id).
		Update("ended_at", endedAt).Error
}

// GetByUserID 获取用户的语音会话记录，最近的在前
func (r *VoiceSessionRepository) GetByUserID(ctx context.Context, userID int64, limit int) ([]model.VoiceSession, error) {
	var sessions []model.VoiceSession
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("started_at DESC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}
