package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tokenchat-server/internal/cache"
	"tokenchat-server/internal/model"
	"tokenchat-server/internal/repository"
	"tokenchat-server/pkg/util"
)

// 语音会话相关错误
var (
	ErrVoiceSessionOpen = errors.New("已有进行中的语音会话")
)

// VoiceSessionService 语音会话记录服务
// 负责会话记录的开启、结束，以及 Redis 中的进行中标记
type VoiceSessionService struct {
	sessionRepo *repository.VoiceSessionRepository // 语音会话数据访问层
	cache       *cache.RedisCache                  // Redis 缓存，可为 nil
}

// NewVoiceSessionService 创建 VoiceSessionService 实例
func NewVoiceSessionService(sessionRepo *repository.VoiceSessionRepository, cache *cache.RedisCache) *VoiceSessionService {
	return &VoiceSessionService{
		sessionRepo: sessionRepo,
		cache:       cache,
	}
}

// Open 开启一个语音会话记录
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID
//   - tokensHeld: 已扣除的 Token 数
//
// 返回:
//   - *model.VoiceSession: 新会话
//   - error: ErrVoiceSessionOpen / 数据库错误
func (s *VoiceSessionService) Open(ctx context.Context, userID int64, tokensHeld int) (*model.VoiceSession, error) {
	session := &model.VoiceSession{
		ID:         util.GenerateUUID(),
		UserID:     userID,
		StartedAt:  time.Now(),
		TokensHeld: tokensHeld,
	}
	if err := s.sessionRepo.Open(ctx, session); err != nil {
		if errors.Is(err, repository.ErrVoiceSessionOpen) {
			return nil, ErrVoiceSessionOpen
		}
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetActiveVoiceSession(ctx, userID, session.ID); err != nil {
			slog.Warn("failed to set voice session marker", "user_id", userID, "session_id", session.ID, "error", err)
		}
	}
	return session, nil
}

// GetOpen 获取用户进行中的会话，没有返回 nil
func (s *VoiceSessionService) GetOpen(ctx context.Context, userID int64) (*model.VoiceSession, error) {
	return s.sessionRepo.GetOpenByUserID(ctx, userID)
}

// Close 结束会话，不退还 Token
// 参数:
//   - ctx: 上下文
//   - session: 进行中的会话
//
// 返回:
//   - error: 数据库错误
func (s *VoiceSessionService) Close(ctx context.Context, session *model.VoiceSession) error {
	endedAt := time.Now()
	if err := s.sessionRepo.Close(ctx, session.ID, endedAt); err != nil {
		return err
	}
	session.EndedAt = &endedAt

	if s.cache != nil {
		if err := s.cache.ClearActiveVoiceSession(ctx, session.UserID); err != nil {
			slog.Warn("failed to clear voice session marker", "user_id", session.UserID, "session_id", session.ID, "error", err)
		}
	}
	return nil
}

// List 获取用户最近的语音会话
func (s *VoiceSessionService) List(ctx context.Context, userID int64, limit int) ([]model.VoiceSession, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.sessionRepo.GetByUserID(ctx, userID, limit)
}
