package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tokenchat-server/internal/model"
	"tokenchat-server/internal/realtime"
	"tokenchat-server/internal/repository"
	"tokenchat-server/pkg/util"
)

// ErrPersistence 消息写入失败
var ErrPersistence = errors.New("消息保存失败")

// MessageStore 消息存储
// 写入数据库成功后把完整记录发布到用户频道
type MessageStore struct {
	messageRepo *repository.MessageRepository // 消息数据访问层
	publisher   realtime.Publisher            // 新消息发布，可为 nil
}

// NewMessageStore 创建 MessageStore 实例
func NewMessageStore(messageRepo *repository.MessageRepository, publisher realtime.Publisher) *MessageStore {
	return &MessageStore{
		messageRepo: messageRepo,
		publisher:   publisher,
	}
}

// Save 保存一条消息
// ID 为空时生成 UUID，CreatedAt 为零值时使用当前时间
// 发布失败只记录日志，订阅方重新加载历史时会补齐
// 参数:
//   - ctx: 上下文
//   - msg: 消息对象
//
// 返回:
//   - error: 写入失败返回包装了 ErrPersistence 的错误
func (s *MessageStore) Save(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = util.GenerateUUID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if err := s.messageRepo.Create(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishMessage(ctx, msg); err != nil {
			slog.Warn("failed to publish message event", "message_id", msg.ID, "user_id", msg.UserID, "error", err)
		}
	}
	return nil
}

// List 按创建时间升序返回用户的消息
// limit <= 0 时返回全部，否则返回最近的 limit 条（仍为升序）
func (s *MessageStore) List(ctx context.Context, userID int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return s.messageRepo.GetByUserID(ctx, userID)
	}
	return s.messageRepo.GetLatestByUserID(ctx, userID, limit)
}

// Get 获取用户的一条消息
// 不存在或不属于该用户时返回 nil
func (s *MessageStore) Get(ctx context.Context, userID int64, id string) (*model.Message, error) {
	msg, err := s.messageRepo.GetByID(ctx, id)
	if err != nil || msg == nil || msg.UserID != userID {
		return nil, err
	}
	return msg, nil
}

// Count 用户保存过的消息总数
func (s *MessageStore) Count(ctx context.Context, userID int64) (int64, error) {
	return s.messageRepo.CountByUserID(ctx, userID)
}

// MarkUnbilled 扣费失败后回滚消息的计费
func (s *MessageStore) MarkUnbilled(ctx context.Context, id string) error {
	if err := s.messageRepo.MarkUnbilled(ctx, id); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}
