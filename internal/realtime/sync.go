package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"tokenchat-server/internal/model"
)

// Sink 接收已持久化消息的一方（聊天视图）
type Sink interface {
	ApplyPersisted(msg *model.Message)
}

// ErrSyncStarted Start 被重复调用
var ErrSyncStarted = errors.New("realtime sync already started")

// Sync 把用户频道上的新消息逐条合并进视图
// 只有一个消费协程，前一条处理完之前不会处理下一条
type Sync struct {
	subscriber Subscriber
	userID     int64
	sink       Sink

	mu   sync.Mutex
	sub  Subscription
	stop chan struct{}
	done chan struct{}
}

// NewSync 创建 Sync
func NewSync(subscriber Subscriber, userID int64, sink Sink) *Sync {
	return &Sync{
		subscriber: subscriber,
		userID:     userID,
		sink:       sink,
	}
}

// Start 先订阅，再执行 seed（一般是加载历史记录），最后开始消费
// 订阅早于历史加载，两者之间写入的消息会缓冲在订阅里，合并时按 ID 去重
func (s *Sync) Start(ctx context.Context, seed func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return ErrSyncStarted
	}

	sub, err := s.subscriber.Subscribe(ctx, s.userID)
	if err != nil {
		return err
	}

	if seed != nil {
		if err := seed(ctx); err != nil {
			_ = sub.Close()
			return err
		}
	}

	s.sub = sub
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.consume(sub, s.stop, s.done)
	return nil
}

func (s *Sync) consume(sub Subscription, stop, done chan struct{}) {
	defer close(done)
	events := sub.Events()
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				return
			}
			if msg.UserID != s.userID {
				slog.Warn("ignoring message event for another user", "user_id", s.userID, "event_user_id", msg.UserID)
				continue
			}
			s.sink.ApplyPersisted(msg)
		case <-stop:
			return
		}
	}
}

// Close 取消订阅并等待消费协程退出
func (s *Sync) Close() error {
	s.mu.Lock()
	sub, stop, done := s.sub, s.stop, s.done
	s.sub = nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	close(stop)
	err := sub.Close()
	<-done
	return err
}
