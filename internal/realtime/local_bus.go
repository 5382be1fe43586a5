package realtime

import (
	"context"
	"sync"

	"tokenchat-server/internal/model"
)

// LocalBus 进程内消息总线
// 用于命令行工具和测试，不跨进程
type LocalBus struct {
	mu   sync.Mutex
	subs map[int64][]*localSubscription
}

// NewLocalBus 创建 LocalBus
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int64][]*localSubscription)}
}

// PublishMessage 投递给该用户的所有订阅
// 订阅缓冲已满时阻塞，直到订阅被消费或关闭
func (b *LocalBus) PublishMessage(ctx context.Context, msg *model.Message) error {
	b.mu.Lock()
	subs := append([]*localSubscription(nil), b.subs[msg.UserID]...)
	b.mu.Unlock()

	for _, s := range subs {
		copied := *msg
		select {
		case s.events <- &copied:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe 订阅用户消息
func (b *LocalBus) Subscribe(ctx context.Context, userID int64) (Subscription, error) {
	s := &localSubscription{
		bus:    b,
		userID: userID,
		events: make(chan *model.Message, eventBuffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[userID] = append(b.subs[userID], s)
	b.mu.Unlock()
	return s, nil
}

// Close 关闭所有订阅
func (b *LocalBus) Close() error {
	b.mu.Lock()
	var all []*localSubscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.mu.Unlock()

	for _, s := range all {
		_ = s.Close()
	}
	return nil
}

func (b *LocalBus) remove(s *localSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[s.userID]
	for i, c := range subs {
		if c == s {
			b.subs[s.userID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.userID]) == 0 {
		delete(b.subs, s.userID)
	}
}

type localSubscription struct {
	bus    *LocalBus
	userID int64
	events chan *model.Message
	done   chan struct{}
	once   sync.Once
}

func (s *localSubscription) Events() <-chan *model.Message {
	return s.events
}

// Close 停止订阅
// events 不再接收新消息，消费方通过 done 退出
func (s *localSubscription) Close() error {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
	return nil
}
