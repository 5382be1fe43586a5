// Package controller 管理单个用户的聊天和语音会话状态
// 控制器持有本地视图，状态变化通过 Listener 通知给推送层
package controller

import (
	"context"
	"sync"

	"tokenchat-server/internal/model"
)

// EventType 控制器事件类型，与 WebSocket 推送的消息类型一致
type EventType string

const (
	EventViewUpdated        EventType = "view:update"
	EventBalanceUpdated     EventType = "balance:update"
	EventTokensInsufficient EventType = "tokens:insufficient"
	EventVoiceState         EventType = "voice:state"
	EventNotice             EventType = "notice"
)

// Event 控制器事件
// 按 Type 只填充对应的字段
type Event struct {
	Type     EventType
	View     []ViewMessage
	Balance  int64
	Required int64
	Voice    *VoiceSnapshot
	Notice   string
}

// Listener 事件监听器
// 在控制器持有锁时被调用，不能回调控制器，应尽快返回
type Listener func(Event)

// Ledger 控制器使用的账本操作
type Ledger interface {
	GetBalance(ctx context.Context, userID int64) (int64, error)
	Debit(ctx context.Context, userID, amount int64) (int64, error)
	Credit(ctx context.Context, userID, amount int64) (int64, error)
}

// Dispatcher 外部回复服务
type Dispatcher interface {
	Send(ctx context.Context, text string, userID int64) (string, error)
}

// MessageStore 消息存储
type MessageStore interface {
	Save(ctx context.Context, msg *model.Message) error
	List(ctx context.Context, userID int64, limit int) ([]model.Message, error)
	MarkUnbilled(ctx context.Context, id string) error
}

// VoiceSessions 语音会话记录
type VoiceSessions interface {
	Open(ctx context.Context, userID int64, tokensHeld int) (*model.VoiceSession, error)
	GetOpen(ctx context.Context, userID int64) (*model.VoiceSession, error)
	Close(ctx context.Context, session *model.VoiceSession) error
}

// listenerSet 监听器集合
type listenerSet struct {
	mu   sync.Mutex
	next int
	ls   map[int]Listener
}

func (s *listenerSet) add(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ls == nil {
		s.ls = make(map[int]Listener)
	}
	id := s.next
	s.next++
	s.ls[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.ls, id)
			s.mu.Unlock()
		})
	}
}

func (s *listenerSet) emit(e Event) {
	s.mu.Lock()
	ls := make([]Listener, 0, len(s.ls))
	for _, l := range s.ls {
		ls = append(ls, l)
	}
	s.mu.Unlock()

	for _, l := range ls {
		l(e)
	}
}
