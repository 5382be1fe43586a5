package controller

import (
	"context"

	"tokenchat-server/internal/realtime"
)

// Deps 创建会话需要的依赖
type Deps struct {
	Ledger     Ledger
	Dispatcher Dispatcher
	Store      MessageStore
	Sessions   VoiceSessions
	Subscriber realtime.Subscriber // 为 nil 时不接收实时推送
}

// Conversation 一个用户的聊天和语音会话
// 同一用户的多个连接共享一个 Conversation
type Conversation struct {
	UserID int64
	Chat   *ChatController
	Voice  *VoiceController

	subscriber realtime.Subscriber
	sync       *realtime.Sync
}

// NewConversation 创建 Conversation
func NewConversation(userID int64, deps Deps) *Conversation {
	return &Conversation{
		UserID:     userID,
		Chat:       NewChatController(userID, deps.Ledger, deps.Dispatcher, deps.Store),
		Voice:      NewVoiceController(userID, deps.Ledger, deps.Sessions),
		subscriber: deps.Subscriber,
	}
}

// Start 恢复语音会话，订阅新消息并加载历史
func (c *Conversation) Start(ctx context.Context) error {
	if err := c.Voice.Restore(ctx); err != nil {
		return err
	}
	if c.subscriber == nil {
		return c.Chat.LoadHistory(ctx)
	}
	c.sync = realtime.NewSync(c.subscriber, c.UserID, c.Chat)
	return c.sync.Start(ctx, c.Chat.LoadHistory)
}

// Subscribe 同时监听聊天和语音事件
func (c *Conversation) Subscribe(l Listener) func() {
	cancelChat := c.Chat.Subscribe(l)
	cancelVoice := c.Voice.Subscribe(l)
	return func() {
		cancelChat()
		cancelVoice()
	}
}

// Close 停止接收实时推送
// 语音会话不会被结束，重新连接后由 Restore 接管
func (c *Conversation) Close() error {
	if c.sync == nil {
		return nil
	}
	return c.sync.Close()
}
