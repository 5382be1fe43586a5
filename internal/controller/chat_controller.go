package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tokenchat-server/internal/model"
	"tokenchat-server/internal/service"
	"tokenchat-server/pkg/util"
)

// ErrValidation 空消息或正在发送，调用方静默忽略
var ErrValidation = errors.New("消息为空或正在发送")

// SendFailedNotice 消息保存失败时展示的提示
const SendFailedNotice = "Failed to send message. Please try again."

// SendResult 一次成功发送的结果
type SendResult struct {
	Message *model.Message
	Balance int64
}

// ChatController 单个用户的聊天会话
// 发送流程: 余额检查 → 乐观展示 → 获取回复 → 保存 → 扣费 → 展示回复
type ChatController struct {
	userID     int64
	ledger     Ledger
	dispatcher Dispatcher
	store      MessageStore

	mu      sync.Mutex
	sending bool
	view    *View
	// 不展示的 AI 回复 ID：扣费完成前暂存，扣费失败后永久隐藏
	suppressed map[string]struct{}

	listeners listenerSet
}

// NewChatController 创建 ChatController
func NewChatController(userID int64, ledger Ledger, dispatcher Dispatcher, store MessageStore) *ChatController {
	return &ChatController{
		userID:     userID,
		ledger:     ledger,
		dispatcher: dispatcher,
		store:      store,
		view:       NewView(),
		suppressed: make(map[string]struct{}),
	}
}

// UserID 会话所属用户
func (c *ChatController) UserID() int64 {
	return c.userID
}

// Subscribe 注册监听器，返回取消函数
func (c *ChatController) Subscribe(l Listener) func() {
	return c.listeners.add(l)
}

// View 当前视图的副本
func (c *ChatController) View() []ViewMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.Snapshot()
}

// Sending 是否有消息正在发送
func (c *ChatController) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

// Send 发送一条消息
// 返回:
//   - ErrValidation: 空消息或已有消息在发送，没有任何副作用
//   - service.ErrInsufficientTokens: 余额不足，回复服务不会被调用
//   - service.ErrPersistence: 保存失败，不扣费
func (c *ChatController) Send(ctx context.Context, text string) (*SendResult, error) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if util.IsBlank(text) || c.sending {
		c.mu.Unlock()
		return nil, ErrValidation
	}
	c.sending = true
	c.mu.Unlock()

	// 1. 余额检查
	balance, err := c.ledger.GetBalance(ctx, c.userID)
	if err != nil {
		c.finish(func() {
			c.emitLocked(Event{Type: EventNotice, Notice: SendFailedNotice})
		})
		return nil, err
	}
	if balance < model.MessageCost {
		c.finish(func() {
			c.emitLocked(Event{Type: EventTokensInsufficient, Balance: balance, Required: model.MessageCost})
		})
		return nil, service.ErrInsufficientTokens
	}

	// 2. 乐观展示用户消息
	msg := &model.Message{
		ID:         util.GenerateUUID(),
		UserID:     c.userID,
		Message:    text,
		TokensUsed: model.MessageCost,
		CreatedAt:  time.Now(),
	}
	userEntry, aiEntry := UserEntryID(msg.ID), AIEntryID(msg.ID)

	c.mu.Lock()
	c.view.Upsert(ViewMessage{ID: userEntry, Text: text, IsUser: true, CreatedAt: msg.CreatedAt, Pending: true})
	// 扣费完成前实时推送回来的 AI 回复先不展示
	c.suppressed[aiEntry] = struct{}{}
	c.emitViewLocked()
	c.mu.Unlock()

	// 3. 获取回复，失败使用兜底回复
	reply, err := c.dispatcher.Send(ctx, text, c.userID)
	if err != nil {
		slog.Warn("reply service failed, using fallback", "user_id", c.userID, "message_id", msg.ID, "error", err)
		reply = service.FallbackReply
	}
	msg.Response = &reply

	// 4. 保存
	if err := c.store.Save(ctx, msg); err != nil {
		slog.Error("failed to save message", "user_id", c.userID, "message_id", msg.ID, "error", err)
		c.finish(func() {
			delete(c.suppressed, aiEntry)
			if c.view.SetPending(userEntry, false) {
				c.emitViewLocked()
			}
			c.emitLocked(Event{Type: EventNotice, Notice: SendFailedNotice})
		})
		if !errors.Is(err, service.ErrPersistence) {
			err = fmt.Errorf("%w: %w", service.ErrPersistence, err)
		}
		return nil, err
	}

	// 5. 扣费，失败则回滚计费并隐藏回复
	newBalance, err := c.ledger.Debit(ctx, c.userID, model.MessageCost)
	if err != nil {
		c.rollback(ctx, msg, err)
		return nil, err
	}

	// 6. 展示回复
	c.finish(func() {
		delete(c.suppressed, aiEntry)
		c.view.SetPending(userEntry, false)
		c.view.Upsert(ViewMessage{ID: aiEntry, Text: reply, CreatedAt: msg.CreatedAt})
		c.emitViewLocked()
		c.emitLocked(Event{Type: EventBalanceUpdated, Balance: newBalance})
	})
	return &SendResult{Message: msg, Balance: newBalance}, nil
}

// rollback 消息已保存但扣费失败
func (c *ChatController) rollback(ctx context.Context, msg *model.Message, debitErr error) {
	slog.Warn("debit failed after message was saved, rolling back billing",
		"user_id", c.userID, "message_id", msg.ID, "error", debitErr)

	if err := c.store.MarkUnbilled(ctx, msg.ID); err != nil {
		slog.Error("failed to mark message unbilled", "message_id", msg.ID, "error", err)
	}
	msg.TokensUsed = 0
	msg.Unbilled = true

	// 读不到余额时只提示发送失败，不推送不准确的余额
	insufficient := errors.Is(debitErr, service.ErrInsufficientTokens)
	var balance int64
	if insufficient {
		var err error
		if balance, err = c.ledger.GetBalance(ctx, c.userID); err != nil {
			slog.Warn("failed to load balance after debit failure", "user_id", c.userID, "error", err)
			insufficient = false
		}
	}

	c.finish(func() {
		changed := c.view.SetPending(UserEntryID(msg.ID), false)
		if c.view.Remove(AIEntryID(msg.ID)) {
			changed = true
		}
		if changed {
			c.emitViewLocked()
		}
		if insufficient {
			c.emitLocked(Event{Type: EventTokensInsufficient, Balance: balance, Required: model.MessageCost})
		} else {
			c.emitLocked(Event{Type: EventNotice, Notice: SendFailedNotice})
		}
	})
}

// finish 在锁内执行收尾并回到空闲状态
func (c *ChatController) finish(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
	c.sending = false
}

// LoadHistory 加载历史消息并合并进视图
func (c *ChatController) LoadHistory(ctx context.Context) error {
	messages, err := c.store.List(ctx, c.userID, 0)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for i := range messages {
		if c.applyLocked(&messages[i]) {
			changed = true
		}
	}
	if changed {
		c.emitViewLocked()
	}
	return nil
}

// ApplyPersisted 合并一条已保存的消息（实时推送）
func (c *ChatController) ApplyPersisted(msg *model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.applyLocked(msg) {
		c.emitViewLocked()
	}
}

func (c *ChatController) applyLocked(msg *model.Message) bool {
	if msg.UserID != c.userID {
		return false
	}
	changed := false
	for _, m := range ExpandMessage(msg) {
		if _, hidden := c.suppressed[m.ID]; hidden {
			continue
		}
		if c.view.Upsert(m) {
			changed = true
		}
	}
	if msg.Unbilled && c.view.Remove(AIEntryID(msg.ID)) {
		changed = true
	}
	return changed
}

func (c *ChatController) emitViewLocked() {
	c.emitLocked(Event{Type: EventViewUpdated, View: c.view.Snapshot()})
}

func (c *ChatController) emitLocked(e Event) {
	c.listeners.emit(e)
}
