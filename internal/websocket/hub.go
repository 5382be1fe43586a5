// Package websocket 提供 WebSocket 通信功能
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tokenchat-server/internal/controller"
)

// ErrHubClosed Hub 已关闭
var ErrHubClosed = errors.New("hub closed")

// conversationEntry 一个用户的会话及其引用计数
type conversationEntry struct {
	conv  *controller.Conversation
	refs  int
	ready chan struct{} // Start 完成后关闭
	err   error         // Start 的结果
	idle  *time.Timer   // 引用归零后的延迟关闭
	gen   uint64        // 每次进入空闲加一，过期回调据此判断是否仍有效
}

// Hub 是 WebSocket 连接的中心管理器
// 负责：
// 1. 管理每个用户的 Conversation（同一用户的所有连接共享）
// 2. 管理所有客户端连接
// 3. 把会话事件推送给该用户的客户端
type Hub struct {
	deps controller.Deps

	// 最后一个引用释放后会话保留的时间
	// REST 请求之间复用同一个会话，不必每次重新订阅和加载历史
	idleTTL time.Duration

	// 用户会话映射：userID -> 会话
	conversations map[int64]*conversationEntry

	// 客户端映射：userID -> 客户端集合
	// 一个用户可能有多个连接（多设备登录）
	clients map[int64]map[*Client]struct{}

	closed bool

	// 互斥锁，保护并发访问
	mu sync.Mutex
}

// NewHub 创建 Hub 实例
// idleTTL 为 0 时最后一个引用释放后立即关闭会话
func NewHub(deps controller.Deps, idleTTL time.Duration) *Hub {
	return &Hub{
		deps:          deps,
		idleTTL:       idleTTL,
		conversations: make(map[int64]*conversationEntry),
		clients:       make(map[int64]map[*Client]struct{}),
	}
}

// Acquire 获取用户的会话，不存在则创建并启动
// 调用方用完后必须调用返回的 release，最后一个引用释放 idleTTL 后会话被关闭
func (h *Hub) Acquire(ctx context.Context, userID int64) (*controller.Conversation, func(), error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrHubClosed
	}
	entry, ok := h.conversations[userID]
	starting := !ok
	if starting {
		entry = &conversationEntry{
			conv:  controller.NewConversation(userID, h.deps),
			ready: make(chan struct{}),
		}
		h.conversations[userID] = entry
	}
	entry.refs++
	if entry.idle != nil {
		entry.idle.Stop()
		entry.idle = nil
	}
	h.mu.Unlock()

	if starting {
		// 会话比发起请求的连接活得更久，不跟随请求取消
		entry.err = entry.conv.Start(context.WithoutCancel(ctx))
		if entry.err != nil {
			// 启动失败的会话不再复用
			h.mu.Lock()
			if h.conversations[userID] == entry {
				delete(h.conversations, userID)
			}
			h.mu.Unlock()
		}
		close(entry.ready)
	} else {
		select {
		case <-entry.ready:
		case <-ctx.Done():
			h.release(userID, entry)
			return nil, nil, ctx.Err()
		}
	}

	if entry.err != nil {
		h.release(userID, entry)
		return nil, nil, entry.err
	}

	var once sync.Once
	return entry.conv, func() {
		once.Do(func() { h.release(userID, entry) })
	}, nil
}

func (h *Hub) release(userID int64, entry *conversationEntry) {
	h.mu.Lock()
	entry.refs--
	if entry.refs > 0 {
		h.mu.Unlock()
		return
	}
	current := h.conversations[userID] == entry
	if current && entry.err == nil && h.idleTTL > 0 && !h.closed {
		entry.gen++
		gen := entry.gen
		entry.idle = time.AfterFunc(h.idleTTL, func() { h.expire(userID, entry, gen) })
		h.mu.Unlock()
		return
	}
	if current {
		delete(h.conversations, userID)
	}
	h.mu.Unlock()

	if entry.err == nil {
		closeConversation(entry)
	}
}

// expire 空闲超时后关闭会话，期间被重新获取则什么也不做
func (h *Hub) expire(userID int64, entry *conversationEntry, gen uint64) {
	h.mu.Lock()
	if entry.refs > 0 || entry.idle == nil || entry.gen != gen {
		h.mu.Unlock()
		return
	}
	entry.idle = nil
	if h.conversations[userID] == entry {
		delete(h.conversations, userID)
	}
	h.mu.Unlock()

	closeConversation(entry)
}

func closeConversation(entry *conversationEntry) {
	if err := entry.conv.Close(); err != nil {
		slog.Warn("failed to close conversation", "user_id", entry.conv.UserID, "error", err)
	}
}

// Register 注册客户端：获取会话、订阅事件并推送初始状态
func (h *Hub) Register(ctx context.Context, client *Client) error {
	conv, release, err := h.Acquire(ctx, client.userID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		release()
		return ErrHubClosed
	}
	if h.clients[client.userID] == nil {
		h.clients[client.userID] = make(map[*Client]struct{})
	}
	h.clients[client.userID][client] = struct{}{}
	h.mu.Unlock()

	client.attach(conv, release)
	h.sendSnapshot(ctx, client, conv)

	slog.Info("client registered", "user_id", client.userID, "clients", h.ClientCount(client.userID))
	return nil
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if clients := h.clients[client.userID]; clients != nil {
		delete(clients, client)
		// 如果没有连接了，删除 key
		if len(clients) == 0 {
			delete(h.clients, client.userID)
		}
	}
	h.mu.Unlock()

	client.detach()
	client.Close()
	slog.Info("client unregistered", "user_id", client.userID)
}

// ClientCount 用户当前的连接数
func (h *Hub) ClientCount(userID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[userID])
}

// Run 等待 ctx 结束后关闭所有连接
// 应该在单独的 goroutine 中运行
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.Shutdown()
}

// Shutdown 关闭所有客户端，之后不再接受新连接
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	var all []*Client
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	var idle []*conversationEntry
	for userID, entry := range h.conversations {
		if entry.refs == 0 && entry.idle != nil {
			entry.idle.Stop()
			entry.idle = nil
			delete(h.conversations, userID)
			idle = append(idle, entry)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		h.Unregister(c)
	}
	for _, entry := range idle {
		closeConversation(entry)
	}
}

// sendSnapshot 推送视图、余额和语音状态
func (h *Hub) sendSnapshot(ctx context.Context, client *Client, conv *controller.Conversation) {
	client.SendMessage(NewMessage(TypeViewUpdate, &ViewPayload{Messages: conv.Chat.View()}))

	if balance, err := h.deps.Ledger.GetBalance(ctx, client.userID); err == nil {
		client.SendMessage(NewMessage(TypeBalanceUpdate, &BalancePayload{Balance: balance}))
	} else {
		slog.Warn("failed to load balance for snapshot", "user_id", client.userID, "error", err)
	}

	state := conv.Voice.State()
	client.SendMessage(NewMessage(TypeVoiceState, &state))
}
