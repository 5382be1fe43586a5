// Package websocket 提供 WebSocket 通信功能
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tokenchat-server/internal/controller"
	"tokenchat-server/internal/service"
	"tokenchat-server/pkg/response"
)

// Client 表示一个 WebSocket 客户端连接
type Client struct {
	hub    *Hub            // 所属的 Hub
	conn   *websocket.Conn // WebSocket 连接
	send   chan []byte     // 发送消息的通道
	done   chan struct{}   // 连接关闭后关闭
	userID int64           // 用户ID

	mu          sync.Mutex
	conv        *controller.Conversation
	release     func()
	unsubscribe func()
	closeOnce   sync.Once
}

// 连接配置常量
const (
	// 写超时时间
	writeWait = 10 * time.Second

	// 等待 Pong 响应的超时时间
	pongWait = 60 * time.Second

	// 发送 Ping 的间隔（必须小于 pongWait）
	pingPeriod = (pongWait * 9) / 10

	// 消息最大大小（64KB）
	maxMessageSize = 64 * 1024
)

// NewClient 创建新的客户端
func NewClient(hub *Hub, conn *websocket.Conn, userID int64) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256), // 缓冲区大小
		done:   make(chan struct{}),
		userID: userID,
	}
}

// attach 绑定会话并订阅事件
func (c *Client) attach(conv *controller.Conversation, release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conv = conv
	c.release = release
	c.unsubscribe = conv.Subscribe(func(e controller.Event) {
		if msg := EventToMessage(e); msg != nil {
			c.SendMessage(msg)
		}
	})
}

// detach 取消订阅并释放会话
func (c *Client) detach() {
	c.mu.Lock()
	unsubscribe, release := c.unsubscribe, c.release
	c.unsubscribe, c.release = nil, nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if release != nil {
		release()
	}
}

func (c *Client) conversation() *controller.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

// ReadPump 读取 WebSocket 消息的 goroutine
// 每个客户端连接启动一个 ReadPump
func (c *Client) ReadPump() {
	// 确保退出时清理资源
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	// 每次收到 Pong，重置读取超时
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			// 检查是否是正常关闭
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read error", "user_id", c.userID, "error", err)
			}
			break
		}

		var msg inboundMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.sendError("", response.CodeBadRequest, "消息格式错误")
			continue
		}

		c.handleMessage(&msg)
	}
}

// WritePump 写入 WebSocket 消息的 goroutine
// 每个客户端连接启动一个 WritePump
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// SendMessage 向客户端发送消息
// 非阻塞，缓冲区满时丢弃
func (c *Client) SendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to encode websocket message", "type", msg.Type, "error", err)
		return
	}

	select {
	case <-c.done:
	case c.send <- data:
	default:
		// 如果通道已满，说明客户端处理不过来
		slog.Warn("client send buffer full, dropping message", "user_id", c.userID, "type", msg.Type)
	}
}

// handleMessage 处理接收到的消息
// 发送消息和语音操作可能较慢，放到单独的 goroutine 中执行，不阻塞心跳
func (c *Client) handleMessage(msg *inboundMessage) {
	conv := c.conversation()
	if conv == nil {
		return
	}

	switch msg.Type {
	case TypeHeartbeat:
		c.SendMessage(NewMessageWithID(TypePong, nil, msg.MessageID))

	case TypeChatSend:
		var payload ChatSendPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.sendError(msg.MessageID, response.CodeBadRequest, "消息格式错误")
			return
		}
		go func() {
			_, err := conv.Chat.Send(context.Background(), payload.Text)
			c.reportError(msg.MessageID, err)
		}()

	case TypeVoiceStart:
		go func() {
			c.reportError(msg.MessageID, conv.Voice.Start(context.Background()))
		}()

	case TypeVoiceEnd:
		go func() {
			c.reportError(msg.MessageID, conv.Voice.End(context.Background()))
		}()

	default:
		c.sendError(msg.MessageID, response.CodeBadRequest, "未知的消息类型: "+msg.Type)
	}
}

// reportError 控制器已经通过事件通知过的错误不再重复发送
func (c *Client) reportError(messageID string, err error) {
	switch {
	case err == nil,
		errors.Is(err, controller.ErrValidation),
		errors.Is(err, service.ErrInsufficientTokens),
		errors.Is(err, service.ErrPersistence):
		return
	}
	slog.Error("websocket operation failed", "user_id", c.userID, "error", err)
	c.sendError(messageID, response.CodeInternalError, "操作失败，请稍后重试")
}

func (c *Client) sendError(messageID string, code int, message string) {
	c.SendMessage(NewMessageWithID(TypeError, &ErrorPayload{Code: code, Message: message}, messageID))
}

// Close 关闭客户端连接
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
