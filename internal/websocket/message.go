// Package websocket 提供 WebSocket 通信功能
// 把用户的聊天视图、余额和语音状态实时推送给客户端
package websocket

import (
	"encoding/json"
	"time"

	"tokenchat-server/internal/controller"
)

// MessageType 消息类型常量
const (
	// 客户端 → 服务端
	TypeHeartbeat  = "heartbeat"   // 心跳
	TypeChatSend   = "chat:send"   // 发送聊天消息
	TypeVoiceStart = "voice:start" // 开始语音会话
	TypeVoiceEnd   = "voice:end"   // 结束语音会话

	// 服务端 → 客户端
	TypeViewUpdate         = "view:update"         // 聊天视图更新
	TypeBalanceUpdate      = "balance:update"      // 余额更新
	TypeTokensInsufficient = "tokens:insufficient" // 余额不足
	TypeVoiceState         = "voice:state"         // 语音会话状态
	TypeNotice             = "notice"              // 提示信息

	// 通用
	TypeError = "error" // 错误消息
	TypePong  = "pong"  // 心跳响应
)

// Message WebSocket 消息结构
// 所有消息都使用这个统一的结构
type Message struct {
	Type      string      `json:"type"`                 // 消息类型
	Payload   interface{} `json:"payload,omitempty"`    // 消息内容
	Timestamp int64       `json:"timestamp"`            // 时间戳（毫秒）
	MessageID string      `json:"message_id,omitempty"` // 消息ID，用于追踪
}

// inboundMessage 客户端发来的消息，payload 按类型延迟解析
type inboundMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	MessageID string          `json:"message_id,omitempty"`
}

// NewMessage 创建新消息
func NewMessage(msgType string, payload interface{}) *Message {
	return &Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewMessageWithID 创建带消息ID的新消息
// 用于回复客户端的某条请求
func NewMessageWithID(msgType string, payload interface{}, messageID string) *Message {
	msg := NewMessage(msgType, payload)
	msg.MessageID = messageID
	return msg
}

// ==================== Payload 类型定义 ====================

// ChatSendPayload 发送消息 Payload
type ChatSendPayload struct {
	Text string `json:"text"` // 消息内容
}

// ViewPayload 聊天视图 Payload
type ViewPayload struct {
	Messages []controller.ViewMessage `json:"messages"`
}

// BalancePayload 余额 Payload
type BalancePayload struct {
	Balance int64 `json:"balance"`
}

// InsufficientPayload 余额不足 Payload
type InsufficientPayload struct {
	Balance  int64 `json:"balance"`  // 当前余额
	Required int64 `json:"required"` // 所需 Token
}

// NoticePayload 提示 Payload
type NoticePayload struct {
	Text string `json:"text"`
}

// ErrorPayload 错误消息 Payload
type ErrorPayload struct {
	Code    int    `json:"code"`    // 错误码
	Message string `json:"message"` // 错误信息
}

// EventToMessage 把控制器事件转换为推送消息
func EventToMessage(e controller.Event) *Message {
	switch e.Type {
	case controller.EventViewUpdated:
		return NewMessage(TypeViewUpdate, &ViewPayload{Messages: e.View})
	case controller.EventBalanceUpdated:
		return NewMessage(TypeBalanceUpdate, &BalancePayload{Balance: e.Balance})
	case controller.EventTokensInsufficient:
		return NewMessage(TypeTokensInsufficient, &InsufficientPayload{Balance: e.Balance, Required: e.Required})
	case controller.EventVoiceState:
		return NewMessage(TypeVoiceState, e.Voice)
	case controller.EventNotice:
		return NewMessage(TypeNotice, &NoticePayload{Text: e.Notice})
	default:
		return nil
	}
}
