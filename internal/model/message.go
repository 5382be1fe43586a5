// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// Message 聊天消息模型
// 对应数据库表 chat_messages
// 一条记录同时保存用户发送的内容和 AI 的回复
type Message struct {
	// ID 消息唯一标识（UUID）
	// 由发送方在持久化之前生成，实时推送回来的记录可以按 ID 去重
	ID string `gorm:"primaryKey;size:36" json:"id"`

	// UserID 所属用户ID
	UserID int64 `gorm:"index;not null" json:"user_id"`

	// Message 用户发送的内容
	Message string `gorm:"type:text;not null" json:"message"`

	// Response AI 回复，未回复前为 NULL
	Response *string `gorm:"type:text" json:"response"`

	// TokensUsed 本条消息消耗的 Token 数
	TokensUsed int `gorm:"not null;default:0" json:"tokens_used"`

	// Unbilled 扣费失败后回滚的标记
	// 为 true 时 AI 回复不会展示给用户
	Unbilled bool `gorm:"not null;default:false" json:"unbilled"`

	// CreatedAt 消息创建时间
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName 指定表名
func (Message) TableName() string {
	return "chat_messages"
}

// HasVisibleResponse AI 回复是否应该展示
func (m *Message) HasVisibleResponse() bool {
	return m.Response != nil && !m.Unbilled
}
