// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// VoiceSession 语音会话模型
// 对应数据库表 voice_sessions
// 每个用户同一时间最多只有一个未结束（ended_at 为 NULL）的会话
type VoiceSession struct {
	// ID 会话唯一标识（UUID）
	ID string `gorm:"primaryKey;size:36" json:"id"`

	// UserID 所属用户ID
	UserID int64 `gorm:"index;not null" json:"user_id"`

	// StartedAt 会话开始时间
	StartedAt time.Time `gorm:"not null" json:"started_at"`

	// EndedAt 会话结束时间，进行中为 NULL
	EndedAt *time.Time `gorm:"index" json:"ended_at,omitempty"`

	// TokensHeld 开始时扣除的 Token 数，提前结束不退还
	TokensHeld int `gorm:"not null" json:"tokens_held"`
}

// TableName 指定表名
func (VoiceSession) TableName() string {
	return "voice_sessions"
}

// IsOpen 会话是否仍在进行中
func (s *VoiceSession) IsOpen() bool {
	return s.EndedAt == nil
}
