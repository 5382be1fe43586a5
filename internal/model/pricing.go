package model

// 计费常量
const (
	// MessageCost 每条文字消息消耗的 Token
	MessageCost = 5

	// VoiceSessionCost 每次语音会话消耗的 Token（开始时一次性扣除）
	VoiceSessionCost = 10

	// InitialTokens 新账户赠送的 Token
	InitialTokens = 100
)
