package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tokenchat-server/internal/model"
	"tokenchat-server/internal/service"
)

// VoiceStartFailedNotice 语音会话开启失败且无法确定余额时展示的提示
const VoiceStartFailedNotice = "Failed to start voice session. Please try again."

// VoiceState 语音会话状态
type VoiceState string

const (
	VoiceIdle   VoiceState = "idle"
	VoiceActive VoiceState = "active"
)

// VoiceSnapshot 语音会话状态快照
type VoiceSnapshot struct {
	State      VoiceState `json:"state"`
	SessionID  string     `json:"session_id,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	TokensHeld int        `json:"tokens_held,omitempty"`
}

// VoiceController 单个用户的语音会话状态机
// Idle --Start--> Active --End--> Idle
// 开始时一次性扣除 VoiceSessionCost，结束不退还
type VoiceController struct {
	userID   int64
	ledger   Ledger
	sessions VoiceSessions

	// 整个 Start/End 期间持有，连续两次 Start 串行执行
	mu      sync.Mutex
	session *model.VoiceSession

	listeners listenerSet
}

// NewVoiceController 创建 VoiceController
func NewVoiceController(userID int64, ledger Ledger, sessions VoiceSessions) *VoiceController {
	return &VoiceController{
		userID:   userID,
		ledger:   ledger,
		sessions: sessions,
	}
}

// Subscribe 注册监听器，返回取消函数
func (v *VoiceController) Subscribe(l Listener) func() {
	return v.listeners.add(l)
}

// State 当前状态
func (v *VoiceController) State() VoiceSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// Start 开始语音会话
// 已在进行中时什么也不做
func (v *VoiceController) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.session != nil {
		return nil
	}

	balance, err := v.ledger.GetBalance(ctx, v.userID)
	if err != nil {
		return err
	}
	if balance < model.VoiceSessionCost {
		v.listeners.emit(Event{Type: EventTokensInsufficient, Balance: balance, Required: model.VoiceSessionCost})
		return service.ErrInsufficientTokens
	}

	newBalance, err := v.ledger.Debit(ctx, v.userID, model.VoiceSessionCost)
	if err != nil {
		if errors.Is(err, service.ErrInsufficientTokens) {
			// 检查之后被其它扣费抢先
			current, balanceErr := v.ledger.GetBalance(ctx, v.userID)
			if balanceErr != nil {
				slog.Warn("failed to load balance after debit failure", "user_id", v.userID, "error", balanceErr)
				v.listeners.emit(Event{Type: EventNotice, Notice: VoiceStartFailedNotice})
			} else {
				v.listeners.emit(Event{Type: EventTokensInsufficient, Balance: current, Required: model.VoiceSessionCost})
			}
		}
		return err
	}

	session, err := v.sessions.Open(ctx, v.userID, model.VoiceSessionCost)
	if err != nil {
		// 记录没有开启，退还刚扣除的 Token
		refunded, creditErr := v.ledger.Credit(ctx, v.userID, model.VoiceSessionCost)
		if creditErr != nil {
			slog.Error("failed to refund voice session tokens", "user_id", v.userID, "error", creditErr)
		} else {
			newBalance = refunded
		}

		if !errors.Is(err, service.ErrVoiceSessionOpen) {
			return err
		}
		// 其它连接已经开启了会话，直接接管
		session, err = v.sessions.GetOpen(ctx, v.userID)
		if err != nil {
			return err
		}
		if session == nil {
			return service.ErrVoiceSessionOpen
		}
	}

	v.session = session
	slog.Info("voice session started", "user_id", v.userID, "session_id", session.ID)
	v.listeners.emit(Event{Type: EventVoiceState, Voice: v.snapshotPtrLocked()})
	v.listeners.emit(Event{Type: EventBalanceUpdated, Balance: newBalance})
	return nil
}

// End 结束语音会话
// 空闲时什么也不做
func (v *VoiceController) End(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.session == nil {
		return nil
	}
	if err := v.sessions.Close(ctx, v.session); err != nil {
		return err
	}

	slog.Info("voice session ended", "user_id", v.userID, "session_id", v.session.ID)
	v.session = nil
	v.listeners.emit(Event{Type: EventVoiceState, Voice: v.snapshotPtrLocked()})
	return nil
}

// Restore 接管已保存的进行中会话，不扣费
// 用于重新连接
func (v *VoiceController) Restore(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.session != nil {
		return nil
	}
	session, err := v.sessions.GetOpen(ctx, v.userID)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}
	v.session = session
	v.listeners.emit(Event{Type: EventVoiceState, Voice: v.snapshotPtrLocked()})
	return nil
}

func (v *VoiceController) snapshotLocked() VoiceSnapshot {
	if v.session == nil {
		return VoiceSnapshot{State: VoiceIdle}
	}
	startedAt := v.session.StartedAt
	return VoiceSnapshot{
		State:      VoiceActive,
		SessionID:  v.session.ID,
		StartedAt:  &startedAt,
		TokensHeld: v.session.TokensHeld,
	}
}

func (v *VoiceController) snapshotPtrLocked() *VoiceSnapshot {
	s := v.snapshotLocked()
	return &s
}
