package controller

import (
	"sort"
	"time"

	"tokenchat-server/internal/model"
)

// ID 后缀，一条消息记录展开为用户和 AI 两条视图消息
const (
	userSuffix = "_user"
	aiSuffix   = "_ai"
)

// ViewMessage 视图中的一条消息，只存在于本地
type ViewMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	IsUser    bool      `json:"is_user"`
	CreatedAt time.Time `json:"created_at"`
	Pending   bool      `json:"pending"`
}

// UserEntryID 用户消息的视图 ID
func UserEntryID(messageID string) string {
	return messageID + userSuffix
}

// AIEntryID AI 回复的视图 ID
func AIEntryID(messageID string) string {
	return messageID + aiSuffix
}

// ExpandMessage 把一条消息记录展开为视图消息
// 没有回复或已回滚计费的记录只展开用户消息
func ExpandMessage(msg *model.Message) []ViewMessage {
	out := []ViewMessage{{
		ID:        UserEntryID(msg.ID),
		Text:      msg.Message,
		IsUser:    true,
		CreatedAt: msg.CreatedAt,
	}}
	if msg.HasVisibleResponse() {
		out = append(out, ViewMessage{
			ID:        AIEntryID(msg.ID),
			Text:      *msg.Response,
			CreatedAt: msg.CreatedAt,
		})
	}
	return out
}

type viewEntry struct {
	ViewMessage
	seq uint64
}

// View 聊天视图
// 按 created_at 升序，时间相同按插入顺序；同一个 ID 只出现一次
// 非并发安全，由控制器加锁访问
type View struct {
	entries []viewEntry
	ids     map[string]struct{}
	seq     uint64
}

// NewView 创建空视图
func NewView() *View {
	return &View{ids: make(map[string]struct{})}
}

// Upsert 插入消息，ID 已存在时只会清除 pending 标记
// 返回视图是否发生变化
func (v *View) Upsert(m ViewMessage) bool {
	if _, ok := v.ids[m.ID]; ok {
		if m.Pending {
			return false
		}
		for i := range v.entries {
			if v.entries[i].ID == m.ID && v.entries[i].Pending {
				v.entries[i].Pending = false
				return true
			}
		}
		return false
	}

	v.seq++
	entry := viewEntry{ViewMessage: m, seq: v.seq}
	// 插到第一条晚于它的消息之前
	i := sort.Search(len(v.entries), func(i int) bool {
		return v.entries[i].CreatedAt.After(m.CreatedAt)
	})
	v.entries = append(v.entries, viewEntry{})
	copy(v.entries[i+1:], v.entries[i:])
	v.entries[i] = entry
	v.ids[m.ID] = struct{}{}
	return true
}

// SetPending 修改 pending 标记
func (v *View) SetPending(id string, pending bool) bool {
	for i := range v.entries {
		if v.entries[i].ID == id {
			if v.entries[i].Pending == pending {
				return false
			}
			v.entries[i].Pending = pending
			return true
		}
	}
	return false
}

// Remove 删除消息
func (v *View) Remove(id string) bool {
	if _, ok := v.ids[id]; !ok {
		return false
	}
	for i := range v.entries {
		if v.entries[i].ID == id {
			v.entries = append(v.entries[:i], v.entries[i+1:]...)
			break
		}
	}
	delete(v.ids, id)
	return true
}

// has 是否包含指定 ID
func (v *View) has(id string) bool {
	_, ok := v.ids[id]
	return ok
}

// size 消息数量
func (v *View) size() int {
	return len(v.entries)
}

// Snapshot 返回当前消息列表的副本
func (v *View) Snapshot() []ViewMessage {
	out := make([]ViewMessage, len(v.entries))
	for i, e := range v.entries {
		out[i] = e.ViewMessage
	}
	return out
}
