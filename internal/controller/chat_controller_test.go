package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenchat-server/internal/model"
	"tokenchat-server/internal/service"
	"tokenchat-server/pkg/util"
)

func TestSendChargesAndShowsReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	chat := f.chat()

	result, err := chat.Send(ctx, "hi")
	require.NoError(t, err)
	assert.EqualValues(t, 95, result.Balance)
	assert.EqualValues(t, 95, f.balance(t))

	view := chat.View()
	require.Len(t, view, 2)
	assert.Equal(t, UserEntryID(result.Message.ID), view[0].ID)
	assert.Equal(t, "hi", view[0].Text)
	assert.True(t, view[0].IsUser)
	assert.False(t, view[0].Pending)
	assert.Equal(t, AIEntryID(result.Message.ID), view[1].ID)
	assert.Equal(t, "reply: hi", view[1].Text)
	assert.False(t, chat.Sending())

	persisted := f.persisted(t)
	require.Len(t, persisted, 1)
	assert.Equal(t, result.Message.ID, persisted[0].ID)
	assert.Equal(t, model.MessageCost, persisted[0].TokensUsed)

	balances := f.recorder.ofType(EventBalanceUpdated)
	require.NotEmpty(t, balances)
	assert.EqualValues(t, 95, balances[len(balances)-1].Balance)
}

func TestSendWithInsufficientTokensNeverDispatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	chat := f.chat()

	_, err := chat.Send(ctx, "hi")
	assert.ErrorIs(t, err, service.ErrInsufficientTokens)

	assert.Zero(t, f.dispatcher.Calls())
	assert.EqualValues(t, 3, f.balance(t))
	assert.Empty(t, f.persisted(t))
	assert.Empty(t, chat.View())

	signals := f.recorder.ofType(EventTokensInsufficient)
	require.Len(t, signals, 1)
	assert.EqualValues(t, 3, signals[0].Balance)
	assert.EqualValues(t, model.MessageCost, signals[0].Required)
	assert.False(t, chat.Sending())
}

func TestSendUsesFallbackWhenDispatchFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	f.dispatcher.fn = func(context.Context, string) (string, error) {
		return "", &service.DispatchError{Kind: service.DispatchTimeout, Err: context.DeadlineExceeded}
	}
	chat := f.chat()

	result, err := chat.Send(ctx, "hello?")
	require.NoError(t, err)
	assert.EqualValues(t, 45, f.balance(t))

	require.NotNil(t, result.Message.Response)
	assert.Equal(t, service.FallbackReply, *result.Message.Response)

	persisted := f.persisted(t)
	require.Len(t, persisted, 1)
	require.NotNil(t, persisted[0].Response)
	assert.Equal(t, service.FallbackReply, *persisted[0].Response)

	view := chat.View()
	require.Len(t, view, 2)
	assert.Equal(t, service.FallbackReply, view[1].Text)
	assert.Empty(t, f.recorder.ofType(EventNotice))
}

func TestSendIgnoresBlankText(t *testing.T) {
	f := newFixture(t, 100)
	chat := f.chat()

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := chat.Send(context.Background(), text)
		assert.ErrorIs(t, err, ErrValidation)
	}
	assert.Zero(t, f.dispatcher.Calls())
	assert.Empty(t, f.recorder.events)
	assert.EqualValues(t, 100, f.balance(t))
}

func TestSendRejectsConcurrentSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.dispatcher.fn = func(_ context.Context, text string) (string, error) {
		close(entered)
		<-release
		return "ok", nil
	}
	chat := f.chat()

	done := make(chan error, 1)
	go func() {
		_, err := chat.Send(ctx, "first")
		done <- err
	}()
	<-entered

	assert.True(t, chat.Sending())
	_, err := chat.Send(ctx, "second")
	assert.ErrorIs(t, err, ErrValidation)

	// 发送中用户消息处于 pending 状态
	view := chat.View()
	require.Len(t, view, 1)
	assert.True(t, view[0].Pending)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.dispatcher.Calls())
	assert.EqualValues(t, 95, f.balance(t))
}

func TestSendRollsBackWhenDebitLosesRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	// 回复返回之前，另一台设备把余额花光
	f.dispatcher.fn = func(ctx context.Context, text string) (string, error) {
		_, err := f.ledger.Debit(ctx, testUser, 5)
		require.NoError(t, err)
		return "too late", nil
	}
	chat := f.chat()

	_, err := chat.Send(ctx, "hi")
	assert.ErrorIs(t, err, service.ErrInsufficientTokens)
	assert.EqualValues(t, 0, f.balance(t))

	persisted := f.persisted(t)
	require.Len(t, persisted, 1)
	assert.True(t, persisted[0].Unbilled)
	assert.Zero(t, persisted[0].TokensUsed)

	view := chat.View()
	require.Len(t, view, 1)
	assert.True(t, view[0].IsUser)
	assert.False(t, view[0].Pending)

	assert.Len(t, f.recorder.ofType(EventTokensInsufficient), 1)
	assert.False(t, chat.Sending())

	// 历史中同样不展示这条回复
	reloaded := NewChatController(testUser, f.ledger, f.dispatcher, f.store)
	require.NoError(t, reloaded.LoadHistory(ctx))
	assert.Equal(t, ids(view), ids(reloaded.View()))
}

func TestSendRollbackWithoutBalanceShowsNotice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	ledger := &flakyLedger{LedgerService: f.ledger}
	f.dispatcher.fn = func(ctx context.Context, text string) (string, error) {
		_, err := f.ledger.Debit(ctx, testUser, 5)
		require.NoError(t, err)
		return "too late", nil
	}
	chat := NewChatController(testUser, ledger, f.dispatcher, f.store)
	chat.Subscribe(f.recorder.listener())

	_, err := chat.Send(ctx, "hi")
	assert.ErrorIs(t, err, service.ErrInsufficientTokens)

	// 余额未知，不推送余额为 0 的不足事件
	assert.Empty(t, f.recorder.ofType(EventTokensInsufficient))
	notices := f.recorder.ofType(EventNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, SendFailedNotice, notices[0].Notice)
	assert.False(t, chat.Sending())
}

func TestSendKeepsUserEntryWhenSaveFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	chat := NewChatController(testUser, f.ledger, f.dispatcher, failingStore{})
	chat.Subscribe(f.recorder.listener())

	_, err := chat.Send(ctx, "hi")
	assert.ErrorIs(t, err, service.ErrPersistence)
	assert.EqualValues(t, 100, f.balance(t))

	view := chat.View()
	require.Len(t, view, 1)
	assert.True(t, view[0].IsUser)
	assert.False(t, view[0].Pending)

	notices := f.recorder.ofType(EventNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, SendFailedNotice, notices[0].Notice)
	assert.False(t, chat.Sending())
}

func TestLoadHistoryExpandsPairs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	base := time.Now().Add(-time.Hour)

	answered := &model.Message{UserID: testUser, Message: "q1", Response: util.StringPtr("a1"), CreatedAt: base}
	unanswered := &model.Message{UserID: testUser, Message: "q2", CreatedAt: base.Add(time.Minute)}
	require.NoError(t, f.store.Save(ctx, answered))
	require.NoError(t, f.store.Save(ctx, unanswered))

	chat := f.chat()
	require.NoError(t, chat.LoadHistory(ctx))

	assert.Equal(t, []string{
		UserEntryID(answered.ID),
		AIEntryID(answered.ID),
		UserEntryID(unanswered.ID),
	}, ids(chat.View()))

	// 重复加载不会产生重复条目
	require.NoError(t, chat.LoadHistory(ctx))
	assert.Len(t, chat.View(), 3)
}

func TestApplyPersistedIgnoresOtherUsers(t *testing.T) {
	f := newFixture(t, 100)
	chat := f.chat()

	chat.ApplyPersisted(&model.Message{ID: "x", UserID: 99, Message: "not mine", CreatedAt: time.Now()})
	assert.Empty(t, chat.View())
}

func TestHistoryAndRealtimeMergeWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.Save(ctx, &model.Message{
			UserID:    testUser,
			Message:   fmt.Sprintf("old %d", i),
			Response:  util.StringPtr("ok"),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	conv := NewConversation(testUser, Deps{
		Ledger:     f.ledger,
		Dispatcher: f.dispatcher,
		Store:      f.store,
		Sessions:   f.sessions,
		Subscriber: f.bus,
	})
	require.NoError(t, conv.Start(ctx))
	defer conv.Close()

	// 其它设备写入的消息
	const n = 5
	for i := 0; i < n; i++ {
		require.NoError(t, f.store.Save(ctx, &model.Message{
			UserID:   testUser,
			Message:  fmt.Sprintf("new %d", i),
			Response: util.StringPtr("ok"),
		}))
	}
	// 本地发送的消息会通过实时推送再回来一次
	_, err := conv.Chat.Send(ctx, "mine")
	require.NoError(t, err)

	want := (3 + n + 1) * 2
	require.Eventually(t, func() bool {
		return len(conv.Chat.View()) == want
	}, 2*time.Second, 10*time.Millisecond)

	view := conv.Chat.View()
	seen := make(map[string]bool)
	for i, m := range view {
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		if i > 0 {
			assert.False(t, m.CreatedAt.Before(view[i-1].CreatedAt), "out of order at %d", i)
		}
	}
}

func TestRealtimeEchoOfRolledBackReplyStaysHidden(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	f.dispatcher.fn = func(ctx context.Context, text string) (string, error) {
		_, err := f.ledger.Debit(ctx, testUser, 5)
		require.NoError(t, err)
		return "too late", nil
	}

	conv := NewConversation(testUser, Deps{
		Ledger:     f.ledger,
		Dispatcher: f.dispatcher,
		Store:      f.store,
		Sessions:   f.sessions,
		Subscriber: f.bus,
	})
	require.NoError(t, conv.Start(ctx))
	defer conv.Close()

	_, err := conv.Chat.Send(ctx, "hi")
	require.ErrorIs(t, err, service.ErrInsufficientTokens)

	// 推送按顺序处理，看到标记消息说明之前的回显已经处理完
	marker := &model.Message{UserID: testUser, Message: "marker"}
	require.NoError(t, f.store.Save(ctx, marker))
	require.Eventually(t, func() bool {
		for _, m := range conv.Chat.View() {
			if m.ID == UserEntryID(marker.ID) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	for _, m := range conv.Chat.View() {
		assert.True(t, m.IsUser, "unexpected AI entry %s", m.ID)
	}
}

func TestConcurrentSendersNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)
	// 同一用户的两个会话（如两台设备）
	first, second := f.chat(), f.chat()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*ChatController{first, second} {
		wg.Add(1)
		go func(i int, c *ChatController) {
			defer wg.Done()
			_, errs[i] = c.Send(ctx, "hi")
		}(i, c)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.True(t, errors.Is(err, service.ErrInsufficientTokens), "unexpected error %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.EqualValues(t, 3, f.balance(t))
}
