package controller

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenchat-server/internal/model"
	"tokenchat-server/internal/service"
)

func TestVoiceStartAndEndWithoutRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	voice := f.voice()

	require.NoError(t, voice.Start(ctx))
	assert.EqualValues(t, 0, f.balance(t))
	state := voice.State()
	assert.Equal(t, VoiceActive, state.State)
	assert.NotEmpty(t, state.SessionID)
	assert.Equal(t, model.VoiceSessionCost, state.TokensHeld)

	require.NoError(t, voice.End(ctx))
	assert.Equal(t, VoiceIdle, voice.State().State)
	assert.EqualValues(t, 0, f.balance(t))

	open, err := f.sessions.GetOpen(ctx, testUser)
	require.NoError(t, err)
	assert.Nil(t, open)

	states := f.recorder.ofType(EventVoiceState)
	require.Len(t, states, 2)
	assert.Equal(t, VoiceActive, states[0].Voice.State)
	assert.Equal(t, VoiceIdle, states[1].Voice.State)
}

func TestVoiceStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	voice := f.voice()

	require.NoError(t, voice.Start(ctx))
	first := voice.State().SessionID
	require.NoError(t, voice.Start(ctx))

	assert.Equal(t, first, voice.State().SessionID)
	assert.EqualValues(t, 90, f.balance(t))
}

func TestVoiceRapidStartsDebitOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	voice := f.voice()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, voice.Start(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, VoiceActive, voice.State().State)
	assert.EqualValues(t, 90, f.balance(t))
	assert.Len(t, f.recorder.ofType(EventVoiceState), 1)
}

func TestVoiceStartWithInsufficientTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 9)
	voice := f.voice()

	err := voice.Start(ctx)
	assert.ErrorIs(t, err, service.ErrInsufficientTokens)
	assert.Equal(t, VoiceIdle, voice.State().State)
	assert.EqualValues(t, 9, f.balance(t))

	signals := f.recorder.ofType(EventTokensInsufficient)
	require.Len(t, signals, 1)
	assert.EqualValues(t, model.VoiceSessionCost, signals[0].Required)
}

func TestVoiceStartRaceWithoutBalanceShowsNotice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.VoiceSessionCost)
	ledger := &flakyLedger{LedgerService: f.ledger}
	// 余额检查通过后，另一台设备把余额花光
	ledger.afterRead = func() {
		_, err := f.ledger.Debit(ctx, testUser, model.VoiceSessionCost)
		require.NoError(t, err)
	}
	voice := NewVoiceController(testUser, ledger, f.sessions)
	voice.Subscribe(f.recorder.listener())

	err := voice.Start(ctx)
	assert.ErrorIs(t, err, service.ErrInsufficientTokens)
	assert.Equal(t, VoiceIdle, voice.State().State)

	assert.Empty(t, f.recorder.ofType(EventTokensInsufficient))
	notices := f.recorder.ofType(EventNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, VoiceStartFailedNotice, notices[0].Notice)
}

func TestVoiceEndWhileIdleIsNoop(t *testing.T) {
	f := newFixture(t, 100)
	voice := f.voice()

	require.NoError(t, voice.End(context.Background()))
	assert.Equal(t, VoiceIdle, voice.State().State)
	assert.Empty(t, f.recorder.ofType(EventVoiceState))
}

func TestVoiceRestoreAdoptsOpenSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	require.NoError(t, f.voice().Start(ctx))

	// 重新连接后新的控制器接管会话，不再扣费
	restored := f.voice()
	require.NoError(t, restored.Restore(ctx))
	assert.Equal(t, VoiceActive, restored.State().State)
	assert.EqualValues(t, 90, f.balance(t))

	require.NoError(t, restored.Start(ctx))
	assert.EqualValues(t, 90, f.balance(t))

	require.NoError(t, restored.End(ctx))
	assert.Equal(t, VoiceIdle, restored.State().State)
}

func TestVoiceStartAdoptsSessionOpenedElsewhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	require.NoError(t, f.voice().Start(ctx))

	// 这个控制器不知道已有会话，扣费后开启失败，退款并接管
	other := f.voice()
	require.NoError(t, other.Start(ctx))
	assert.Equal(t, VoiceActive, other.State().State)
	assert.EqualValues(t, 90, f.balance(t))
}

type brokenSessions struct{}

func (brokenSessions) Open(context.Context, int64, int) (*model.VoiceSession, error) {
	return nil, errors.New("disk full")
}

func (brokenSessions) GetOpen(context.Context, int64) (*model.VoiceSession, error) {
	return nil, nil
}

func (brokenSessions) Close(context.Context, *model.VoiceSession) error {
	return nil
}

func TestVoiceStartRefundsWhenRecordFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	voice := NewVoiceController(testUser, f.ledger, brokenSessions{})

	err := voice.Start(ctx)
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, VoiceIdle, voice.State().State)
	assert.EqualValues(t, 10, f.balance(t))
}
