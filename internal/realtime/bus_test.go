package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenchat-server/internal/cache"
	"tokenchat-server/internal/config"
	"tokenchat-server/internal/model"
	"tokenchat-server/internal/testutil"
	"tokenchat-server/pkg/util"
)

func newMessage(userID int64, text string) *model.Message {
	return &model.Message{
		ID:         util.GenerateUUID(),
		UserID:     userID,
		Message:    text,
		Response:   util.StringPtr("reply to " + text),
		TokensUsed: model.MessageCost,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
}

func receive(t *testing.T, sub Subscription) *model.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message event")
		return nil
	}
}

func TestRedisBusDeliversToUserChannel(t *testing.T) {
	ctx := context.Background()
	_, client := testutil.NewRedis(t)
	bus := NewRedisBus(cache.NewRedisCacheWithClient(client))

	sub, err := bus.Subscribe(ctx, 7)
	require.NoError(t, err)
	defer sub.Close()

	other := newMessage(8, "not mine")
	require.NoError(t, bus.PublishMessage(ctx, other))

	msg := newMessage(7, "hello")
	require.NoError(t, bus.PublishMessage(ctx, msg))

	got := receive(t, sub)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "hello", got.Message)
	require.NotNil(t, got.Response)
	assert.Equal(t, "reply to hello", *got.Response)
	assert.True(t, msg.CreatedAt.Equal(got.CreatedAt))
}

func TestRedisBusSkipsMalformedEvents(t *testing.T) {
	ctx := context.Background()
	_, client := testutil.NewRedis(t)
	bus := NewRedisBus(cache.NewRedisCacheWithClient(client))

	sub, err := bus.Subscribe(ctx, 7)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, client.Publish(ctx, cache.UserMessagesChannel(7), "not json").Err())
	require.NoError(t, client.Publish(ctx, cache.UserMessagesChannel(7), `{"user_id":7}`).Err())

	msg := newMessage(7, "valid")
	require.NoError(t, bus.PublishMessage(ctx, msg))
	assert.Equal(t, msg.ID, receive(t, sub).ID)
}

func TestRedisSubscriptionCloseEndsEvents(t *testing.T) {
	ctx := context.Background()
	_, client := testutil.NewRedis(t)
	bus := NewRedisBus(cache.NewRedisCacheWithClient(client))

	sub, err := bus.Subscribe(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestLocalBusFanOut(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus()
	defer bus.Close()

	first, err := bus.Subscribe(ctx, 1)
	require.NoError(t, err)
	second, err := bus.Subscribe(ctx, 1)
	require.NoError(t, err)
	stranger, err := bus.Subscribe(ctx, 2)
	require.NoError(t, err)

	msg := newMessage(1, "hi")
	require.NoError(t, bus.PublishMessage(ctx, msg))

	a := receive(t, first)
	b := receive(t, second)
	assert.Equal(t, msg.ID, a.ID)
	assert.Equal(t, msg.ID, b.ID)
	assert.NotSame(t, a, b)
	assert.Empty(t, stranger.Events())
}

func TestLocalBusClosedSubscriptionStopsReceiving(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus()

	sub, err := bus.Subscribe(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	require.NoError(t, bus.PublishMessage(ctx, newMessage(1, "late")))
	assert.Empty(t, sub.Events())
}

func TestDecodeMessageRequiresID(t *testing.T) {
	_, err := decodeMessage([]byte(`{"user_id":1,"message":"x"}`))
	assert.Error(t, err)

	_, err = decodeMessage([]byte(`{`))
	assert.Error(t, err)

	msg, err := decodeMessage([]byte(`{"id":"abc","user_id":1,"message":"x","response":null}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", msg.ID)
	assert.Nil(t, msg.Response)
}

func TestValidateBroker(t *testing.T) {
	assert.NoError(t, ValidateBroker(config.RealtimeConfig{Broker: BrokerRedis}))
	assert.NoError(t, ValidateBroker(config.RealtimeConfig{Broker: BrokerNATS}))
	assert.Error(t, ValidateBroker(config.RealtimeConfig{Broker: "kafka"}))
}

func TestOpenDefaultsToRedisBus(t *testing.T) {
	_, client := testutil.NewRedis(t)
	cfg := &config.Config{Realtime: config.RealtimeConfig{Broker: BrokerRedis}}

	bus, err := Open(cfg, cache.NewRedisCacheWithClient(client))
	require.NoError(t, err)
	assert.IsType(t, &RedisBus{}, bus)
}

func TestNATSSubject(t *testing.T) {
	bus := NewNATSBusWithConn(nil, "tokenchat.messages")
	assert.Equal(t, "tokenchat.messages.42", bus.Subject(42))
}
