package controller

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gorm.io/gorm"

	"tokenchat-server/internal/model"
	"tokenchat-server/internal/realtime"
	"tokenchat-server/internal/repository"
	"tokenchat-server/internal/service"
	"tokenchat-server/internal/testutil"
)

const testUser int64 = 1

// fakeDispatcher 按 fn 返回回复，并记录调用次数
type fakeDispatcher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, text string) (string, error)
}

func (d *fakeDispatcher) Send(ctx context.Context, text string, userID int64) (string, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.fn == nil {
		return "reply: " + text, nil
	}
	return d.fn(ctx, text)
}

func (d *fakeDispatcher) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// failingStore 保存总是失败
type failingStore struct{}

func (failingStore) Save(context.Context, *model.Message) error {
	return errors.New("database is read-only")
}

func (failingStore) List(context.Context, int64, int) ([]model.Message, error) {
	return nil, nil
}

func (failingStore) MarkUnbilled(context.Context, string) error {
	return nil
}

// eventRecorder 记录控制器事件
var errBalanceUnavailable = errors.New("balance unavailable")

// flakyLedger 只有第一次读取余额成功，之后的读取都失败
type flakyLedger struct {
	*service.LedgerService
	reads     int
	afterRead func()
}

func (l *flakyLedger) GetBalance(ctx context.Context, userID int64) (int64, error) {
	l.reads++
	if l.reads > 1 {
		return 0, errBalanceUnavailable
	}
	balance, err := l.LedgerService.GetBalance(ctx, userID)
	if l.afterRead != nil {
		l.afterRead()
	}
	return balance, err
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listener() Listener {
	return func(e Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	}
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	db         *gorm.DB
	bus        *realtime.LocalBus
	ledger     *service.LedgerService
	store      *service.MessageStore
	messages   *repository.MessageRepository
	sessions   *service.VoiceSessionService
	dispatcher *fakeDispatcher
	recorder   *eventRecorder
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	testutil.SeedUser(t, db, testUser, balance)

	bus := realtime.NewLocalBus()
	t.Cleanup(func() { _ = bus.Close() })

	messages := repository.NewMessageRepository(db)
	return &fixture{
		db:         db,
		bus:        bus,
		ledger:     service.NewLedgerService(repository.NewUserRepository(db), model.InitialTokens),
		store:      service.NewMessageStore(messages, bus),
		messages:   messages,
		sessions:   service.NewVoiceSessionService(repository.NewVoiceSessionRepository(db), nil),
		dispatcher: &fakeDispatcher{},
		recorder:   &eventRecorder{},
	}
}

func (f *fixture) chat() *ChatController {
	c := NewChatController(testUser, f.ledger, f.dispatcher, f.store)
	c.Subscribe(f.recorder.listener())
	return c
}

func (f *fixture) voice() *VoiceController {
	v := NewVoiceController(testUser, f.ledger, f.sessions)
	v.Subscribe(f.recorder.listener())
	return v
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), testUser)
	if err != nil {
		t.Fatalf("failed to read balance: %v", err)
	}
	return b
}

func (f *fixture) persisted(t *testing.T) []model.Message {
	t.Helper()
	list, err := f.messages.GetByUserID(context.Background(), testUser)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	return list
}

func ids(view []ViewMessage) []string {
	out := make([]string, len(view))
	for i, m := range view {
		out[i] = m.ID
	}
	return out
}
