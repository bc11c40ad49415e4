package bot

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/centromex/vassist/internal/db"
	"github.com/centromex/vassist/internal/lifecycle"
)

const (
	userChat      int64 = 100
	fulfillerChat int64 = -500
)

type sent struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if ok {
		f.mu.Lock()
		f.sent = append(f.sent, sent{chatID: msg.ChatID, text: msg.Text})
		f.mu.Unlock()
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sent{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) to(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.chatID == chatID {
			out = append(out, s.text)
		}
	}
	return out
}

func newTestBot(t *testing.T, cfg Config) (*Bot, *fakeSender, *lifecycle.Engine) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "bot.db")
	store, err := db.Open(context.Background(), db.Config{Driver: db.DriverSQLite, DSN: dsn}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine := lifecycle.NewEngine(store, zap.NewNop())
	sender := &fakeSender{}
	if cfg.FulfillerChat == 0 {
		cfg.FulfillerChat = fulfillerChat
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = rate.Inf
	}
	return New(sender, engine, cfg, zap.NewNop()), sender, engine
}

func command(userID int64, text string) tgbotapi.Update {
	cmd := strings.SplitN(text, " ", 2)[0]
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID, FirstName: "Asha", LastName: "K"},
		Chat: &tgbotapi.Chat{ID: userChat},
		Text: text,
		Entities: []tgbotapi.MessageEntity{
			{Type: "bot_command", Offset: 0, Length: len(cmd)},
		},
	}}
}

func createBook(t *testing.T, engine *lifecycle.Engine, id string) {
	t.Helper()
	_, err := engine.Create(context.Background(), lifecycle.NewRequest{
		ID: id, Item: "Book", PickupLocation: "Library", DropLocation: "Hostel B",
		Fare: "40", SecretCode: "4821",
	})
	require.NoError(t, err)
}

func TestDeliveryThroughCommands(t *testing.T) {
	b, sender, engine := newTestBot(t, Config{})
	ctx := context.Background()
	createBook(t, engine, "R1")

	b.HandleUpdate(ctx, command(1, "/list"))
	assert.Contains(t, sender.last().text, "/claim R1")

	b.HandleUpdate(ctx, command(1, "/claim R1"))
	assert.Contains(t, sender.last().text, "Request R1 claimed by Asha K")
	assert.Equal(t, fulfillerChat, sender.last().chatID)

	b.HandleUpdate(ctx, command(2, "/claim R1"))
	assert.Contains(t, sender.last().text, "no longer available")

	b.HandleUpdate(ctx, command(1, "/enroute R1"))
	assert.Contains(t, sender.last().text, "can't do that right now")

	b.HandleUpdate(ctx, command(1, "/pickup R1"))
	assert.Contains(t, sender.last().text, "Picked up")
	b.HandleUpdate(ctx, command(1, "/enroute R1"))
	assert.Contains(t, sender.last().text, "/done R1 <code>")

	b.HandleUpdate(ctx, command(1, "/done R1 1234"))
	assert.Contains(t, sender.last().text, "doesn't match")

	b.HandleUpdate(ctx, command(1, "/done R1 4821"))
	assert.Contains(t, sender.last().text, "delivered by Asha K")

	b.HandleUpdate(ctx, command(1, "/done R1 4821"))
	assert.Contains(t, sender.last().text, "already delivered")

	for _, s := range sender.sent {
		assert.NotContains(t, s.text, "4821")
	}
}

func TestCommandUsageAndUnknown(t *testing.T) {
	b, sender, _ := newTestBot(t, Config{})
	ctx := context.Background()

	b.HandleUpdate(ctx, command(1, "/claim"))
	assert.Contains(t, sender.last().text, "Usage: /claim")

	b.HandleUpdate(ctx, command(1, "/done R1"))
	assert.Contains(t, sender.last().text, "Usage: /done")

	b.HandleUpdate(ctx, command(1, "/status R9"))
	assert.Equal(t, "Request R9 not found.", sender.last().text)

	b.HandleUpdate(ctx, command(1, "/teleport R1"))
	assert.Contains(t, sender.last().text, "Unknown command")

	b.HandleUpdate(ctx, command(1, "/list"))
	assert.Contains(t, sender.last().text, "No open requests")

	b.HandleUpdate(ctx, tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 1},
		Chat: &tgbotapi.Chat{ID: userChat},
		Text: "hello",
	}})
	assert.Contains(t, sender.last().text, "/help")
}

func TestCancelCommand(t *testing.T) {
	b, sender, engine := newTestBot(t, Config{})
	ctx := context.Background()
	createBook(t, engine, "R1")

	b.HandleUpdate(ctx, command(1, "/cancel R1"))
	assert.Contains(t, sender.last().text, "was cancelled")

	b.HandleUpdate(ctx, command(1, "/status R1"))
	assert.Contains(t, sender.last().text, "Cancelled")

	b.HandleUpdate(ctx, command(1, "/claim R1"))
	assert.Contains(t, sender.last().text, "no longer available")
}

func TestPerUserRateLimit(t *testing.T) {
	b, sender, _ := newTestBot(t, Config{RateLimit: rate.Every(time.Hour), Burst: 2})
	ctx := context.Background()

	b.HandleUpdate(ctx, command(1, "/help"))
	b.HandleUpdate(ctx, command(1, "/help"))
	b.HandleUpdate(ctx, command(1, "/help"))
	assert.Contains(t, sender.last().text, "slow down")

	b.HandleUpdate(ctx, command(2, "/help"))
	assert.Contains(t, sender.last().text, "/list")
}

func TestAnnounceArrivals(t *testing.T) {
	b, sender, engine := newTestBot(t, Config{PendingPeriod: 10 * time.Millisecond})
	createBook(t, engine, "R1")

	sub := b.AnnounceArrivals(engine)
	defer func() {
		sub.Unsubscribe()
		<-sub.Done()
	}()

	require.Eventually(t, func() bool {
		return len(sender.to(fulfillerChat)) == 1
	}, time.Second, 5*time.Millisecond)

	createBook(t, engine, "R2")
	require.Eventually(t, func() bool {
		return len(sender.to(fulfillerChat)) == 2
	}, time.Second, 5*time.Millisecond)

	announced := sender.to(fulfillerChat)
	assert.Contains(t, announced[0], "REQUEST R1")
	assert.Contains(t, announced[1], "REQUEST R2")
	assert.NotContains(t, announced[1], "4821")
}

func TestRunStopsOnContext(t *testing.T) {
	b, sender, _ := newTestBot(t, Config{})
	updates := make(chan tgbotapi.Update, 1)
	updates <- command(1, "/help")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, updates) }()

	require.Eventually(t, func() bool { return len(sender.to(userChat)) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
