package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/centromex/vassist/internal/db"
	"github.com/centromex/vassist/internal/lifecycle"
	"github.com/centromex/vassist/internal/models"
	"github.com/centromex/vassist/internal/poller"
)

const (
	commandTimeout = 10 * time.Second
	helpText       = "Commands:\n" +
		"/list - See open requests\n" +
		"/claim <id> - Claim a request\n" +
		"/pickup <id> - You have the item\n" +
		"/enroute <id> - You are on the way\n" +
		"/done <id> <code> - Hand over with the requester's 4-digit code\n" +
		"/cancel <id> - Cancel a request\n" +
		"/status <id> - Where a request is\n" +
		"/help - Show this help message"
)

// Sender is the part of tgbotapi.BotAPI the bot sends through.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Lifecycle is the part of the engine fulfillers drive from Telegram.
type Lifecycle interface {
	Claim(ctx context.Context, id, fulfillerName string) (*models.Request, error)
	Advance(ctx context.Context, id string, target models.RequestStatus) (*models.Request, error)
	Complete(ctx context.Context, id, code string) (*models.Request, error)
	Cancel(ctx context.Context, id string) (*models.Request, error)
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	ListRequests(ctx context.Context, status models.RequestStatus, limit int) ([]models.Request, error)
}

type Config struct {
	// Chat where new requests and claims are announced; 0 disables announcements.
	FulfillerChat int64
	RateLimit     rate.Limit
	Burst         int
	PendingPeriod time.Duration
	ReadTimeout   time.Duration
}

type Bot struct {
	api           Sender
	engine        Lifecycle
	fulfillerChat int64
	logger        *zap.Logger
	pollOpts      poller.Options

	mu        sync.Mutex
	limiters  map[int64]*rate.Limiter
	rateLimit rate.Limit
	burst     int
}

// Connect authorizes against the Telegram API.
func Connect(token string, logger *zap.Logger) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	logger.Info("Authorized on Telegram", zap.String("account", api.Self.UserName))
	return api, nil
}

func New(api Sender, engine Lifecycle, cfg Config, logger *zap.Logger) *Bot {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &Bot{
		api:           api,
		engine:        engine,
		fulfillerChat: cfg.FulfillerChat,
		logger:        logger,
		pollOpts: poller.Options{
			Period:      cfg.PendingPeriod,
			ReadTimeout: cfg.ReadTimeout,
			Logger:      logger,
		},
		limiters:  make(map[int64]*rate.Limiter),
		rateLimit: cfg.RateLimit,
		burst:     cfg.Burst,
	}
}

// Run handles updates until ctx is done or the channel closes.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// AnnounceArrivals posts every newly pending request to the fulfiller chat.
func (b *Bot) AnnounceArrivals(src poller.Source) *poller.Subscription {
	return poller.TrackPending(src, poller.NewArrivals(func(fresh []models.Request) {
		if b.fulfillerChat == 0 {
			return
		}
		// Lists come newest first; announce oldest first.
		for i := len(fresh) - 1; i >= 0; i-- {
			b.sendMessage(b.fulfillerChat, FormatRequest(fresh[i]))
		}
	}), b.pollOpts)
}

func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}

	if !msg.IsCommand() {
		b.sendMessage(msg.Chat.ID, "Use /help to see available commands.")
		return
	}

	if !b.allow(msg.From.ID) {
		b.sendMessage(msg.Chat.ID, "Too many commands, slow down a little.")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	b.handleCommand(ctx, msg)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		b.sendMessage(msg.Chat.ID, "Welcome to the campus delivery bot!\n\n"+helpText)

	case "help":
		b.sendMessage(msg.Chat.ID, helpText)

	case "list":
		b.handleList(ctx, msg)

	case "claim":
		b.handleClaim(ctx, msg, args)

	case "pickup":
		b.handleAdvance(ctx, msg, args, models.StatusPickedUp)

	case "enroute":
		b.handleAdvance(ctx, msg, args, models.StatusDelivering)

	case "done":
		b.handleDone(ctx, msg, args)

	case "cancel":
		b.handleCancel(ctx, msg, args)

	case "status":
		b.handleStatus(ctx, msg, args)

	default:
		b.sendMessage(msg.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleList(ctx context.Context, msg *tgbotapi.Message) {
	requests, err := b.engine.ListRequests(ctx, models.StatusPending, lifecycle.MaxListLimit)
	if err != nil {
		b.sendMessage(msg.Chat.ID, "Error fetching requests. Please try again.")
		b.logger.Error("Error fetching open requests", zap.Error(err))
		return
	}

	if len(requests) == 0 {
		b.sendMessage(msg.Chat.ID, "No open requests at the moment. Check back later!")
		return
	}
	b.sendMessage(msg.Chat.ID, formatList(requests))
}

func (b *Bot) handleClaim(ctx context.Context, msg *tgbotapi.Message, args []string) {
	if len(args) != 1 {
		b.sendMessage(msg.Chat.ID, "Usage: /claim <request_id>")
		return
	}
	id := args[0]
	name := fulfillerName(msg.From)

	req, err := b.engine.Claim(ctx, id, name)
	if err != nil {
		b.reply(msg, "claim", id, err)
		return
	}

	b.sendMessage(msg.Chat.ID, fmt.Sprintf("✅ CLAIMED! Request %s is yours.\n\n%s", id, FormatStatus(*req)))
	b.announce(msg.Chat.ID, fmt.Sprintf("✋ Request %s claimed by %s", id, name))
}

func (b *Bot) handleAdvance(ctx context.Context, msg *tgbotapi.Message, args []string, target models.RequestStatus) {
	if len(args) != 1 {
		b.sendMessage(msg.Chat.ID, fmt.Sprintf("Usage: /%s <request_id>", msg.Command()))
		return
	}
	id := args[0]

	req, err := b.engine.Advance(ctx, id, target)
	if err != nil {
		b.reply(msg, msg.Command(), id, err)
		return
	}
	b.sendMessage(msg.Chat.ID, FormatStatus(*req))
}

func (b *Bot) handleDone(ctx context.Context, msg *tgbotapi.Message, args []string) {
	if len(args) != 2 {
		b.sendMessage(msg.Chat.ID, "Usage: /done <request_id> <code>\nAsk the requester for their 4-digit code.")
		return
	}
	id, code := args[0], args[1]

	req, err := b.engine.Complete(ctx, id, code)
	if err != nil {
		b.reply(msg, "done", id, err)
		return
	}

	b.sendMessage(msg.Chat.ID, fmt.Sprintf("✅ Request %s marked as delivered. Thank you for helping!", id))
	b.announce(msg.Chat.ID, fmt.Sprintf("✅ Request %s delivered by %s", id, req.Fulfiller()))
}

func (b *Bot) handleCancel(ctx context.Context, msg *tgbotapi.Message, args []string) {
	if len(args) != 1 {
		b.sendMessage(msg.Chat.ID, "Usage: /cancel <request_id>")
		return
	}
	id := args[0]

	if _, err := b.engine.Cancel(ctx, id); err != nil {
		b.reply(msg, "cancel", id, err)
		return
	}
	b.sendMessage(msg.Chat.ID, fmt.Sprintf("❌ Request %s cancelled.", id))
	b.announce(msg.Chat.ID, fmt.Sprintf("❌ Request %s was cancelled", id))
}

func (b *Bot) handleStatus(ctx context.Context, msg *tgbotapi.Message, args []string) {
	if len(args) != 1 {
		b.sendMessage(msg.Chat.ID, "Usage: /status <request_id>")
		return
	}
	req, err := b.engine.GetRequest(ctx, args[0])
	if err != nil {
		b.reply(msg, "status", args[0], err)
		return
	}
	b.sendMessage(msg.Chat.ID, FormatStatus(*req))
}

// reply tells the user why a command failed.
func (b *Bot) reply(msg *tgbotapi.Message, command, id string, err error) {
	var validation *lifecycle.ValidationError
	var text string
	switch {
	case errors.As(err, &validation):
		text = "Invalid input: " + strings.Join(validation.Problems, "; ")
	case errors.Is(err, db.ErrNotFound):
		text = fmt.Sprintf("Request %s not found.", id)
	case errors.Is(err, lifecycle.ErrAlreadyClaimed):
		text = fmt.Sprintf("Request %s is no longer available.", id)
	case errors.Is(err, lifecycle.ErrInvalidCode):
		text = "That code doesn't match. Ask the requester for their 4-digit code and try again."
	case errors.Is(err, lifecycle.ErrAlreadyCompleted):
		text = fmt.Sprintf("Request %s was already delivered.", id)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		text = fmt.Sprintf("Request %s can't do that right now. Use /status %s to check it.", id, id)
	default:
		text = "Something went wrong. Please try again."
		b.logger.Error("Command failed", zap.String("command", command), zap.String("id", id), zap.Error(err))
	}
	b.sendMessage(msg.Chat.ID, text)
}

// announce posts to the fulfiller chat unless the command came from there.
func (b *Bot) announce(fromChat int64, text string) {
	if b.fulfillerChat == 0 || b.fulfillerChat == fromChat {
		return
	}
	b.sendMessage(b.fulfillerChat, text)
}

func (b *Bot) allow(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[userID]
	if !ok {
		l = rate.NewLimiter(b.rateLimit, b.burst)
		b.limiters[userID] = l
	}
	return l.Allow()
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := b.api.Send(msg)
	if err != nil {
		b.logger.Error("Error sending message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func fulfillerName(u *tgbotapi.User) string {
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if strings.TrimSpace(name) == "" {
		name = u.UserName
	}
	return name
}
