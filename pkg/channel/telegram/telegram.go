package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"shellrelay/pkg/bus"
	"shellrelay/pkg/channel"
	"shellrelay/pkg/config"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"
)

const channelName = "telegram"
const messagePreviewLimit = 240
const typingRefreshInterval = 4 * time.Second

// MaxMessageRunes is the longest text Telegram accepts in one message.
const MaxMessageRunes = 4096

// botAPI is the subset of *telego.Bot the gateway uses.
type botAPI interface {
	GetUpdates(ctx context.Context, params *telego.GetUpdatesParams) ([]telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
	DeleteWebhook(ctx context.Context, params *telego.DeleteWebhookParams) error
}

// Gateway long-polls Telegram with an explicit offset owned by the caller.
type Gateway struct {
	bot         botAPI
	pollTimeout time.Duration
	dropPending bool
	limiter     *rate.Limiter
	log         *slog.Logger
}

// NewGateway validates Telegram configuration and constructs a gateway.
func NewGateway(cfg config.TelegramConfig, log *slog.Logger) (*Gateway, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, errors.New("telegram.bot_token is required")
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return newGateway(bot, cfg, log), nil
}

func newGateway(bot botAPI, cfg config.TelegramConfig, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}

	limit := rate.Inf
	if cfg.SendRatePerSec > 0 {
		limit = rate.Limit(cfg.SendRatePerSec)
	}

	return &Gateway{
		bot:         bot,
		pollTimeout: cfg.PollTimeout(),
		dropPending: cfg.DropPendingUpdates,
		limiter:     rate.NewLimiter(limit, 1),
		log:         log.With("component", "channel.telegram"),
	}
}

// Name returns the channel identifier used in bus messages and logs.
func (g *Gateway) Name() string {
	return channelName
}

// Prepare removes any webhook so long polling is permitted.
func (g *Gateway) Prepare(ctx context.Context) error {
	if err := g.bot.DeleteWebhook(ctx, &telego.DeleteWebhookParams{DropPendingUpdates: g.dropPending}); err != nil {
		return fmt.Errorf("delete telegram webhook: %w", err)
	}

	g.log.Info("Telegram channel started", "drop_pending_updates", g.dropPending)
	return nil
}

// FetchNext long-polls for updates starting at offset. Updates without text
// are returned with empty Text so the caller still advances past them.
func (g *Gateway) FetchNext(ctx context.Context, offset int64) ([]bus.InboundMessage, error) {
	updates, err := g.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:         int(offset),
		Timeout:        int(g.pollTimeout / time.Second),
		AllowedUpdates: []string{"message", "channel_post"},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("get telegram updates: %w", err)
	}

	messages := make([]bus.InboundMessage, 0, len(updates))
	for _, update := range updates {
		messages = append(messages, toInbound(update))
	}

	return messages, nil
}

// Commit confirms every update below offset with a non-blocking poll so they
// are not redelivered after a restart.
func (g *Gateway) Commit(ctx context.Context, offset int64) error {
	_, err := g.bot.GetUpdates(ctx, &telego.GetUpdatesParams{Offset: int(offset), Limit: 1})
	if err != nil {
		return fmt.Errorf("commit telegram offset %d: %w", offset, err)
	}
	return nil
}

// toInbound maps one update. Channel posts are handled like messages.
func toInbound(update telego.Update) bus.InboundMessage {
	inbound := bus.InboundMessage{
		Channel:    channelName,
		Offset:     int64(update.UpdateID),
		ReceivedAt: time.Now().UTC(),
	}

	message := update.Message
	if message == nil {
		message = update.ChannelPost
	}
	if message == nil {
		return inbound
	}

	inbound.ChatID = message.Chat.ID
	inbound.MessageID = int64(message.MessageID)
	inbound.Text = strings.TrimSpace(message.Text)
	if message.From != nil {
		inbound.SenderID = message.From.ID
		inbound.SenderName = message.From.Username
	}

	return inbound
}

// Send delivers text to a chat, splitting it into Telegram-sized parts.
func (g *Gateway) Send(ctx context.Context, chatID int64, text string) error {
	for _, part := range SplitMessage(text, MaxMessageRunes) {
		if err := g.limiter.Wait(ctx); err != nil {
			return &channel.DeliveryError{Channel: channelName, ChatID: chatID, Err: err}
		}

		g.log.Debug("Sending message", "chat_id", chatID, "content", previewText(part))
		if _, err := g.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), part)); err != nil {
			return &channel.DeliveryError{Channel: channelName, ChatID: chatID, Err: err}
		}
	}

	return nil
}

// SplitMessage cuts text into parts of at most limit runes, preferring to
// break after a newline. Empty text yields no parts.
func SplitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}

	return parts
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return string([]rune(trimmed)[:messagePreviewLimit]) + "..."
}

// StartTyping sends an initial typing action and refreshes it periodically
// until the returned function is called.
func (g *Gateway) StartTyping(ctx context.Context, chatID int64) func() {
	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		if err := g.bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			g.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	sendTyping()

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()

	return cancel
}
