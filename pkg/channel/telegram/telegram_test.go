package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"shellrelay/pkg/channel"
	"shellrelay/pkg/config"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/require"
)

type fakeBot struct {
	mu sync.Mutex

	updates     []telego.Update
	updatesErr  error
	getParams   []telego.GetUpdatesParams
	sent        []telego.SendMessageParams
	sendErr     error
	actions     int
	webhookDrop []bool
}

func (b *fakeBot) GetUpdates(_ context.Context, params *telego.GetUpdatesParams) ([]telego.Update, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getParams = append(b.getParams, *params)
	return b.updates, b.updatesErr
}

func (b *fakeBot) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	b.sent = append(b.sent, *params)
	return &telego.Message{}, nil
}

func (b *fakeBot) SendChatAction(_ context.Context, _ *telego.SendChatActionParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions++
	return nil
}

func (b *fakeBot) DeleteWebhook(_ context.Context, params *telego.DeleteWebhookParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.webhookDrop = append(b.webhookDrop, params.DropPendingUpdates)
	return nil
}

func testGateway(bot *fakeBot) *Gateway {
	cfg := config.TelegramConfig{PollTimeoutSecs: 25, DropPendingUpdates: true}
	return newGateway(bot, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNewGatewayRequiresToken(t *testing.T) {
	if _, err := NewGateway(config.TelegramConfig{BotToken: "  "}, nil); err == nil {
		t.Fatal("expected missing token error")
	}
}

func TestPrepareDeletesWebhook(t *testing.T) {
	bot := &fakeBot{}
	gw := testGateway(bot)

	require.NoError(t, gw.Prepare(context.Background()))
	require.Equal(t, []bool{true}, bot.webhookDrop)
}

func TestFetchNextMapsUpdates(t *testing.T) {
	bot := &fakeBot{updates: []telego.Update{
		{UpdateID: 10, Message: &telego.Message{
			MessageID: 1,
			Chat:      telego.Chat{ID: 42},
			From:      &telego.User{ID: 7, Username: "ops"},
			Text:      " list files ",
		}},
		{UpdateID: 11, ChannelPost: &telego.Message{MessageID: 2, Chat: telego.Chat{ID: -100}, Text: "uptime"}},
		{UpdateID: 12, Message: &telego.Message{MessageID: 3, Chat: telego.Chat{ID: 42}}},
		{UpdateID: 13},
	}}
	gw := testGateway(bot)

	messages, err := gw.FetchNext(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, messages, 4)

	require.Equal(t, 10, bot.getParams[0].Offset)
	require.Equal(t, 25, bot.getParams[0].Timeout)

	first := messages[0]
	require.Equal(t, int64(42), first.ChatID)
	require.Equal(t, int64(7), first.SenderID)
	require.Equal(t, "ops", first.SenderName)
	require.Equal(t, "list files", first.Text)
	require.Equal(t, int64(10), first.Offset)
	require.Equal(t, channelName, first.Channel)

	require.Equal(t, int64(-100), messages[1].ChatID)
	require.Equal(t, "uptime", messages[1].Text)

	require.Empty(t, messages[2].Text)
	require.Equal(t, int64(12), messages[2].Offset)
	require.Equal(t, int64(13), messages[3].Offset)
}

func TestFetchNextWrapsErrors(t *testing.T) {
	bot := &fakeBot{updatesErr: errors.New("bad gateway")}
	gw := testGateway(bot)

	_, err := gw.FetchNext(context.Background(), 0)
	require.ErrorContains(t, err, "bad gateway")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = gw.FetchNext(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCommitPollsWithoutWaiting(t *testing.T) {
	bot := &fakeBot{}
	gw := testGateway(bot)

	require.NoError(t, gw.Commit(context.Background(), 77))
	require.Len(t, bot.getParams, 1)
	require.Equal(t, 77, bot.getParams[0].Offset)
	require.Equal(t, 0, bot.getParams[0].Timeout)
	require.Equal(t, 1, bot.getParams[0].Limit)
}

func TestSendSplitsLongText(t *testing.T) {
	bot := &fakeBot{}
	gw := testGateway(bot)

	text := strings.Repeat("x", MaxMessageRunes+10)
	require.NoError(t, gw.Send(context.Background(), 42, text))
	require.Len(t, bot.sent, 2)
	require.Equal(t, MaxMessageRunes, utf8.RuneCountInString(bot.sent[0].Text))
	require.Equal(t, 10, utf8.RuneCountInString(bot.sent[1].Text))
}

func TestSendReturnsDeliveryError(t *testing.T) {
	bot := &fakeBot{sendErr: errors.New("forbidden")}
	gw := testGateway(bot)

	err := gw.Send(context.Background(), 42, "hello")
	var deliveryErr *channel.DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	require.Equal(t, int64(42), deliveryErr.ChatID)
	require.ErrorContains(t, err, "forbidden")
}

func TestStartTypingSendsAction(t *testing.T) {
	bot := &fakeBot{}
	gw := testGateway(bot)

	stop := gw.StartTyping(context.Background(), 42)
	stop()

	bot.mu.Lock()
	defer bot.mu.Unlock()
	if bot.actions < 1 {
		t.Fatalf("actions = %d, want at least 1", bot.actions)
	}
}

func TestSplitMessage(t *testing.T) {
	if parts := SplitMessage("", 10); parts != nil {
		t.Fatalf("SplitMessage empty = %v, want nil", parts)
	}
	if parts := SplitMessage("short", 10); len(parts) != 1 || parts[0] != "short" {
		t.Fatalf("SplitMessage short = %v", parts)
	}

	parts := SplitMessage("aaaa\nbbbb\ncccc", 10)
	if len(parts) != 2 || parts[0] != "aaaa\nbbbb\n" || parts[1] != "cccc" {
		t.Fatalf("SplitMessage newline = %q", parts)
	}

	parts = SplitMessage(strings.Repeat("é", 25), 10)
	if len(parts) != 3 {
		t.Fatalf("SplitMessage runes len = %d, want 3", len(parts))
	}
	for _, part := range parts {
		if !utf8.ValidString(part) {
			t.Fatalf("part %q is not valid UTF-8", part)
		}
	}
}

func TestPreviewText(t *testing.T) {
	short := " hello "
	if got := previewText(short); got != "hello" {
		t.Fatalf("previewText short = %q, want %q", got, "hello")
	}

	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	if len(got) != messagePreviewLimit+3 {
		t.Fatalf("previewText long len = %d, want %d", len(got), messagePreviewLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q, want ellipsis suffix", got)
	}
}
