// Package console implements an in-process channel gateway fed by the local
// operator console over the message bus.
package console

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"shellrelay/pkg/bus"
	"shellrelay/pkg/channel"
)

const channelName = "console"

// ChatID is the chat identifier used for every console message.
const ChatID int64 = 1

const defaultPollInterval = time.Second

var errClosed = errors.New("console bus closed")

type Gateway struct {
	bus          *bus.MessageBus
	pollInterval time.Duration
	nextOffset   atomic.Int64
	log          *slog.Logger
}

func NewGateway(mb *bus.MessageBus, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}

	return &Gateway{
		bus:          mb,
		pollInterval: defaultPollInterval,
		log:          log.With("component", "channel.console"),
	}
}

func (g *Gateway) Name() string {
	return channelName
}

// Submit queues one operator instruction. Blank text is ignored.
func (g *Gateway) Submit(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	return g.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:    channelName,
		ChatID:     ChatID,
		Offset:     g.nextOffset.Add(1),
		Text:       text,
		ReceivedAt: time.Now().UTC(),
	})
}

// FetchNext waits up to the poll interval for one instruction and then drains
// whatever else is queued. The bus is consumed destructively, so offset is
// only used to skip messages the caller already committed.
func (g *Gateway) FetchNext(ctx context.Context, offset int64) ([]bus.InboundMessage, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.pollInterval)
	defer cancel()

	first, ok := g.bus.ConsumeInbound(waitCtx)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		select {
		case <-g.bus.Done():
			return nil, errClosed
		default:
			return nil, nil
		}
	}

	messages := []bus.InboundMessage{first}
	for {
		msg, ok := g.bus.TryConsumeInbound()
		if !ok {
			break
		}
		messages = append(messages, msg)
	}

	fresh := messages[:0]
	for _, msg := range messages {
		if msg.Offset >= offset {
			fresh = append(fresh, msg)
		}
	}

	return fresh, nil
}

// Send publishes a report to the console UI.
func (g *Gateway) Send(ctx context.Context, chatID int64, text string) error {
	if g.bus.PublishOutbound(ctx, bus.OutboundMessage{Channel: channelName, ChatID: chatID, Text: text}) {
		return nil
	}

	err := ctx.Err()
	if err == nil {
		err = errClosed
	}
	g.log.Debug("Dropped console reply", "chat_id", chatID, "error", err)
	return &channel.DeliveryError{Channel: channelName, ChatID: chatID, Err: err}
}
