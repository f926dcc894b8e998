// Package channel defines the boundary between the orchestrator and the
// messaging transports it polls and reports to.
package channel

import (
	"context"
	"fmt"

	"shellrelay/pkg/bus"
)

// Gateway bridges one external transport (for example Telegram) into shellrelay.
//
// FetchNext blocks until at least one message is available or the transport's
// poll interval elapses, returning messages whose Offset is >= offset in
// arrival order. Send delivers one text to a chat and returns a *DeliveryError
// on failure.
type Gateway interface {
	Name() string
	FetchNext(ctx context.Context, offset int64) ([]bus.InboundMessage, error)
	Send(ctx context.Context, chatID int64, text string) error
}

// Preparer is implemented by gateways that need a one-time setup call before
// the first FetchNext.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Typer is implemented by gateways that can show a "working" indicator in a
// chat. The returned function stops it.
type Typer interface {
	StartTyping(ctx context.Context, chatID int64) (stop func())
}

// DeliveryError reports a failed outbound send.
type DeliveryError struct {
	Channel string
	ChatID  int64
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s chat %d: %v", e.Channel, e.ChatID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
