package gateway

import (
	"log/slog"

	"shellrelay/pkg/bus"
)

// logEvent writes one lifecycle event with a stable attribute set so a cycle
// can be followed by cycle_id across event types.
func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"cycle_id", event.CycleID,
		"channel", event.Channel,
		"chat_id", event.ChatID,
		"timestamp", event.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case bus.EventDeliveryFailed:
		log.Error("Cycle event", append(attrs, "error", event.Error)...)
	case bus.EventFailed:
		log.Warn("Cycle event", append(attrs, "error", event.Error)...)
	case bus.EventCompleted:
		log.Info("Cycle event", attrs...)
	default:
		log.Debug("Cycle event", attrs...)
	}
}
