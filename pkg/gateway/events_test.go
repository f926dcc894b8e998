package gateway

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"shellrelay/pkg/bus"
)

type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

func (h *recordingHandler) WithGroup(_ string) slog.Handler { return h }

func (h *recordingHandler) LastLevel() slog.Level {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == 0 {
		return 0
	}
	return h.records[len(h.records)-1].Level
}

func TestLogEventLevels(t *testing.T) {
	recorder := &recordingHandler{}
	log := slog.New(recorder)

	tests := []struct {
		event bus.EventType
		want  slog.Level
	}{
		{bus.EventReceived, slog.LevelDebug},
		{bus.EventPlanned, slog.LevelDebug},
		{bus.EventCompleted, slog.LevelInfo},
		{bus.EventFailed, slog.LevelWarn},
		{bus.EventDeliveryFailed, slog.LevelError},
	}
	for _, tt := range tests {
		logEvent(log, bus.Event{Type: tt.event, CycleID: "c-1", Error: "boom"})
		if got := recorder.LastLevel(); got != tt.want {
			t.Fatalf("%s event level = %v, want %v", tt.event, got, tt.want)
		}
	}
}
