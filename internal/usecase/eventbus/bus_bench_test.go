package eventbus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"claw-bridge/internal/domain"
)

func BenchmarkDispatch(b *testing.B) {
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	event := domain.Event{
		Name:       "chat.delta",
		Payload:    json.RawMessage(`{"text":"hello"}`),
		ReceivedAt: time.Now(),
	}

	bus.On("chat.delta", func(_ context.Context, _ domain.Event) {})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Dispatch(ctx, event)
	}
}

func BenchmarkDispatchManyListeners(b *testing.B) {
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	event := domain.Event{Name: "tick", ReceivedAt: time.Now()}

	for i := 0; i < 10; i++ {
		bus.On("tick", func(_ context.Context, _ domain.Event) {})
	}
	bus.OnAny(func(_ context.Context, _ domain.Event) {})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Dispatch(ctx, event)
	}
}
