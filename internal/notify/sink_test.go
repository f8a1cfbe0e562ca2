package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/metrics"
)

func sellFailed() events.SellEvent {
	return events.SellEvent{
		BaseEvent:  events.NewBase(events.SellFailed),
		DecisionID: "d-1",
		Token:      "So11111111111111111111111111111111111111112",
		Reason:     "stop_loss",
		Amount:     1000,
		Attempts:   3,
		Error:      "retries exhausted",
	}
}

func TestNewPayload(t *testing.T) {
	p := NewPayload(sellFailed())
	assert.Equal(t, "sell_failed", p.Type)
	assert.Equal(t, "d-1", p.DecisionID)
	assert.Equal(t, 3, p.Attempts)

	p = NewPayload(events.PnLEvent{BaseEvent: events.NewBase(events.PnLReport), Token: "t", LastPrice: 2, RealizedPnL: 0.4})
	assert.Equal(t, 2.0, p.Price)
	assert.Equal(t, 0.4, p.RealizedPnL)

	p = NewPayload(events.PoolEvent{BaseEvent: events.NewBase(events.PoolUnhealthy), Total: 3})
	assert.Equal(t, "pool_unhealthy", p.Type)
	assert.Equal(t, 3, p.TotalSlots)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewLogSink(zap.New(core))

	require.NoError(t, s.Handle(context.Background(), sellFailed()))
	require.NoError(t, s.Handle(context.Background(), events.SellEvent{BaseEvent: events.NewBase(events.SellCompleted)}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "stop_loss", entries[0].ContextMap()["reason"])
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
}

func TestWebhook_Delivers(t *testing.T) {
	var mu sync.Mutex
	var got []Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			mu.Lock()
			got = append(got, p)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookConfig{URL: srv.URL, RatePerSec: 100, Burst: 10}, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	bus := events.NewBus(zap.NewNop(), 16)
	defer func() { _ = bus.Shutdown(context.Background()) }()
	Attach(bus, w)
	require.NoError(t, bus.Publish(sellFailed()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "sell_failed", got[0].Type)
	assert.Equal(t, "stop_loss", got[0].Reason)
	mu.Unlock()

	cancel()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("webhook worker did not stop")
	}
}

func TestWebhook_DropsWhenQueueFull(t *testing.T) {
	m := metrics.NewPrometheus()
	w := NewWebhook(WebhookConfig{URL: "http://127.0.0.1:1", Queue: 1}, m.Metrics, zap.NewNop())

	require.NoError(t, w.Handle(context.Background(), sellFailed()))
	err := w.Handle(context.Background(), sellFailed())
	assert.ErrorIs(t, err, ErrQueueFull)
}
