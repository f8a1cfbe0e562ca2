// internal/notify/sink.go
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/metrics"
)

// ErrQueueFull is returned when a webhook notification was dropped.
var ErrQueueFull = errors.New("webhook queue full")

// LogSink writes every event to the log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("notify")}
}

// Handle implements events.Handler.
func (s *LogSink) Handle(_ context.Context, e events.Event) error {
	p := NewPayload(e)
	fields := []zap.Field{zap.String("type", p.Type)}
	if p.Token != "" {
		fields = append(fields, zap.String("token", p.Token))
	}

	switch e.Type() {
	case events.SellFailed, events.PoolUnhealthy:
		fields = append(fields, zap.String("reason", p.Reason), zap.String("error", p.Error),
			zap.Int("healthy_slots", p.HealthySlots), zap.Int("total_slots", p.TotalSlots))
		s.logger.Warn("Notification", fields...)
	case events.PnLReport:
		fields = append(fields, zap.Float64("held", p.AmountHeld), zap.Float64("realized_pnl", p.RealizedPnL),
			zap.Float64("gain_pct", p.GainPct))
		s.logger.Info("Notification", fields...)
	default:
		fields = append(fields, zap.String("reason", p.Reason), zap.Float64("amount", p.Amount),
			zap.Float64("filled", p.Filled), zap.Int("attempts", p.Attempts))
		s.logger.Info("Notification", fields...)
	}
	return nil
}

// WebhookConfig configures the webhook sink.
type WebhookConfig struct {
	URL        string
	RatePerSec float64
	Burst      int
	Queue      int
	Timeout    time.Duration
}

// Webhook posts events as JSON. Handle only enqueues; a worker started
// by Run delivers at the configured rate.
type Webhook struct {
	cfg     WebhookConfig
	client  *resty.Client
	limiter *rate.Limiter
	queue   chan Payload
	metrics *metrics.Metrics
	logger  *zap.Logger

	once sync.Once
	done chan struct{}
}

// NewWebhook creates a webhook sink.
func NewWebhook(cfg WebhookConfig, m *metrics.Metrics, logger *zap.Logger) *Webhook {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst < 1 {
		cfg.Burst = 5
	}
	if cfg.Queue < 1 {
		cfg.Queue = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.NewNoop()
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Content-Type", "application/json")

	return &Webhook{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		queue:   make(chan Payload, cfg.Queue),
		metrics: m,
		logger:  logger.Named("webhook"),
		done:    make(chan struct{}),
	}
}

// Handle implements events.Handler. It never blocks.
func (w *Webhook) Handle(_ context.Context, e events.Event) error {
	select {
	case w.queue <- NewPayload(e):
		return nil
	default:
		w.metrics.NotificationsDrops.Inc()
		return fmt.Errorf("%w: dropped %s", ErrQueueFull, e.Type())
	}
}

// Run delivers queued notifications until ctx is done.
func (w *Webhook) Run(ctx context.Context) {
	defer w.once.Do(func() { close(w.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-w.queue:
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
			if err := w.post(ctx, p); err != nil {
				w.logger.Warn("Webhook delivery failed", zap.String("type", p.Type), zap.Error(err))
			}
		}
	}
}

// Done is closed when Run returns.
func (w *Webhook) Done() <-chan struct{} { return w.done }

func (w *Webhook) post(ctx context.Context, p Payload) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(p).
		Post(w.cfg.URL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("webhook status %d", resp.StatusCode())
	}
	return nil
}

// Attach subscribes handlers to every event type on bus.
func Attach(bus *events.Bus, handlers ...events.Handler) events.Subscriptions {
	var subs events.Subscriptions
	for _, h := range handlers {
		subs = append(subs, bus.SubscribeAll(h)...)
	}
	return subs
}
