// internal/feed/pool.go
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/metrics"
)

// ErrPoolUnhealthy is returned while no slot is healthy. It is transient.
var ErrPoolUnhealthy = errors.New("feed pool unhealthy: no healthy connections")

// Config configures the connection pool.
type Config struct {
	URL               string
	Size              int
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	Buffer            int
}

func (c *Config) setDefaults() {
	if c.Size < 1 {
		c.Size = 3
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatMisses < 1 {
		c.HeartbeatMisses = 3
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 2 * time.Second
	}
	if c.ReconnectMax < c.ReconnectInitial {
		c.ReconnectMax = 30 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
}

// Publisher receives pool health notifications.
type Publisher interface {
	Publish(e events.Event) error
}

// Pool is a fixed set of independent feed connections.
type Pool struct {
	cfg     Config
	slots   []*Slot
	next    atomic.Uint64
	out     chan Message
	bus     Publisher
	metrics *metrics.Metrics
	logger  *zap.Logger

	down atomic.Bool

	mu     sync.Mutex
	tokens map[string]int
}

// NewPool creates a pool of cfg.Size slots. Nothing is dialed until Run.
func NewPool(cfg Config, dial Dialer, bus Publisher, m *metrics.Metrics, logger *zap.Logger) *Pool {
	cfg.setDefaults()
	if dial == nil {
		dial = DialWebsocket
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	p := &Pool{
		cfg:     cfg,
		out:     make(chan Message, cfg.Buffer),
		bus:     bus,
		metrics: m,
		logger:  logger.Named("feed"),
		tokens:  make(map[string]int),
	}
	p.slots = make([]*Slot, cfg.Size)
	for i := range p.slots {
		p.slots[i] = newSlot(i, cfg, dial, m, p.logger, p.healthChanged)
	}
	return p
}

// Next returns the next slot index in round-robin order.
func (p *Pool) Next() int {
	return int((p.next.Add(1) - 1) % uint64(len(p.slots)))
}

// Size returns the number of slots.
func (p *Pool) Size() int { return len(p.slots) }

// Messages is the fan-in of every slot. It is closed when Run returns.
func (p *Pool) Messages() <-chan Message { return p.out }

// Run connects every slot and blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.out)

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range p.slots {
		g.Go(func() error { return s.Run(ctx, p.out) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// WatchWallets subscribes to trades of each wallet, spreading wallets
// across slots round-robin.
func (p *Pool) WatchWallets(ctx context.Context, wallets []string) error {
	for _, w := range wallets {
		s := p.slots[p.Next()]
		if err := s.subscribe(ctx, "account:"+w, encodeSubscription(MethodAccountTrade, w)); err != nil {
			return fmt.Errorf("watch wallet %s: %w", w, err)
		}
	}
	return nil
}

// WatchMigrations subscribes every slot to migration events.
func (p *Pool) WatchMigrations(ctx context.Context) error {
	payload := encodeSubscription(MethodMigration)
	for _, s := range p.slots {
		if err := s.subscribe(ctx, "migration", payload); err != nil {
			return fmt.Errorf("watch migrations on slot %d: %w", s.id, err)
		}
	}
	return nil
}

// WatchToken subscribes to trades of token on the next slot. Watching an
// already watched token is a no-op.
func (p *Pool) WatchToken(ctx context.Context, token string) error {
	p.mu.Lock()
	if _, ok := p.tokens[token]; ok {
		p.mu.Unlock()
		return nil
	}
	idx := p.Next()
	p.tokens[token] = idx
	p.mu.Unlock()

	if err := p.slots[idx].subscribe(ctx, "token:"+token, encodeSubscription(MethodTokenTrade, token)); err != nil {
		return fmt.Errorf("watch token %s: %w", token, err)
	}
	return nil
}

// UnwatchToken drops the token subscription.
func (p *Pool) UnwatchToken(ctx context.Context, token string) error {
	p.mu.Lock()
	idx, ok := p.tokens[token]
	delete(p.tokens, token)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.slots[idx].unsubscribe(ctx, "token:"+token, encodeSubscription(MethodUnsubscribeToken, token))
}

// Check returns ErrPoolUnhealthy when no slot is healthy.
func (p *Pool) Check() error {
	if healthy, _ := p.Healthy(); healthy == 0 {
		return ErrPoolUnhealthy
	}
	return nil
}

// Healthy returns the healthy and total slot counts.
func (p *Pool) Healthy() (healthy, total int) {
	for _, s := range p.slots {
		if s.Health() == HealthHealthy {
			healthy++
		}
	}
	return healthy, len(p.slots)
}

// Status returns every slot's status.
func (p *Pool) Status() []SlotStatus {
	out := make([]SlotStatus, len(p.slots))
	for i, s := range p.slots {
		out[i] = s.Status()
	}
	return out
}

func (p *Pool) healthChanged(s *Slot) {
	healthy, total := p.Healthy()
	p.metrics.FeedHealthySlots.Set(float64(healthy))

	if healthy > 0 {
		if p.down.CompareAndSwap(true, false) {
			p.logger.Info("Feed pool recovered", zap.Int("healthy", healthy), zap.Int("total", total))
		}
		return
	}
	if !p.down.CompareAndSwap(false, true) {
		return
	}
	p.metrics.PoolUnhealthy.Inc()
	p.logger.Error("All feed connections down", zap.Int("total", total), zap.Int("last_slot", s.id))
	if p.bus != nil {
		_ = p.bus.Publish(events.PoolEvent{BaseEvent: events.NewBase(events.PoolUnhealthy), Healthy: 0, Total: total})
	}
}
