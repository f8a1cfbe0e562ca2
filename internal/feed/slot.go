// internal/feed/slot.go
package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/metrics"
)

const dialTimeout = 10 * time.Second

// Health of a connection slot.
type Health int32

const (
	HealthReconnecting Health = iota
	HealthHealthy
	HealthDegraded
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	default:
		return "reconnecting"
	}
}

// SlotStatus is a point-in-time view of a slot.
type SlotStatus struct {
	ID            int
	Health        Health
	LastHeartbeat time.Time
	Load          int64
	Reconnects    int64
}

// Slot owns one streaming connection and reconnects it on its own.
type Slot struct {
	id       int
	cfg      Config
	dial     Dialer
	metrics  *metrics.Metrics
	logger   *zap.Logger
	onHealth func(*Slot)

	health     atomic.Int32
	lastBeat   atomic.Int64
	load       atomic.Int64
	seq        atomic.Uint64
	reconnects atomic.Int64

	mu    sync.Mutex
	conn  Conn
	subs  map[string][]byte
	order []string
}

func newSlot(id int, cfg Config, dial Dialer, m *metrics.Metrics, logger *zap.Logger, onHealth func(*Slot)) *Slot {
	return &Slot{
		id:       id,
		cfg:      cfg,
		dial:     dial,
		metrics:  m,
		logger:   logger.With(zap.Int("slot", id)),
		onHealth: onHealth,
		subs:     make(map[string][]byte),
	}
}

// ID returns the slot index.
func (s *Slot) ID() int { return s.id }

// Health returns the current health.
func (s *Slot) Health() Health { return Health(s.health.Load()) }

// Status returns a snapshot of the slot.
func (s *Slot) Status() SlotStatus {
	st := SlotStatus{
		ID:         s.id,
		Health:     s.Health(),
		Load:       s.load.Load(),
		Reconnects: s.reconnects.Load(),
	}
	if ns := s.lastBeat.Load(); ns > 0 {
		st.LastHeartbeat = time.Unix(0, ns)
	}
	return st
}

func (s *Slot) setHealth(h Health) {
	if Health(s.health.Swap(int32(h))) != h && s.onHealth != nil {
		s.onHealth(s)
	}
}

// subscribe remembers payload under key and sends it if connected. It is
// re-sent after every reconnect.
func (s *Slot) subscribe(ctx context.Context, key string, payload []byte) error {
	s.mu.Lock()
	if _, ok := s.subs[key]; !ok {
		s.order = append(s.order, key)
		s.load.Add(1)
	}
	s.subs[key] = payload
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Write(ctx, payload)
}

// unsubscribe forgets key and sends payload if connected.
func (s *Slot) unsubscribe(ctx context.Context, key string, payload []byte) error {
	s.mu.Lock()
	if _, ok := s.subs[key]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.load.Add(-1)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Write(ctx, payload)
}

// Run keeps the slot connected until ctx is done, forwarding frames to out.
func (s *Slot) Run(ctx context.Context, out chan<- Message) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.ReconnectInitial
	policy.MaxInterval = s.cfg.ReconnectMax

	for {
		s.setHealth(HealthReconnecting)
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.setHealth(HealthDegraded)
			wait := policy.NextBackOff()
			s.logger.Warn("Feed connect failed", zap.Duration("retry_in", wait), zap.Error(err))
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		policy.Reset()
		s.setHealth(HealthHealthy)
		s.logger.Info("Feed connected", zap.String("url", s.cfg.URL))

		err = s.serve(ctx, conn, out)
		s.drop()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.setHealth(HealthDegraded)
		s.reconnects.Add(1)
		s.metrics.FeedReconnects.Inc()
		wait := policy.NextBackOff()
		s.logger.Warn("Feed connection lost", zap.Duration("retry_in", wait), zap.Error(err))
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (s *Slot) connect(ctx context.Context) (Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := s.dial(dctx, s.cfg.URL)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	payloads := make([][]byte, 0, len(s.order))
	for _, k := range s.order {
		payloads = append(payloads, s.subs[k])
	}
	s.conn = conn
	s.mu.Unlock()

	for _, p := range payloads {
		if err := conn.Write(dctx, p); err != nil {
			s.drop()
			return nil, err
		}
	}
	s.lastBeat.Store(time.Now().UnixNano())
	return conn, nil
}

func (s *Slot) drop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Slot) serve(ctx context.Context, conn Conn, out chan<- Message) error {
	ctx, cancel := context.WithCancel(ctx)
	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		s.heartbeat(ctx, conn)
	}()
	defer func() {
		cancel()
		<-beatDone
	}()

	for {
		binary, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		now := time.Now()
		s.lastBeat.Store(now.UnixNano())
		s.load.Add(1)
		s.metrics.FeedMessages.Inc()

		msg := Message{Slot: s.id, Seq: s.seq.Add(1), Binary: binary, Data: data, At: now}
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// heartbeat pings every interval. After HeartbeatMisses consecutive misses
// the slot is degraded and the connection closed, which ends serve.
func (s *Slot) heartbeat(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pctx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatInterval)
		err := conn.Ping(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			misses = 0
			s.lastBeat.Store(time.Now().UnixNano())
			continue
		}

		misses++
		s.logger.Debug("Heartbeat missed", zap.Int("misses", misses), zap.Error(err))
		if misses >= s.cfg.HeartbeatMisses {
			s.logger.Warn("Heartbeat lost, dropping connection", zap.Int("misses", misses))
			s.setHealth(HealthDegraded)
			_ = conn.Close()
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
