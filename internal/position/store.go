package position

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotTracked is returned for tokens with no open position.
	ErrNotTracked = errors.New("position not tracked")
	// ErrInvalidFill is returned for fills with non-positive amount or price.
	ErrInvalidFill = errors.New("invalid fill")
)

const (
	defaultShards   = 32
	appliedFillsCap = 128
	epsilon         = 1e-12
)

// Options configures a Store.
type Options struct {
	Shards          int
	HistoryCapacity int
	VolumeWindow    time.Duration
	Now             func() time.Time
}

// Store is a sharded, concurrency-safe map of token -> position. Each shard
// has its own lock and each position its own mutex, so updates for
// different tokens do not contend.
type Store struct {
	shards       []*shard
	capacity     int
	volumeWindow time.Duration
	now          func() time.Time
	logger       *zap.Logger

	totalBought atomicFloat
	totalSold   atomicFloat
	fills       atomic.Uint64
}

type shard struct {
	mu        sync.RWMutex
	positions map[string]*entry
	targets   map[string]*target
}

type target struct {
	holding float64
	seen    bool
	exited  bool
	lastAt  time.Time
}

type entry struct {
	mu      sync.Mutex
	pos     TrackedPosition
	hist    *history
	applied map[string]struct{}
	order   []string
	removed bool // unlinked from its shard; writers must look up again
}

// NewStore creates an empty store.
func NewStore(opts Options, logger *zap.Logger) *Store {
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = 50
	}
	if opts.VolumeWindow <= 0 {
		opts.VolumeWindow = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		shards:       make([]*shard, opts.Shards),
		capacity:     opts.HistoryCapacity,
		volumeWindow: opts.VolumeWindow,
		now:          opts.Now,
		logger:       logger.Named("positions"),
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			positions: make(map[string]*entry),
			targets:   make(map[string]*target),
		}
	}
	return s
}

func (s *Store) shardFor(token string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Store) get(token string) (*shard, *entry) {
	sh := s.shardFor(token)
	sh.mu.RLock()
	e := sh.positions[token]
	sh.mu.RUnlock()
	return sh, e
}

// Update applies a market tick to a tracked position. Ticks for untracked
// tokens are ignored and reported with ok == false.
func (s *Store) Update(token string, tick Tick) (TrackedPosition, bool) {
	_, e := s.get(token)
	if e == nil || tick.Price <= 0 {
		return TrackedPosition{}, false
	}
	if tick.At.IsZero() {
		tick.At = s.now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := &e.pos
	p.CurrentPrice = tick.Price
	if tick.Price > p.HighestPrice {
		p.HighestPrice = tick.Price
	}
	if p.LowestPrice == 0 || tick.Price < p.LowestPrice {
		p.LowestPrice = tick.Price
	}
	if tick.Liquidity > 0 {
		p.Liquidity = tick.Liquidity
	}
	if tick.MarketCap > 0 {
		p.MarketCap = tick.MarketCap
	}
	e.hist.push(Sample{Price: tick.Price, Volume: tick.Volume, At: tick.At})
	p.Volume = e.hist.volumeSince(tick.At.Add(-s.volumeWindow))
	p.UpdatedAt = tick.At
	p.TimeHeld = tick.At.Sub(p.BoughtAt)

	return s.copyLocked(e), true
}

// ApplyFill mutates holdings from one of our own fills. Buys open or grow a
// position with a weighted-average cost basis; sells reduce it and never
// drive it below zero. A fill id already applied is ignored (applied == false).
func (s *Store) ApplyFill(f Fill) (snap TrackedPosition, applied bool, err error) {
	if f.Amount <= 0 || f.Price < 0 || math.IsNaN(f.Amount) || math.IsNaN(f.Price) {
		return TrackedPosition{}, false, fmt.Errorf("%w: amount=%v price=%v", ErrInvalidFill, f.Amount, f.Price)
	}
	if f.At.IsZero() {
		f.At = s.now()
	}

	if f.Side != Buy && f.Side != Sell {
		return TrackedPosition{}, false, fmt.Errorf("%w: side %q", ErrInvalidFill, f.Side)
	}

	sh := s.shardFor(f.Token)
	for {
		sh.mu.Lock()
		e := sh.positions[f.Token]
		if e == nil {
			if f.Side != Buy {
				sh.mu.Unlock()
				return TrackedPosition{}, false, fmt.Errorf("sell fill for %s: %w", f.Token, ErrNotTracked)
			}
			// The opening buy is applied before the entry is visible, so
			// nobody can observe or remove it with nothing held.
			e = s.newEntry(f, sh.targets[f.Token])
			if f.ID != "" {
				e.remember(f.ID)
			}
			s.applyLocked(e, f)
			sh.positions[f.Token] = e
			snap = s.copyLocked(e)
			sh.mu.Unlock()
			return snap, true, nil
		}
		sh.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		return s.applyExisting(e, f)
	}
}

// applyExisting applies f to a published entry. e.mu is held on entry and
// released before returning.
func (s *Store) applyExisting(e *entry, f Fill) (TrackedPosition, bool, error) {
	if f.ID != "" {
		if _, dup := e.applied[f.ID]; dup {
			snap := s.copyLocked(e)
			e.mu.Unlock()
			return snap, false, nil
		}
		e.remember(f.ID)
	}

	s.applyLocked(e, f)
	snap := s.copyLocked(e)
	closed := e.pos.AmountHeld == 0 && !e.pos.Pending
	e.mu.Unlock()

	if closed {
		s.Remove(f.Token)
	}
	return snap, true, nil
}

func (s *Store) applyLocked(e *entry, f Fill) {
	p := &e.pos
	switch f.Side {
	case Buy:
		held := p.AmountHeld + f.Amount
		p.CostBasis = (p.AmountHeld*p.CostBasis + f.Amount*f.Price) / held
		p.AmountHeld = held
		p.TotalBought += f.Amount
		s.totalBought.add(f.Amount)
	case Sell:
		amount := math.Min(f.Amount, p.AmountHeld)
		p.AmountHeld -= amount
		if p.AmountHeld < epsilon {
			p.AmountHeld = 0
		}
		p.TotalSold += amount
		p.RealizedPnL += amount * (f.Price - p.CostBasis)
		s.totalSold.add(amount)
	}
	if f.Price > 0 {
		p.CurrentPrice = f.Price
		if f.Price > p.HighestPrice {
			p.HighestPrice = f.Price
		}
	}
	if f.Protocol != "" {
		p.Protocol = f.Protocol
	}
	p.UpdatedAt = f.At
	s.fills.Add(1)
}

func (s *Store) newEntry(f Fill, t *target) *entry {
	e := &entry{
		hist:    newHistory(s.capacity),
		applied: make(map[string]struct{}),
	}
	e.pos = TrackedPosition{
		Token:        f.Token,
		EntryPrice:   f.Price,
		HighestPrice: f.Price,
		LowestPrice:  f.Price,
		CurrentPrice: f.Price,
		BoughtAt:     f.At,
		UpdatedAt:    f.At,
		Protocol:     f.Protocol,
	}
	if t != nil {
		e.pos.TargetHolding = t.holding
		e.pos.TargetExited = t.exited
	}
	s.logger.Info("Position opened",
		zap.String("token", f.Token),
		zap.Float64("price", f.Price),
		zap.Float64("amount", f.Amount))
	return e
}

func (e *entry) remember(id string) {
	e.applied[id] = struct{}{}
	e.order = append(e.order, id)
	if len(e.order) > appliedFillsCap {
		delete(e.applied, e.order[0])
		e.order = e.order[1:]
	}
}

// ObserveTarget records a copy-target trade. The target counts as exited
// once a sell brings its observed holding to zero. It reports whether the
// target is now considered exited.
func (s *Store) ObserveTarget(token string, side Side, amount float64) bool {
	sh := s.shardFor(token)
	sh.mu.Lock()
	t := sh.targets[token]
	if t == nil {
		t = &target{}
		sh.targets[token] = t
	}
	t.lastAt = s.now()
	switch side {
	case Buy:
		t.holding += amount
		t.seen = true
		t.exited = false
	case Sell:
		t.holding -= amount
		if t.holding < epsilon {
			t.holding = 0
			// A sell without an observed buy says nothing about a full exit.
			t.exited = t.seen
		}
	}
	holding, exited := t.holding, t.exited
	e := sh.positions[token]
	sh.mu.Unlock()

	if e != nil {
		e.mu.Lock()
		e.pos.TargetHolding = holding
		e.pos.TargetExited = exited
		e.mu.Unlock()
	}
	return exited
}

// SetProtocol records the venue a token currently trades on.
func (s *Store) SetProtocol(token, protocol string) {
	_, e := s.get(token)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.pos.Protocol = protocol
	e.mu.Unlock()
}

// Snapshot returns a consistent copy of the position.
func (s *Store) Snapshot(token string) (TrackedPosition, bool) {
	_, e := s.get(token)
	if e == nil {
		return TrackedPosition{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := s.copyLocked(e)
	snap.TimeHeld = s.now().Sub(snap.BoughtAt)
	return snap, true
}

func (s *Store) copyLocked(e *entry) TrackedPosition {
	snap := e.pos
	snap.History = e.hist.slice()
	return snap
}

// MarkPending flags an execution in flight. It returns false when one already is.
func (s *Store) MarkPending(token string) bool {
	_, e := s.get(token)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos.Pending || e.removed {
		return false
	}
	e.pos.Pending = true
	return true
}

// ClearPending ends an execution and drops the position if nothing is held.
func (s *Store) ClearPending(token string) {
	_, e := s.get(token)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.pos.Pending = false
	closed := e.pos.AmountHeld == 0
	e.mu.Unlock()
	if closed {
		s.Remove(token)
	}
}

// Remove deletes a position with zero holdings and no pending execution.
func (s *Store) Remove(token string) bool {
	sh := s.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.positions[token]
	if e == nil {
		return false
	}
	e.mu.Lock()
	removable := e.pos.AmountHeld == 0 && !e.pos.Pending
	if !removable {
		e.mu.Unlock()
		return false
	}
	e.removed = true
	e.mu.Unlock()
	delete(sh.positions, token)
	delete(sh.targets, token)
	s.logger.Info("Position closed", zap.String("token", token))
	return true
}

// Tokens lists every tracked token.
func (s *Store) Tokens() []string {
	var out []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for token := range sh.positions {
			out = append(out, token)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len returns the number of tracked positions.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.positions)
		sh.mu.RUnlock()
	}
	return n
}

// All returns snapshots of every position.
func (s *Store) All() []TrackedPosition {
	tokens := s.Tokens()
	out := make([]TrackedPosition, 0, len(tokens))
	for _, token := range tokens {
		if snap, ok := s.Snapshot(token); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Restore loads checkpointed positions. Existing entries are kept.
func (s *Store) Restore(positions []TrackedPosition) int {
	restored := 0
	for _, p := range positions {
		if p.AmountHeld <= 0 || p.Token == "" {
			continue
		}
		sh := s.shardFor(p.Token)
		sh.mu.Lock()
		if _, exists := sh.positions[p.Token]; !exists {
			e := &entry{hist: newHistory(s.capacity), applied: make(map[string]struct{})}
			for _, sample := range p.History {
				e.hist.push(sample)
			}
			p.Pending = false
			p.History = nil
			e.pos = p
			sh.positions[p.Token] = e
			sh.targets[p.Token] = &target{holding: p.TargetHolding, seen: p.TargetHolding > 0, exited: p.TargetExited, lastAt: s.now()}
			restored++
		}
		sh.mu.Unlock()
	}
	return restored
}

// PruneTargets forgets copy-target activity on tokens we do not hold once
// it is older than maxAge. It returns the number of entries dropped.
func (s *Store) PruneTargets(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	pruned := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for token, t := range sh.targets {
			if _, held := sh.positions[token]; held || t.lastAt.After(cutoff) {
				continue
			}
			delete(sh.targets, token)
			pruned++
		}
		sh.mu.Unlock()
	}
	return pruned
}

// Counters returns the process-wide fill totals.
func (s *Store) Counters() Counters {
	return Counters{
		TotalBought: s.totalBought.load(),
		TotalSold:   s.totalSold.load(),
		Fills:       s.fills.Load(),
	}
}

// ResetCounters zeroes the process-wide totals.
func (s *Store) ResetCounters() {
	s.totalBought.store(0)
	s.totalSold.store(0)
	s.fills.Store(0)
}

type atomicFloat struct{ bits atomic.Uint64 }

func (f *atomicFloat) load() float64 { return math.Float64frombits(f.bits.Load()) }

func (f *atomicFloat) store(v float64) { f.bits.Store(math.Float64bits(v)) }

func (f *atomicFloat) add(delta float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}
