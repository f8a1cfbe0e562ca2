// internal/execution/coordinator.go
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/metrics"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
	"github.com/rovshanmuradov/solana-copybot/internal/protocol"
	"github.com/rovshanmuradov/solana-copybot/internal/strategy"
)

// Options carries the optional collaborators of a Coordinator.
type Options struct {
	Journal Journal
	Bus     Publisher
	// Gate bounds concurrent submissions across tokens. It is held for one
	// submission at a time, never across retry backoff or inter-chunk waits.
	Gate    *semaphore.Weighted
	Metrics *metrics.Metrics
}

// Coordinator turns sell decisions into submissions with escalating
// retries, progressive chunks and a last-resort force-sell.
type Coordinator struct {
	cfg      Config
	store    PositionStore
	selector Selector
	journal  Journal
	bus      Publisher
	gate     *semaphore.Weighted
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// cycles run on this context so a caller giving up never cancels a
	// submission already in flight
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	slFailures map[string]int
	// tokens blocked until an ambiguous submission is resolved or expires
	unconfirmed map[string]time.Time

	now func() time.Time
}

// NewCoordinator creates an execution coordinator.
func NewCoordinator(cfg Config, store PositionStore, selector Selector, opts Options, logger *zap.Logger) *Coordinator {
	cfg.setDefaults()
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		store:      store,
		selector:   selector,
		journal:    opts.Journal,
		bus:        opts.Bus,
		gate:       opts.Gate,
		metrics:    opts.Metrics,
		logger:     logger.Named("execution"),
		ctx:        ctx,
		cancel:     cancel,
		slFailures:  make(map[string]int),
		unconfirmed: make(map[string]time.Time),
		now:         time.Now,
	}
}

// Execute runs a sell cycle for the decision. In verify mode it returns
// the terminal result. In fire-and-forget mode it returns once the first
// submission has been sent and the rest of the cycle completes in the
// background.
func (c *Coordinator) Execute(ctx context.Context, d *strategy.SellDecision) (*Result, error) {
	if d == nil || d.Amount <= 0 {
		return nil, fmt.Errorf("execute: %w", ErrNothingHeld)
	}
	if _, ok := c.store.Snapshot(d.Token); !ok {
		return nil, fmt.Errorf("execute %s: %w", d.Token, position.ErrNotTracked)
	}
	if until, held := c.awaiting(d.Token); held {
		return nil, fmt.Errorf("execute %s: %w until %s", d.Token, ErrAwaitingConfirmation, until.Format(time.RFC3339))
	}
	if !c.store.MarkPending(d.Token) {
		return nil, fmt.Errorf("execute %s: %w", d.Token, ErrCycleInProgress)
	}

	submitted := make(chan struct{})
	var once sync.Once
	onSubmit := func() { once.Do(func() { close(submitted) }) }

	done := make(chan *Result, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Sell cycle panicked", zap.String("token", d.Token), zap.Any("panic", r))
				c.store.ClearPending(d.Token)
				done <- &Result{DecisionID: d.ID, Token: d.Token, Intended: d.Amount, Err: fmt.Errorf("sell cycle panic: %v", r)}
			}
		}()
		res := c.run(d, onSubmit)
		c.store.ClearPending(d.Token)
		done <- res
	}()

	if c.cfg.Mode == ModeFireAndForget {
		select {
		case <-submitted:
			return &Result{DecisionID: d.ID, Token: d.Token, Intended: d.Amount}, nil
		case res := <-done:
			return res, res.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	select {
	case res := <-done:
		return res, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ForceSell immediately exits the whole holding with the most permissive
// parameters and a single submission.
func (c *Coordinator) ForceSell(ctx context.Context, token string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, ok := c.store.Snapshot(token)
	if !ok || snap.AmountHeld <= 0 {
		return nil, fmt.Errorf("force sell %s: %w", token, ErrNothingHeld)
	}
	if until, held := c.awaiting(token); held {
		return nil, fmt.Errorf("force sell %s: %w until %s", token, ErrAwaitingConfirmation, until.Format(time.RFC3339))
	}
	d := strategy.NewForcedDecision(snap, c.cfg.ForceSellSlippageBps, snap.Protocol)
	c.wg.Add(1)
	defer c.wg.Done()
	if !c.store.MarkPending(token) {
		return nil, fmt.Errorf("force sell %s: %w", token, ErrCycleInProgress)
	}
	defer c.store.ClearPending(token)

	res := &Result{DecisionID: d.ID, Token: token, Intended: d.Amount}
	filled, err := c.forceSell(d, d.Amount)
	res.Forced = true
	res.Attempts = 1
	res.Filled = filled
	res.Err = err
	c.finish(d, res)
	return res, err
}

// Close waits for in-flight cycles until ctx expires, then cancels them.
func (c *Coordinator) Close(ctx context.Context) error {
	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	defer c.cancel()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		c.cancel()
		<-waited
		return ctx.Err()
	}
}

func (c *Coordinator) run(d *strategy.SellDecision, onSubmit func()) *Result {
	res := &Result{DecisionID: d.ID, Token: d.Token, Intended: d.Amount}
	c.publish(events.SellEvent{
		BaseEvent:  events.NewBase(events.SellInitiated),
		DecisionID: d.ID,
		Token:      d.Token,
		Reason:     string(d.Reason),
		Protocol:   d.Protocol,
		Amount:     d.Amount,
		Price:      d.Price,
	})

	if d.Chunks.Progressive() {
		c.runProgressive(d, res, onSubmit)
	} else {
		c.runSingle(d, res, onSubmit)
	}

	c.trackStopLoss(d, res)
	c.finish(d, res)
	return res
}

func (c *Coordinator) runSingle(d *strategy.SellDecision, res *Result, onSubmit func()) {
	out := c.submitChunk(d, 0, d.Amount, onSubmit)
	res.Attempts += out.attempts
	res.Filled += out.filled
	res.Err = out.err
	if out.err == nil {
		res.Closed = true
		return
	}
	if out.exhausted && c.cfg.ForceSellEnabled {
		c.escalate(d, res, c.remaining(d.Token, math.Inf(1)))
	}
}

// runProgressive submits equal chunks one after another. A failed chunk
// does not stop the ones after it; the cycle closes once the intended
// total is sold or nothing is left to sell.
func (c *Coordinator) runProgressive(d *strategy.SellDecision, res *Result, onSubmit func()) {
	count := d.Chunks.Count
	chunk := d.Amount / float64(count)
	exhausted := false

	for i := 0; i < count; i++ {
		if i > 0 && d.Chunks.Interval > 0 {
			if !c.sleep(d.Chunks.Interval) {
				res.Err = c.ctx.Err()
				return
			}
		}
		if c.remaining(d.Token, math.Inf(1)) <= 0 {
			break
		}

		out := c.submitChunk(d, i, chunk, onSubmit)
		res.Attempts += out.attempts
		res.Filled += out.filled
		res.Chunks = append(res.Chunks, ChunkResult{Index: i, Amount: chunk, Filled: out.filled, Err: out.err})
		if out.err != nil {
			res.Err = out.err
			exhausted = exhausted || out.exhausted
			c.logger.Warn("Chunk failed, continuing",
				zap.String("token", d.Token),
				zap.Int("chunk", i+1),
				zap.Int("of", count),
				zap.Error(out.err))
		}
	}

	left := d.Amount - res.Filled
	if left <= amountEpsilon || c.remaining(d.Token, math.Inf(1)) <= 0 {
		res.Closed = true
		res.Err = nil
		return
	}
	if exhausted && c.cfg.ForceSellEnabled {
		c.escalate(d, res, c.remaining(d.Token, left))
	}
}

func (c *Coordinator) escalate(d *strategy.SellDecision, res *Result, amount float64) {
	if amount <= 0 {
		return
	}
	if _, held := c.awaiting(d.Token); held {
		c.logger.Warn("Force sell skipped, earlier submission unconfirmed", zap.String("token", d.Token))
		return
	}
	filled, err := c.forceSell(d, amount)
	res.Forced = true
	res.Attempts++
	res.Filled += filled
	if err != nil {
		res.Err = err
		return
	}
	res.Err = nil
	res.Closed = true
}

// trackStopLoss counts consecutive failed stop-loss exits per token and
// forces the sale once the limit is reached.
func (c *Coordinator) trackStopLoss(d *strategy.SellDecision, res *Result) {
	if d.Reason != strategy.ReasonStopLoss || c.cfg.StopLossFailureLimit <= 0 {
		return
	}
	// An unconfirmed submission may still have sold; it is not a failure.
	if errors.Is(res.Err, ErrUnconfirmed) {
		return
	}
	c.mu.Lock()
	if res.Err == nil {
		delete(c.slFailures, d.Token)
		c.mu.Unlock()
		return
	}
	c.slFailures[d.Token]++
	n := c.slFailures[d.Token]
	trip := c.cfg.ForceSellEnabled && n >= c.cfg.StopLossFailureLimit && !res.Forced
	if trip {
		delete(c.slFailures, d.Token)
	}
	c.mu.Unlock()

	if !trip {
		return
	}
	c.logger.Error("Stop loss keeps failing, forcing exit",
		zap.String("token", d.Token),
		zap.Int("failures", n))
	c.escalate(d, res, c.remaining(d.Token, math.Inf(1)))
}

// Awaiting reports whether token is blocked by an unconfirmed submission.
func (c *Coordinator) Awaiting(token string) bool {
	_, held := c.awaiting(token)
	return held
}

func (c *Coordinator) awaiting(token string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.unconfirmed[token]
	if !ok {
		return time.Time{}, false
	}
	if !c.now().Before(until) {
		delete(c.unconfirmed, token)
		return time.Time{}, false
	}
	return until, true
}

// holdUnconfirmed blocks new cycles for the token until the submission is
// seen on chain, is reported failed, or the hold expires.
func (c *Coordinator) holdUnconfirmed(d *strategy.SellDecision, adapter protocol.Adapter, order protocol.SellOrder, sub protocol.Submission) {
	until := c.now().Add(c.cfg.UnconfirmedHold)
	c.mu.Lock()
	c.unconfirmed[d.Token] = until
	c.mu.Unlock()
	c.logger.Warn("Holding token until submission resolves",
		zap.String("token", d.Token),
		zap.String("signature", sub.ID),
		zap.Time("until", until))

	confirmer, ok := adapter.(protocol.Confirmer)
	if !ok || sub.ID == "" {
		return
	}
	if sub.Filled <= 0 {
		sub.Filled = order.Amount
	}
	if sub.Price <= 0 {
		sub.Price = d.Price
	}
	if sub.Protocol == "" {
		sub.Protocol = adapter.Name()
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.resolveUnconfirmed(d, confirmer, sub, until)
	}()
}

func (c *Coordinator) resolveUnconfirmed(d *strategy.SellDecision, confirmer protocol.Confirmer, sub protocol.Submission, until time.Time) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.UnconfirmedHold)
	defer cancel()
	ticker := time.NewTicker(c.cfg.ConfirmPoll)
	defer ticker.Stop()

	for {
		landed, err := confirmer.ConfirmSubmission(ctx, sub)
		if err == nil && landed {
			c.logger.Info("Unconfirmed submission landed", zap.String("token", d.Token), zap.String("signature", sub.ID))
			c.applyFill(d, sub)
			c.release(d.Token, until)
			return
		}
		var rejected *protocol.RejectedError
		if errors.As(err, &rejected) {
			c.logger.Info("Unconfirmed submission failed on chain", zap.String("token", d.Token), zap.String("signature", sub.ID))
			c.release(d.Token, until)
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// release lifts the hold placed at until; a newer hold is left alone.
func (c *Coordinator) release(token string, until time.Time) {
	c.mu.Lock()
	if cur, ok := c.unconfirmed[token]; ok && cur.Equal(until) {
		delete(c.unconfirmed, token)
	}
	c.mu.Unlock()
}

// StopLossFailures returns the consecutive failed stop-loss cycles for token.
func (c *Coordinator) StopLossFailures(token string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slFailures[token]
}

func (c *Coordinator) finish(d *strategy.SellDecision, res *Result) {
	ev := events.SellEvent{
		DecisionID: d.ID,
		Token:      d.Token,
		Reason:     string(d.Reason),
		Protocol:   d.Protocol,
		Amount:     d.Amount,
		Filled:     res.Filled,
		Price:      d.Price,
		Attempts:   res.Attempts,
	}
	if res.Err != nil {
		ev.BaseEvent = events.NewBase(events.SellFailed)
		ev.Error = res.Err.Error()
		c.metrics.SellFailed.Inc()
		c.logger.Error("Sell cycle failed",
			zap.String("decision", d.ID),
			zap.String("token", d.Token),
			zap.Float64("filled", res.Filled),
			zap.Int("attempts", res.Attempts),
			zap.Bool("forced", res.Forced),
			zap.Error(res.Err))
	} else {
		ev.BaseEvent = events.NewBase(events.SellCompleted)
		c.metrics.SellCompleted.Inc()
		c.logger.Info("Sell cycle completed",
			zap.String("decision", d.ID),
			zap.String("token", d.Token),
			zap.Float64("filled", res.Filled),
			zap.Int("attempts", res.Attempts),
			zap.Bool("forced", res.Forced))
	}
	c.publish(ev)
}

// remaining returns min(limit, current holdings).
func (c *Coordinator) remaining(token string, limit float64) float64 {
	snap, ok := c.store.Snapshot(token)
	if !ok {
		return 0
	}
	return math.Min(limit, snap.AmountHeld)
}

func (c *Coordinator) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Coordinator) acquireGate() error {
	if c.gate == nil {
		return nil
	}
	return c.gate.Acquire(c.ctx, 1)
}

func (c *Coordinator) releaseGate() {
	if c.gate != nil {
		c.gate.Release(1)
	}
}

func (c *Coordinator) publish(e events.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(e); err != nil {
		c.logger.Debug("Event not published", zap.String("type", string(e.Type())), zap.Error(err))
	}
}

func (c *Coordinator) record(a Attempt) {
	c.metrics.SellAttempts.Inc()
	c.metrics.SubmissionLatency.Observe(a.Duration)
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordAttempt(c.ctx, a); err != nil {
		c.logger.Warn("Failed to journal attempt", zap.String("decision", a.DecisionID), zap.Error(err))
	}
}

// isExhausted reports whether err ended a retry loop that could have
// continued with more attempts.
func isExhausted(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrUnconfirmed) || errors.Is(err, ErrNothingHeld) {
		return false
	}
	return protocol.IsRetryable(err)
}
