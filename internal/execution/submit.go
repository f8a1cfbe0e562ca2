// internal/execution/submit.go
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
	"github.com/rovshanmuradov/solana-copybot/internal/protocol"
	"github.com/rovshanmuradov/solana-copybot/internal/strategy"
)

const amountEpsilon = 1e-9

type chunkOutcome struct {
	filled    float64
	attempts  int
	exhausted bool
	err       error
}

// SlippageForAttempt returns the slippage for a 1-based attempt. It grows by
// step per attempt and stays strictly below the force-sell tier.
func SlippageForAttempt(base, step, attempt, forceBps int) int {
	s := base + (attempt-1)*step
	if forceBps > 0 && s >= forceBps {
		s = forceBps - 1
	}
	return s
}

// submitChunk sells amount with up to MaxAttempts escalating attempts.
func (c *Coordinator) submitChunk(d *strategy.SellDecision, chunk int, amount float64, onSubmit func()) chunkOutcome {
	var out chunkOutcome
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.BackoffInitial
	policy.MaxInterval = c.cfg.BackoffMax

	notify := func(err error, wait time.Duration) {
		c.logger.Info("Retrying sell",
			zap.String("token", d.Token),
			zap.Int("chunk", chunk+1),
			zap.Int("attempt", out.attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	op := func() (protocol.Submission, error) {
		out.attempts++
		n := out.attempts

		size := c.remaining(d.Token, amount)
		if size <= amountEpsilon {
			return protocol.Submission{}, backoff.Permanent(fmt.Errorf("sell %s: %w", d.Token, ErrNothingHeld))
		}

		proto := d.Protocol
		if n > 1 || proto == "" {
			var err error
			if proto, err = c.selector.Select(c.ctx, d.Token); err != nil {
				c.record(Attempt{
					DecisionID: d.ID, Token: d.Token, Reason: string(d.Reason), Chunk: chunk, Number: n,
					Amount: size, Outcome: OutcomeFailure, Error: err.Error(), At: c.now(),
				})
				if !protocol.IsRetryable(err) {
					return protocol.Submission{}, backoff.Permanent(err)
				}
				return protocol.Submission{}, err
			}
		}

		order := protocol.SellOrder{
			DecisionID:  d.ID,
			Token:       d.Token,
			Amount:      size,
			SlippageBps: SlippageForAttempt(d.SlippageBps, c.cfg.SlippageStepBps, n, c.cfg.ForceSellSlippageBps),
			Priority:    protocol.PriorityForAttempt(n),
			Route:       protocol.RoutePrimary,
			Attempt:     n,
		}
		if n > 1 && c.cfg.AlternateRouteOnRetry {
			order.Route = protocol.RouteAlternate
		}

		if err := c.acquireGate(); err != nil {
			return protocol.Submission{}, backoff.Permanent(err)
		}
		sub, err := c.attempt(d, chunk, proto, order, false, onSubmit)
		c.releaseGate()
		if err != nil {
			c.selector.Invalidate(d.Token)
			if !protocol.IsRetryable(err) || errors.Is(err, ErrUnconfirmed) {
				return protocol.Submission{}, backoff.Permanent(err)
			}
			return protocol.Submission{}, err
		}
		return sub, nil
	}

	sub, err := backoff.Retry(c.ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithNotify(notify))
	if err != nil {
		out.exhausted = isExhausted(err) && out.attempts >= c.cfg.MaxAttempts
		if out.exhausted {
			err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, out.attempts, err)
		}
		out.err = err
		return out
	}
	out.filled = sub.Filled
	return out
}

// forceSell sends exactly one submission at the most permissive tier.
func (c *Coordinator) forceSell(d *strategy.SellDecision, amount float64) (float64, error) {
	c.metrics.ForceSells.Inc()
	c.publish(events.SellEvent{
		BaseEvent:  events.NewBase(events.ForceSellTriggered),
		DecisionID: d.ID,
		Token:      d.Token,
		Reason:     string(d.Reason),
		Protocol:   d.Protocol,
		Amount:     amount,
		Price:      d.Price,
	})
	c.logger.Warn("Force sell triggered",
		zap.String("decision", d.ID),
		zap.String("token", d.Token),
		zap.Float64("amount", amount))

	if err := c.acquireGate(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrForceSellFailed, err)
	}
	defer c.releaseGate()

	proto, err := c.selector.Select(c.ctx, d.Token)
	if err != nil {
		if d.Protocol == "" {
			return 0, fmt.Errorf("%w: %w", ErrForceSellFailed, err)
		}
		proto = d.Protocol
	}

	priority := protocol.PriorityForAttempt(c.cfg.MaxAttempts + 1)
	if extreme := protocol.ExtremePriority(); priority.PriorityFee < extreme.PriorityFee {
		priority = extreme
	}
	order := protocol.SellOrder{
		DecisionID:  d.ID,
		Token:       d.Token,
		Amount:      amount,
		SlippageBps: c.cfg.ForceSellSlippageBps,
		Priority:    priority,
		Route:       protocol.RouteAlternate,
		Attempt:     c.cfg.MaxAttempts + 1,
	}
	sub, err := c.attempt(d, -1, proto, order, true, func() {})
	if err != nil {
		c.selector.Invalidate(d.Token)
		return 0, fmt.Errorf("%w: %w", ErrForceSellFailed, err)
	}
	return sub.Filled, nil
}

// attempt submits one order, resolves its outcome and applies the fill.
func (c *Coordinator) attempt(d *strategy.SellDecision, chunk int, proto string, order protocol.SellOrder, forced bool, onSubmit func()) (protocol.Submission, error) {
	a := Attempt{
		DecisionID:  d.ID,
		Token:       d.Token,
		Reason:      string(d.Reason),
		Chunk:       chunk,
		Number:      order.Attempt,
		Forced:      forced,
		Protocol:    proto,
		SlippageBps: order.SlippageBps,
		Priority:    order.Priority,
		Route:       order.Route,
		Amount:      order.Amount,
		Outcome:     OutcomePending,
		At:          c.now(),
	}

	adapter, err := c.selector.Adapter(proto)
	if err != nil {
		a.Outcome, a.Error = OutcomeFailure, err.Error()
		c.record(a)
		return protocol.Submission{}, err
	}

	start := time.Now()
	sub, err := c.submit(adapter, order, onSubmit)
	a.Duration = time.Since(start)
	if err != nil {
		a.Outcome, a.Error = OutcomeFailure, err.Error()
		a.SubmissionID = sub.ID
		c.record(a)
		if errors.Is(err, ErrUnconfirmed) {
			c.holdUnconfirmed(d, adapter, order, sub)
		}
		c.logger.Warn("Sell attempt failed",
			zap.String("token", d.Token),
			zap.String("protocol", proto),
			zap.Int("attempt", order.Attempt),
			zap.Int("slippage_bps", order.SlippageBps),
			zap.String("priority", string(order.Priority.Level)),
			zap.Bool("retryable", protocol.IsRetryable(err)),
			zap.Error(err))
		return sub, err
	}

	if sub.Price <= 0 {
		sub.Price = d.Price
	}
	if sub.Protocol == "" {
		sub.Protocol = proto
	}
	a.Outcome = OutcomeSuccess
	a.SubmissionID = sub.ID
	a.Filled = sub.Filled
	a.Price = sub.Price
	c.record(a)
	c.applyFill(d, sub)
	return sub, nil
}

// submit sends the order and, when the adapter can confirm, waits for the
// outcome within the ack timeout.
func (c *Coordinator) submit(adapter protocol.Adapter, order protocol.SellOrder, onSubmit func()) (protocol.Submission, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.AckTimeout)
	defer cancel()

	sub, err := adapter.SubmitSell(ctx, order)
	onSubmit()
	confirmer, canConfirm := adapter.(protocol.Confirmer)

	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrAmbiguous):
			if !canConfirm || sub.ID == "" {
				return sub, fmt.Errorf("%w: %w", ErrUnconfirmed, err)
			}
			landed, cerr := confirmer.ConfirmSubmission(c.ctx, sub)
			if cerr != nil {
				return sub, fmt.Errorf("%w: %w", ErrUnconfirmed, cerr)
			}
			if !landed {
				return sub, err
			}
			if sub.Filled <= 0 {
				sub.Filled = order.Amount
			}
			return sub, nil
		case errors.Is(ctx.Err(), context.DeadlineExceeded) && c.ctx.Err() == nil:
			return sub, fmt.Errorf("%w: %w", ErrAckTimeout, err)
		default:
			return sub, err
		}
	}

	if !canConfirm || sub.ID == "" {
		return sub, nil
	}
	return sub, c.awaitLanded(ctx, confirmer, sub)
}

// awaitLanded polls until the submission lands or ctx expires. On expiry
// the status is checked one last time before reporting a timeout.
func (c *Coordinator) awaitLanded(ctx context.Context, confirmer protocol.Confirmer, sub protocol.Submission) error {
	ticker := time.NewTicker(c.cfg.ConfirmPoll)
	defer ticker.Stop()
	for {
		landed, err := confirmer.ConfirmSubmission(ctx, sub)
		if err == nil && landed {
			return nil
		}
		var rejected *protocol.RejectedError
		if errors.As(err, &rejected) {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			final, cerr := confirmer.ConfirmSubmission(c.ctx, sub)
			if cerr == nil && final {
				return nil
			}
			return fmt.Errorf("%w: %s not landed", ErrAckTimeout, sub.ID)
		}
	}
}

func (c *Coordinator) applyFill(d *strategy.SellDecision, sub protocol.Submission) {
	if sub.Filled <= 0 {
		return
	}
	snap, applied, err := c.store.ApplyFill(position.Fill{
		ID:       sub.ID,
		Token:    d.Token,
		Side:     position.Sell,
		Amount:   sub.Filled,
		Price:    sub.Price,
		Protocol: sub.Protocol,
		At:       c.now(),
	})
	if err != nil {
		c.logger.Warn("Fill not applied", zap.String("token", d.Token), zap.String("signature", sub.ID), zap.Error(err))
		return
	}
	if !applied {
		return
	}
	c.publish(events.PnLEvent{
		BaseEvent:   events.NewBase(events.PnLReport),
		Token:       d.Token,
		AmountHeld:  snap.AmountHeld,
		CostBasis:   snap.CostBasis,
		LastPrice:   sub.Price,
		RealizedPnL: snap.RealizedPnL,
		GainPct:     snap.GainPct(),
	})
}
