// internal/ingest/pipeline.go
package ingest

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rovshanmuradov/solana-copybot/internal/feed"
)

// Handler consumes one normalized event.
type Handler func(ctx context.Context, ev TradeEvent) error

// Dispatcher fans a batch out under the admission gate. Events of one
// token stay in arrival order; different tokens run concurrently.
type Dispatcher struct {
	gate   *semaphore.Weighted
	handle Handler
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher. A nil gate admits everything.
func NewDispatcher(gate *semaphore.Weighted, handle Handler, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{gate: gate, handle: handle, logger: logger.Named("dispatch")}
}

// Process handles batch and waits for every token group to finish.
func (d *Dispatcher) Process(ctx context.Context, batch []TradeEvent) error {
	groups := make(map[string][]TradeEvent)
	order := make([]string, 0, len(batch))
	for _, ev := range batch {
		if _, ok := groups[ev.Token]; !ok {
			order = append(order, ev.Token)
		}
		groups[ev.Token] = append(groups[ev.Token], ev)
	}

	var g errgroup.Group
	for _, token := range order {
		evs := groups[token]
		if d.gate != nil {
			if err := d.gate.Acquire(ctx, 1); err != nil {
				_ = g.Wait()
				return err
			}
		}
		g.Go(func() error {
			if d.gate != nil {
				defer d.gate.Release(1)
			}
			for _, ev := range evs {
				if err := d.handle(ctx, ev); err != nil {
					d.logger.Warn("Event handler failed",
						zap.String("token", ev.Token),
						zap.String("tx", ev.TxID),
						zap.String("side", string(ev.Side)),
						zap.Error(err))
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Pipeline wires normalization, batching and dispatch over feed frames.
type Pipeline struct {
	normalizer *Normalizer
	batcher    Batcher
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(n *Normalizer, b Batcher, d *Dispatcher, logger *zap.Logger) *Pipeline {
	return &Pipeline{normalizer: n, batcher: b, dispatcher: d, logger: logger.Named("pipeline")}
}

// Run consumes msgs until the channel closes or ctx is done.
func (p *Pipeline) Run(ctx context.Context, msgs <-chan feed.Message) error {
	evs := make(chan TradeEvent, p.batcher.Size*2)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(evs)
		for {
			select {
			case <-ctx.Done():
				return nil
			case m, ok := <-msgs:
				if !ok {
					return nil
				}
				ev, err := p.normalizer.Normalize(m)
				if err != nil {
					continue
				}
				select {
				case evs <- ev:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})

	g.Go(func() error {
		return p.batcher.Run(ctx, evs, func(ctx context.Context, batch []TradeEvent) {
			if err := p.dispatcher.Process(ctx, batch); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warn("Batch dispatch aborted", zap.Int("events", len(batch)), zap.Error(err))
			}
		})
	})

	return g.Wait()
}
