// internal/bot/router.go
package bot

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/ingest"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
	"github.com/rovshanmuradov/solana-copybot/internal/protocol"
)

// TokenWatcher manages per-token feed subscriptions.
type TokenWatcher interface {
	WatchToken(ctx context.Context, token string) error
	UnwatchToken(ctx context.Context, token string) error
}

// Invalidator drops cached venue choices.
type Invalidator interface {
	Invalidate(token string)
}

// Poker schedules an evaluation for a token.
type Poker interface {
	Poke(token string)
}

// Router applies normalized feed events to the position store and price
// book and pokes the scheduler for tokens we hold.
type Router struct {
	own      string
	targets  map[string]struct{}
	store    *position.Store
	book     *protocol.PriceBook
	selector Invalidator
	watcher  TokenWatcher
	sched    Poker
	logger   *zap.Logger
}

// NewRouter creates a router. own is our trading wallet; targets are the
// monitored copy-trade wallets.
func NewRouter(own string, targets []string, store *position.Store, book *protocol.PriceBook,
	selector Invalidator, watcher TokenWatcher, sched Poker, logger *zap.Logger) *Router {
	t := make(map[string]struct{}, len(targets))
	for _, w := range targets {
		t[w] = struct{}{}
	}
	return &Router{
		own:      own,
		targets:  t,
		store:    store,
		book:     book,
		selector: selector,
		watcher:  watcher,
		sched:    sched,
		logger:   logger.Named("router"),
	}
}

// Handle implements ingest.Handler.
func (r *Router) Handle(ctx context.Context, ev ingest.TradeEvent) error {
	if ev.Price > 0 && ev.Protocol != "" {
		r.book.Observe(ev.Protocol, ev.Token, ev.Price)
	}

	switch ev.Side {
	case ingest.SideMigrate:
		r.migrate(ev)
	case ingest.SideBuy, ingest.SideSell:
		if err := r.trade(ctx, ev); err != nil {
			return err
		}
	case ingest.SideCreate:
		return nil
	}

	if _, ok := r.store.Snapshot(ev.Token); ok {
		r.sched.Poke(ev.Token)
	}
	return nil
}

func (r *Router) migrate(ev ingest.TradeEvent) {
	r.book.Migrate(ev.Token, protocol.PumpFun)
	r.store.SetProtocol(ev.Token, protocol.PumpSwap)
	r.selector.Invalidate(ev.Token)
	r.logger.Info("Token migrated", zap.String("token", ev.Token), zap.String("tx", ev.TxID))
}

func (r *Router) trade(ctx context.Context, ev ingest.TradeEvent) error {
	side := position.Buy
	if ev.Side == ingest.SideSell {
		side = position.Sell
	}

	if ev.Wallet == r.own {
		if err := r.ownFill(ctx, ev, side); err != nil {
			return err
		}
	} else if _, ok := r.targets[ev.Wallet]; ok {
		if r.store.ObserveTarget(ev.Token, side, ev.Amount) {
			r.logger.Info("Copy target exited", zap.String("token", ev.Token), zap.String("wallet", ev.Wallet))
		}
	}

	r.store.Update(ev.Token, position.Tick{
		Price:     ev.Price,
		Volume:    ev.SOLAmount,
		Liquidity: ev.Liquidity,
		MarketCap: ev.MarketCap,
		At:        ev.At,
	})
	return nil
}

func (r *Router) ownFill(ctx context.Context, ev ingest.TradeEvent, side position.Side) error {
	snap, applied, err := r.store.ApplyFill(position.Fill{
		ID:       ev.TxID,
		Token:    ev.Token,
		Side:     side,
		Amount:   ev.Amount,
		Price:    ev.Price,
		Protocol: ev.Protocol,
		At:       ev.At,
	})
	if err != nil {
		if errors.Is(err, position.ErrNotTracked) {
			r.logger.Debug("Sell fill for untracked token", zap.String("token", ev.Token))
			return nil
		}
		return err
	}
	if !applied {
		return nil
	}

	if side == position.Buy {
		if err := r.watcher.WatchToken(ctx, ev.Token); err != nil {
			r.logger.Warn("Token subscription failed", zap.String("token", ev.Token), zap.Error(err))
		}
		return nil
	}
	if snap.AmountHeld == 0 {
		if _, ok := r.store.Snapshot(ev.Token); !ok {
			_ = r.watcher.UnwatchToken(ctx, ev.Token)
		}
	}
	return nil
}
