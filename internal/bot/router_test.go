package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/ingest"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
	"github.com/rovshanmuradov/solana-copybot/internal/protocol"
)

const (
	mint      = "So11111111111111111111111111111111111111112"
	ownWallet = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	target    = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

type fakeWatcher struct {
	mu        sync.Mutex
	watched   []string
	unwatched []string
}

func (w *fakeWatcher) WatchToken(_ context.Context, token string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = append(w.watched, token)
	return nil
}

func (w *fakeWatcher) UnwatchToken(_ context.Context, token string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatched = append(w.unwatched, token)
	return nil
}

type fakeInvalidator struct{ tokens []string }

func (f *fakeInvalidator) Invalidate(token string) { f.tokens = append(f.tokens, token) }

type fakePoker struct{ pokes map[string]int }

func (p *fakePoker) Poke(token string) { p.pokes[token]++ }

type routerFixture struct {
	router  *Router
	store   *position.Store
	book    *protocol.PriceBook
	sel     *fakeInvalidator
	watcher *fakeWatcher
	poker   *fakePoker
}

func newRouterFixture() *routerFixture {
	f := &routerFixture{
		store:   position.NewStore(position.Options{}, zap.NewNop()),
		book:    protocol.NewPriceBook(0),
		sel:     &fakeInvalidator{},
		watcher: &fakeWatcher{},
		poker:   &fakePoker{pokes: map[string]int{}},
	}
	f.router = NewRouter(ownWallet, []string{target}, f.store, f.book, f.sel, f.watcher, f.poker, zap.NewNop())
	return f
}

func trade(tx, wallet string, side ingest.Side, amount, price float64) ingest.TradeEvent {
	return ingest.TradeEvent{
		TxID:      tx,
		Wallet:    wallet,
		Token:     mint,
		Side:      side,
		Amount:    amount,
		SOLAmount: amount * price,
		Price:     price,
		Liquidity: 40,
		Protocol:  protocol.PumpFun,
		At:        time.Now(),
	}
}

func TestRouter_OwnBuyOpensPositionAndWatchesToken(t *testing.T) {
	f := newRouterFixture()
	ctx := context.Background()

	require.NoError(t, f.router.Handle(ctx, trade("b1", ownWallet, ingest.SideBuy, 1000, 0.001)))

	snap, ok := f.store.Snapshot(mint)
	require.True(t, ok)
	assert.Equal(t, 1000.0, snap.AmountHeld)
	assert.Equal(t, 0.001, snap.CostBasis)
	assert.Equal(t, []string{mint}, f.watcher.watched)
	assert.Equal(t, 1, f.poker.pokes[mint])

	price, err := f.book.Price(protocol.PumpFun, mint)
	require.NoError(t, err)
	assert.Equal(t, 0.001, price)

	// the same fill seen again is ignored
	require.NoError(t, f.router.Handle(ctx, trade("b1", ownWallet, ingest.SideBuy, 1000, 0.001)))
	snap, _ = f.store.Snapshot(mint)
	assert.Equal(t, 1000.0, snap.AmountHeld)
}

func TestRouter_TargetTradesTrackExit(t *testing.T) {
	f := newRouterFixture()
	ctx := context.Background()

	require.NoError(t, f.router.Handle(ctx, trade("t1", target, ingest.SideBuy, 500, 0.001)))
	require.NoError(t, f.router.Handle(ctx, trade("b1", ownWallet, ingest.SideBuy, 1000, 0.001)))
	require.NoError(t, f.router.Handle(ctx, trade("t2", target, ingest.SideSell, 500, 0.002)))

	snap, ok := f.store.Snapshot(mint)
	require.True(t, ok)
	assert.True(t, snap.TargetExited)
	assert.Equal(t, 0.002, snap.CurrentPrice)
	assert.Equal(t, 0.002, snap.HighestPrice)
}

func TestRouter_UntrackedTradesOnlyFeedPrices(t *testing.T) {
	f := newRouterFixture()
	require.NoError(t, f.router.Handle(context.Background(), trade("x", "someone", ingest.SideBuy, 10, 0.5)))

	_, ok := f.store.Snapshot(mint)
	assert.False(t, ok)
	assert.Empty(t, f.poker.pokes)
	price, err := f.book.Price(protocol.PumpFun, mint)
	require.NoError(t, err)
	assert.Equal(t, 0.5, price)
}

func TestRouter_Migration(t *testing.T) {
	f := newRouterFixture()
	ctx := context.Background()
	require.NoError(t, f.router.Handle(ctx, trade("b1", ownWallet, ingest.SideBuy, 1000, 0.001)))

	require.NoError(t, f.router.Handle(ctx, ingest.TradeEvent{TxID: "m", Token: mint, Side: ingest.SideMigrate, Protocol: protocol.PumpSwap}))

	snap, _ := f.store.Snapshot(mint)
	assert.Equal(t, protocol.PumpSwap, snap.Protocol)
	assert.Equal(t, []string{mint}, f.sel.tokens)
	_, err := f.book.Price(protocol.PumpFun, mint)
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestRouter_OwnSellToZeroUnwatches(t *testing.T) {
	f := newRouterFixture()
	ctx := context.Background()
	require.NoError(t, f.router.Handle(ctx, trade("b1", ownWallet, ingest.SideBuy, 1000, 0.001)))
	require.NoError(t, f.router.Handle(ctx, trade("s1", ownWallet, ingest.SideSell, 1000, 0.002)))

	_, ok := f.store.Snapshot(mint)
	assert.False(t, ok)
	assert.Equal(t, []string{mint}, f.watcher.unwatched)

	// a stray sell for a closed position is not an error
	assert.NoError(t, f.router.Handle(ctx, trade("s2", ownWallet, ingest.SideSell, 5, 0.002)))
}
