package position

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tokenA = "So11111111111111111111111111111111111111112"
const tokenB = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewStore(Options{HistoryCapacity: 5, VolumeWindow: 10 * time.Second, Now: clock.Now}, zap.NewNop()), clock
}

func TestApplyFill_WeightedCostBasis(t *testing.T) {
	s, _ := newTestStore(t)

	_, applied, err := s.ApplyFill(Fill{ID: "tx1", Token: tokenA, Side: Buy, Amount: 100, Price: 1.0})
	require.NoError(t, err)
	require.True(t, applied)

	snap, applied, err := s.ApplyFill(Fill{ID: "tx2", Token: tokenA, Side: Buy, Amount: 100, Price: 2.0})
	require.NoError(t, err)
	require.True(t, applied)

	assert.InDelta(t, 1.5, snap.CostBasis, 1e-9)
	assert.Equal(t, 1.0, snap.EntryPrice)
	assert.Equal(t, 200.0, snap.AmountHeld)
	assert.Equal(t, 200.0, snap.TotalBought)
}

func TestApplyFill_SellNeverNegative(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.ApplyFill(Fill{ID: "b", Token: tokenA, Side: Buy, Amount: 10, Price: 1})
	require.NoError(t, err)
	require.True(t, s.MarkPending(tokenA))

	snap, _, err := s.ApplyFill(Fill{ID: "s1", Token: tokenA, Side: Sell, Amount: 25, Price: 2})
	require.NoError(t, err)

	assert.Equal(t, 0.0, snap.AmountHeld)
	assert.Equal(t, 10.0, snap.TotalSold)
	assert.LessOrEqual(t, snap.TotalSold, snap.TotalBought)
	assert.InDelta(t, 10.0, snap.RealizedPnL, 1e-9)

	// Still pending, so the position stays until the cycle concludes.
	_, ok := s.Snapshot(tokenA)
	require.True(t, ok)

	s.ClearPending(tokenA)
	_, ok = s.Snapshot(tokenA)
	assert.False(t, ok)
}

func TestApplyFill_DuplicateFillIgnored(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.ApplyFill(Fill{ID: "b", Token: tokenA, Side: Buy, Amount: 10, Price: 1})
	require.NoError(t, err)

	_, applied, err := s.ApplyFill(Fill{ID: "sig", Token: tokenA, Side: Sell, Amount: 4, Price: 1})
	require.NoError(t, err)
	require.True(t, applied)

	snap, applied, err := s.ApplyFill(Fill{ID: "sig", Token: tokenA, Side: Sell, Amount: 4, Price: 1})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 6.0, snap.AmountHeld)
	assert.Equal(t, uint64(2), s.Counters().Fills)
}

func TestApplyFill_Errors(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.ApplyFill(Fill{Token: tokenA, Side: Sell, Amount: 1, Price: 1})
	assert.ErrorIs(t, err, ErrNotTracked)

	_, _, err = s.ApplyFill(Fill{Token: tokenA, Side: Buy, Amount: 0, Price: 1})
	assert.ErrorIs(t, err, ErrInvalidFill)
}

func TestUpdate_TracksExtremesAndHistory(t *testing.T) {
	s, clock := newTestStore(t)
	_, _, err := s.ApplyFill(Fill{ID: "b", Token: tokenA, Side: Buy, Amount: 10, Price: 1})
	require.NoError(t, err)

	prices := []float64{1.5, 3.0, 2.0, 0.5, 0.8, 1.2, 1.1}
	var snap TrackedPosition
	for _, p := range prices {
		clock.Advance(time.Second)
		var ok bool
		snap, ok = s.Update(tokenA, Tick{Price: p, Volume: 1})
		require.True(t, ok)
	}

	assert.Equal(t, 3.0, snap.HighestPrice)
	assert.Equal(t, 0.5, snap.LowestPrice)
	assert.Equal(t, 1.1, snap.CurrentPrice)
	assert.Equal(t, 7*time.Second, snap.TimeHeld)

	// capacity 5: the two oldest samples were evicted
	require.Len(t, snap.History, 5)
	assert.Equal(t, 2.0, snap.History[0].Price)
	assert.Equal(t, 1.1, snap.History[4].Price)
	assert.Equal(t, 5.0, snap.Volume)
}

func TestUpdate_UntrackedIgnored(t *testing.T) {
	s, _ := newTestStore(t)
	_, ok := s.Update(tokenB, Tick{Price: 1})
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestObserveTarget(t *testing.T) {
	s, _ := newTestStore(t)

	assert.False(t, s.ObserveTarget(tokenA, Buy, 50))
	_, _, err := s.ApplyFill(Fill{ID: "b", Token: tokenA, Side: Buy, Amount: 10, Price: 1})
	require.NoError(t, err)

	snap, _ := s.Snapshot(tokenA)
	assert.Equal(t, 50.0, snap.TargetHolding)
	assert.False(t, snap.TargetExited)

	assert.False(t, s.ObserveTarget(tokenA, Sell, 20))
	assert.True(t, s.ObserveTarget(tokenA, Sell, 30))

	snap, _ = s.Snapshot(tokenA)
	assert.True(t, snap.TargetExited)

	// A sell for a token whose buy we never saw is not a full exit.
	assert.False(t, s.ObserveTarget(tokenB, Sell, 5))
}

func TestMarkPendingOnce(t *testing.T) {
	s, _ := newTestStore(t)
	assert.False(t, s.MarkPending(tokenA))

	_, _, err := s.ApplyFill(Fill{ID: "b", Token: tokenA, Side: Buy, Amount: 10, Price: 1})
	require.NoError(t, err)
	assert.True(t, s.MarkPending(tokenA))
	assert.False(t, s.MarkPending(tokenA))
	s.ClearPending(tokenA)
	assert.True(t, s.MarkPending(tokenA))
}

func TestRestoreAndCounters(t *testing.T) {
	s, _ := newTestStore(t)
	n := s.Restore([]TrackedPosition{
		{Token: tokenA, AmountHeld: 5, CostBasis: 1, EntryPrice: 1, Pending: true},
		{Token: tokenB, AmountHeld: 0},
	})
	assert.Equal(t, 1, n)

	snap, ok := s.Snapshot(tokenA)
	require.True(t, ok)
	assert.False(t, snap.Pending)

	_, _, err := s.ApplyFill(Fill{ID: "x", Token: tokenA, Side: Buy, Amount: 5, Price: 3})
	require.NoError(t, err)
	assert.Equal(t, 5.0, s.Counters().TotalBought)
	s.ResetCounters()
	assert.Equal(t, Counters{}, s.Counters())
}

// Concurrent fills on many keys must stay consistent and never go negative.
func TestStore_ConcurrentKeysIndependent(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for k := 0; k < 8; k++ {
		token := fmt.Sprintf("token-%d", k)
		_, _, err := s.ApplyFill(Fill{ID: token + "-buy", Token: token, Side: Buy, Amount: 1000, Price: 1})
		require.NoError(t, err)
		require.True(t, s.MarkPending(token))

		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _, _ = s.ApplyFill(Fill{ID: fmt.Sprintf("%s-s%d", token, i), Token: token, Side: Sell, Amount: 7, Price: 1})
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Update(token, Tick{Price: float64(i%10 + 1)})
				s.Snapshot(token)
			}
		}()
	}
	wg.Wait()

	for k := 0; k < 8; k++ {
		snap, ok := s.Snapshot(fmt.Sprintf("token-%d", k))
		require.True(t, ok)
		assert.GreaterOrEqual(t, snap.AmountHeld, 0.0)
		assert.Equal(t, 0.0, snap.AmountHeld)
		assert.Equal(t, 1000.0, snap.TotalSold)
	}
}

// A writer holding one key's lock must not block reads on another key.
func TestStore_KeyDoesNotBlockOtherKey(t *testing.T) {
	s, _ := newTestStore(t)
	_, _, err := s.ApplyFill(Fill{ID: "a", Token: tokenA, Side: Buy, Amount: 1, Price: 1})
	require.NoError(t, err)
	_, _, err = s.ApplyFill(Fill{ID: "b", Token: tokenB, Side: Buy, Amount: 1, Price: 1})
	require.NoError(t, err)

	_, e := s.get(tokenA)
	e.mu.Lock()
	defer e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.Update(tokenB, Tick{Price: 2})
		s.Snapshot(tokenB)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("update on key B blocked by key A")
	}
}

func TestApplyFill_OpeningBuySurvivesConcurrentCleanup(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < 200; i++ {
		token := fmt.Sprintf("token-%d", i)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, err := s.ApplyFill(Fill{ID: "open", Token: token, Side: Buy, Amount: 5, Price: 1})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.ClearPending(token)
				s.Remove(token)
			}
		}()
		wg.Wait()

		snap, ok := s.Snapshot(token)
		require.True(t, ok, "position %s lost", token)
		assert.Equal(t, 5.0, snap.AmountHeld)
	}
}

func TestApplyFill_BuyAfterCloseReopens(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.ApplyFill(Fill{ID: "b1", Token: tokenA, Side: Buy, Amount: 10, Price: 1})
	require.NoError(t, err)
	_, _, err = s.ApplyFill(Fill{ID: "s1", Token: tokenA, Side: Sell, Amount: 10, Price: 2})
	require.NoError(t, err)
	assert.Zero(t, s.Len())

	snap, applied, err := s.ApplyFill(Fill{ID: "b2", Token: tokenA, Side: Buy, Amount: 3, Price: 4})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 3.0, snap.AmountHeld)
	assert.Equal(t, 4.0, snap.EntryPrice)
}

func TestPruneTargets(t *testing.T) {
	s, clock := newTestStore(t)

	s.ObserveTarget(tokenA, Buy, 100)
	s.ObserveTarget(tokenB, Buy, 100)
	_, _, err := s.ApplyFill(Fill{ID: "b", Token: tokenB, Side: Buy, Amount: 10, Price: 1})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	assert.Zero(t, s.PruneTargets(time.Hour))

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, s.PruneTargets(time.Hour))

	// The held token keeps its target state.
	assert.True(t, s.ObserveTarget(tokenB, Sell, 100))
	snap, _ := s.Snapshot(tokenB)
	assert.True(t, snap.TargetExited)

	// A pruned token starts from scratch: a lone sell is not an exit.
	assert.False(t, s.ObserveTarget(tokenA, Sell, 100))
}
