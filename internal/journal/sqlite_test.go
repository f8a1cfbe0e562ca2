package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/execution"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
	"github.com/rovshanmuradov/solana-copybot/internal/protocol"
)

const mint = "So11111111111111111111111111111111111111112"

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordAttempt(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.RecordAttempt(ctx, execution.Attempt{
		DecisionID:  "d-1",
		Token:       mint,
		Reason:      "stop_loss",
		Number:      1,
		Protocol:    protocol.PumpFun,
		SlippageBps: 300,
		Priority:    protocol.PriorityForAttempt(1),
		Route:       protocol.RoutePrimary,
		Amount:      500,
		Outcome:     execution.OutcomeFailure,
		Error:       "blockhash expired",
		At:          at,
		Duration:    120 * time.Millisecond,
	}))
	require.NoError(t, j.RecordAttempt(ctx, execution.Attempt{
		DecisionID:   "d-1",
		Token:        mint,
		Reason:       "stop_loss",
		Number:       2,
		Forced:       true,
		Protocol:     protocol.PumpFun,
		Priority:     protocol.ExtremePriority(),
		Route:        protocol.RouteAlternate,
		Amount:       500,
		Outcome:      execution.OutcomeSuccess,
		SubmissionID: "sig",
		Filled:       500,
		Price:        0.002,
		At:           at.Add(time.Second),
	}))

	got, err := j.Attempts(ctx, mint)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 1, got[0].Number)
	assert.Equal(t, execution.OutcomeFailure, got[0].Outcome)
	assert.Equal(t, "blockhash expired", got[0].Error)
	assert.Equal(t, protocol.PriorityForAttempt(1), got[0].Priority)
	assert.Equal(t, 120*time.Millisecond, got[0].Duration)
	assert.True(t, at.Equal(got[0].At))

	assert.True(t, got[1].Forced)
	assert.Equal(t, protocol.RouteAlternate, got[1].Route)
	assert.Equal(t, "sig", got[1].SubmissionID)
	assert.Equal(t, 500.0, got[1].Filled)

	none, err := j.Attempts(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCheckpointRoundTrip(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()

	open := position.TrackedPosition{
		Token:        mint,
		EntryPrice:   0.001,
		HighestPrice: 0.003,
		CurrentPrice: 0.002,
		AmountHeld:   1000,
		CostBasis:    0.001,
		TotalBought:  1000,
		Protocol:     protocol.PumpSwap,
		BoughtAt:     time.Unix(1_700_000_000, 0).UTC(),
		History:      []position.Sample{{Price: 0.002, Volume: 1, At: time.Unix(1_700_000_010, 0).UTC()}},
	}
	closed := position.TrackedPosition{Token: "closed", AmountHeld: 0}

	require.NoError(t, j.Checkpoint(ctx, []position.TrackedPosition{open, closed}))
	got, err := j.LoadPositions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mint, got[0].Token)
	assert.Equal(t, 1000.0, got[0].AmountHeld)
	assert.Equal(t, 0.003, got[0].HighestPrice)
	assert.Equal(t, protocol.PumpSwap, got[0].Protocol)
	assert.True(t, open.BoughtAt.Equal(got[0].BoughtAt))
	require.Len(t, got[0].History, 1)

	// a later checkpoint without the token drops it
	require.NoError(t, j.Checkpoint(ctx, nil))
	got, err = j.LoadPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCheckpointRestoresIntoStore(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()

	src := position.NewStore(position.Options{}, zap.NewNop())
	_, applied, err := src.ApplyFill(position.Fill{ID: "b1", Token: mint, Side: position.Buy, Amount: 100, Price: 0.01, At: time.Now()})
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, j.Checkpoint(ctx, src.All()))

	saved, err := j.LoadPositions(ctx)
	require.NoError(t, err)

	dst := position.NewStore(position.Options{}, zap.NewNop())
	assert.Equal(t, 1, dst.Restore(saved))
	snap, ok := dst.Snapshot(mint)
	require.True(t, ok)
	assert.Equal(t, 100.0, snap.AmountHeld)
	assert.Equal(t, 0.01, snap.CostBasis)
}

func TestAttemptsBetween(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, tok := range []string{mint, "other", mint} {
		require.NoError(t, j.RecordAttempt(ctx, execution.Attempt{
			DecisionID: "d",
			Token:      tok,
			Reason:     "max_hold_time",
			Number:     i + 1,
			Outcome:    execution.OutcomeSuccess,
			At:         base.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := j.AttemptsBetween(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	window, err := j.AttemptsBetween(ctx, base.Add(30*time.Minute), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "other", window[0].Token)
}
