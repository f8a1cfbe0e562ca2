package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/rovshanmuradov/solana-copybot/internal/feed"
	"github.com/rovshanmuradov/solana-copybot/internal/protocol"
)

const (
	mint   = "So11111111111111111111111111111111111111112"
	mint2  = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	wallet = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
)

func buyFrame(sig string) []byte {
	return []byte(fmt.Sprintf(`{"signature":%q,"mint":%q,"traderPublicKey":%q,"txType":"buy",`+
		`"tokenAmount":1000000,"solAmount":0.5,"vSolInBondingCurve":42.5,"marketCapSol":61.2,"pool":"pump"}`,
		sig, mint, wallet))
}

func TestNormalize_JSONTrade(t *testing.T) {
	n := NewNormalizer(NewDedup(time.Minute), nil, zap.NewNop())

	ev, err := n.Normalize(feed.Message{Slot: 2, Seq: 7, Data: buyFrame("sig1"), At: time.Unix(100, 0)})
	require.NoError(t, err)

	assert.Equal(t, "sig1", ev.TxID)
	assert.Equal(t, wallet, ev.Wallet)
	assert.Equal(t, mint, ev.Token)
	assert.Equal(t, SideBuy, ev.Side)
	assert.InDelta(t, 5e-7, ev.Price, 1e-15)
	assert.Equal(t, 42.5, ev.Liquidity)
	assert.Equal(t, 61.2, ev.MarketCap)
	assert.Equal(t, protocol.PumpFun, ev.Protocol)
	assert.Equal(t, 2, ev.ConnID)
	assert.Equal(t, uint64(7), ev.Sequence)
	assert.Equal(t, time.Unix(100, 0), ev.At)
}

func TestNormalize_Migration(t *testing.T) {
	n := NewNormalizer(nil, nil, zap.NewNop())
	ev, err := n.Normalize(feed.Message{Data: []byte(`{"signature":"m1","mint":"` + mint + `","txType":"migrate","pool":"pump-amm"}`)})
	require.NoError(t, err)
	assert.Equal(t, SideMigrate, ev.Side)
	assert.Equal(t, protocol.PumpSwap, ev.Protocol)
}

func TestNormalize_CompactBinary(t *testing.T) {
	data, err := msgpack.Marshal(&compactEvent{
		Signature: "sig2",
		Mint:      mint,
		Trader:    wallet,
		Kind:      1,
		Tokens:    2000,
		Sol:       1,
		Liquidity: 80,
		Pool:      1,
		TimeMS:    1_700_000_000_000,
	})
	require.NoError(t, err)

	n := NewNormalizer(nil, nil, zap.NewNop())
	ev, err := n.Normalize(feed.Message{Binary: true, Data: data})
	require.NoError(t, err)
	assert.Equal(t, SideSell, ev.Side)
	assert.Equal(t, 0.0005, ev.Price)
	assert.Equal(t, protocol.PumpSwap, ev.Protocol)
	assert.Equal(t, time.UnixMilli(1_700_000_000_000), ev.At)
}

func TestNormalize_Drops(t *testing.T) {
	tests := []struct {
		name string
		msg  feed.Message
		want error
	}{
		{"subscription ack", feed.Message{Data: []byte(`{"message":"Successfully subscribed"}`)}, ErrIrrelevant},
		{"unknown tx type", feed.Message{Data: []byte(`{"signature":"s","mint":"` + mint + `","txType":"transfer"}`)}, ErrIrrelevant},
		{"not json", feed.Message{Data: []byte(`{"signature":`)}, ErrMalformed},
		{"bad mint", feed.Message{Data: []byte(`{"signature":"s","mint":"not-a-key","traderPublicKey":"` + wallet + `","txType":"buy"}`)}, ErrMalformed},
		{"bad wallet", feed.Message{Data: []byte(`{"signature":"s","mint":"` + mint + `","traderPublicKey":"0OIl","txType":"sell"}`)}, ErrMalformed},
		{"no signature", feed.Message{Data: []byte(`{"mint":"` + mint + `","traderPublicKey":"` + wallet + `","txType":"buy"}`)}, ErrMalformed},
		{"garbage binary", feed.Message{Binary: true, Data: []byte{0xc1}}, ErrMalformed},
	}

	n := NewNormalizer(nil, nil, zap.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.msg)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	st := n.Stats()
	assert.Equal(t, uint64(len(tests)), st.Received)
	assert.Equal(t, uint64(2), st.Irrelevant)
	assert.Equal(t, uint64(5), st.Malformed)
	assert.Zero(t, st.Normalized)
}

func TestNormalize_IdenticalEventsFromTwoConnections(t *testing.T) {
	n := NewNormalizer(NewDedup(30*time.Second), nil, zap.NewNop())

	_, err := n.Normalize(feed.Message{Slot: 0, Seq: 1, Data: buyFrame("sig3")})
	require.NoError(t, err)
	_, err = n.Normalize(feed.Message{Slot: 1, Seq: 9, Data: buyFrame("sig3")})
	assert.ErrorIs(t, err, ErrDuplicate)

	st := n.Stats()
	assert.Equal(t, uint64(1), st.Normalized)
	assert.Equal(t, uint64(1), st.Duplicate)
}

func TestDedup_Window(t *testing.T) {
	d := NewDedup(10 * time.Second)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	assert.False(t, d.Seen("tx", mint))
	assert.True(t, d.Seen("tx", mint))
	assert.False(t, d.Seen("tx", mint2), "same tx, other token")

	now = now.Add(11 * time.Second)
	assert.False(t, d.Seen("tx", mint))
	assert.Equal(t, 1, d.Len())
}

func TestBatchParams(t *testing.T) {
	size, timeout := BatchParams(true, 0, 0)
	assert.Equal(t, 8, size)
	assert.Equal(t, 5*time.Millisecond, timeout)

	size, timeout = BatchParams(false, 0, 0)
	assert.Equal(t, 64, size)
	assert.Equal(t, 50*time.Millisecond, timeout)

	size, timeout = BatchParams(false, 16, time.Second)
	assert.Equal(t, 16, size)
	assert.Equal(t, time.Second, timeout)
}

func collect(t *testing.T, b Batcher, feedFn func(in chan<- TradeEvent)) [][]TradeEvent {
	t.Helper()
	in := make(chan TradeEvent)
	var mu sync.Mutex
	var batches [][]TradeEvent

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(context.Background(), in, func(_ context.Context, batch []TradeEvent) {
			mu.Lock()
			batches = append(batches, batch)
			mu.Unlock()
		})
	}()
	feedFn(in)
	close(in)
	<-done
	return batches
}

func TestBatcher_FlushesOnSize(t *testing.T) {
	batches := collect(t, Batcher{Size: 3, Timeout: time.Hour}, func(in chan<- TradeEvent) {
		for i := 0; i < 7; i++ {
			in <- TradeEvent{TxID: fmt.Sprint(i)}
		}
	})
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 3)
	assert.Len(t, batches[2], 1, "remainder flushed on close")
}

func TestBatcher_FlushesOnTimeout(t *testing.T) {
	batches := collect(t, Batcher{Size: 100, Timeout: 10 * time.Millisecond}, func(in chan<- TradeEvent) {
		in <- TradeEvent{TxID: "a"}
		in <- TradeEvent{TxID: "b"}
		time.Sleep(50 * time.Millisecond)
		in <- TradeEvent{TxID: "c"}
	})
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Equal(t, "c", batches[1][0].TxID)
}

func TestDispatcher_GateBoundsConcurrencyAndKeepsTokenOrder(t *testing.T) {
	var running, peak atomic.Int32
	var mu sync.Mutex
	seen := map[string][]string{}

	handle := func(_ context.Context, ev TradeEvent) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		seen[ev.Token] = append(seen[ev.Token], ev.TxID)
		mu.Unlock()
		running.Add(-1)
		return nil
	}
	d := NewDispatcher(semaphore.NewWeighted(2), handle, zap.NewNop())

	var batch []TradeEvent
	for i := 0; i < 5; i++ {
		for tok := 0; tok < 4; tok++ {
			batch = append(batch, TradeEvent{Token: fmt.Sprintf("t%d", tok), TxID: fmt.Sprint(i)})
		}
	}
	require.NoError(t, d.Process(context.Background(), batch))

	assert.LessOrEqual(t, peak.Load(), int32(2))
	for tok := 0; tok < 4; tok++ {
		assert.Equal(t, []string{"0", "1", "2", "3", "4"}, seen[fmt.Sprintf("t%d", tok)])
	}
}

func TestPipeline_EndToEnd(t *testing.T) {
	var got atomic.Int32
	handle := func(context.Context, TradeEvent) error {
		got.Add(1)
		return nil
	}
	p := NewPipeline(
		NewNormalizer(NewDedup(time.Minute), nil, zap.NewNop()),
		Batcher{Size: 2, Timeout: 5 * time.Millisecond},
		NewDispatcher(semaphore.NewWeighted(4), handle, zap.NewNop()),
		zap.NewNop())

	msgs := make(chan feed.Message, 8)
	msgs <- feed.Message{Data: buyFrame("a")}
	msgs <- feed.Message{Data: buyFrame("a")}
	msgs <- feed.Message{Data: []byte(`{"message":"ok"}`)}
	msgs <- feed.Message{Data: buyFrame("b")}
	msgs <- feed.Message{Data: buyFrame("c")}
	close(msgs)

	require.NoError(t, p.Run(context.Background(), msgs))
	assert.Equal(t, int32(3), got.Load())
}
