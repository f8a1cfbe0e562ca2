// internal/ingest/normalize.go
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/feed"
	"github.com/rovshanmuradov/solana-copybot/internal/metrics"
	"github.com/rovshanmuradov/solana-copybot/internal/protocol"
)

// Drop reasons used as metric labels.
const (
	DropMalformed  = "malformed"
	DropIrrelevant = "irrelevant"
)

// pumpPayload is the JSON trade/create/migrate shape of the feed.
type pumpPayload struct {
	Signature             string  `json:"signature"`
	Mint                  string  `json:"mint"`
	Trader                string  `json:"traderPublicKey"`
	TxType                string  `json:"txType"`
	TokenAmount           float64 `json:"tokenAmount"`
	SolAmount             float64 `json:"solAmount"`
	VSolInBondingCurve    float64 `json:"vSolInBondingCurve"`
	VTokensInBondingCurve float64 `json:"vTokensInBondingCurve"`
	MarketCapSol          float64 `json:"marketCapSol"`
	Pool                  string  `json:"pool"`
	Message               string  `json:"message"`
}

// compactEvent is the msgpack frame layout, encoded as an array.
type compactEvent struct {
	_msgpack struct{} `msgpack:",as_array"`

	Signature string
	Mint      string
	Trader    string
	Kind      uint8 // 0 buy, 1 sell, 2 create, 3 migrate
	Tokens    float64
	Sol       float64
	Liquidity float64
	MarketCap float64
	Pool      uint8 // 0 bonding curve, 1 amm
	TimeMS    int64
}

var compactKinds = [...]Side{SideBuy, SideSell, SideCreate, SideMigrate}

// Stats are the normalizer counters.
type Stats struct {
	Received   uint64
	Normalized uint64
	Malformed  uint64
	Irrelevant uint64
	Duplicate  uint64
}

// Normalizer turns raw feed frames into TradeEvents.
type Normalizer struct {
	dedup   *Dedup
	metrics *metrics.Metrics
	logger  *zap.Logger

	received   atomic.Uint64
	normalized atomic.Uint64
	malformed  atomic.Uint64
	irrelevant atomic.Uint64
	duplicate  atomic.Uint64
}

// NewNormalizer creates a normalizer. A nil dedup disables deduplication.
func NewNormalizer(dedup *Dedup, m *metrics.Metrics, logger *zap.Logger) *Normalizer {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Normalizer{dedup: dedup, metrics: m, logger: logger.Named("ingest")}
}

// Normalize decodes msg. It returns ErrMalformed, ErrIrrelevant or
// ErrDuplicate for frames that must be dropped; every drop is counted.
func (n *Normalizer) Normalize(msg feed.Message) (TradeEvent, error) {
	n.received.Add(1)

	var (
		ev  TradeEvent
		err error
	)
	if msg.Binary {
		ev, err = decodeCompact(msg.Data)
	} else {
		ev, err = decodeJSON(msg.Data)
	}
	if err == nil {
		err = validate(ev)
	}
	if err != nil {
		n.drop(err, msg)
		return TradeEvent{}, err
	}

	ev.ConnID = msg.Slot
	ev.Sequence = msg.Seq
	if ev.At.IsZero() {
		ev.At = msg.At
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	if n.dedup != nil && n.dedup.Seen(ev.TxID, ev.Token) {
		n.duplicate.Add(1)
		n.metrics.EventsDuplicate.Inc()
		return TradeEvent{}, ErrDuplicate
	}

	n.normalized.Add(1)
	n.metrics.EventsNormalized.Inc()
	return ev, nil
}

// Stats returns the counters.
func (n *Normalizer) Stats() Stats {
	return Stats{
		Received:   n.received.Load(),
		Normalized: n.normalized.Load(),
		Malformed:  n.malformed.Load(),
		Irrelevant: n.irrelevant.Load(),
		Duplicate:  n.duplicate.Load(),
	}
}

func (n *Normalizer) drop(err error, msg feed.Message) {
	reason := DropMalformed
	if errors.Is(err, ErrIrrelevant) {
		reason = DropIrrelevant
		n.irrelevant.Add(1)
	} else {
		n.malformed.Add(1)
		n.logger.Debug("Dropped malformed frame",
			zap.Int("slot", msg.Slot),
			zap.Uint64("seq", msg.Seq),
			zap.Int("bytes", len(msg.Data)),
			zap.Error(err))
	}
	n.metrics.EventsDropped.With(reason).Inc()
}

func decodeJSON(data []byte) (TradeEvent, error) {
	var p pumpPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return TradeEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.TxType == "" {
		// subscription acks and other control frames
		return TradeEvent{}, fmt.Errorf("%w: no txType", ErrIrrelevant)
	}

	side := Side(p.TxType)
	switch side {
	case SideBuy, SideSell, SideCreate, SideMigrate:
	default:
		return TradeEvent{}, fmt.Errorf("%w: txType %q", ErrIrrelevant, p.TxType)
	}

	ev := TradeEvent{
		TxID:      p.Signature,
		Wallet:    p.Trader,
		Token:     p.Mint,
		Side:      side,
		Amount:    p.TokenAmount,
		SOLAmount: p.SolAmount,
		MarketCap: p.MarketCapSol,
		Liquidity: p.VSolInBondingCurve,
		Protocol:  poolProtocol(p.Pool, side),
	}
	ev.Price = impliedPrice(p.SolAmount, p.TokenAmount, p.VSolInBondingCurve, p.VTokensInBondingCurve)
	return ev, nil
}

func decodeCompact(data []byte) (TradeEvent, error) {
	var c compactEvent
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return TradeEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if int(c.Kind) >= len(compactKinds) {
		return TradeEvent{}, fmt.Errorf("%w: kind %d", ErrIrrelevant, c.Kind)
	}

	side := compactKinds[c.Kind]
	pool := "pump"
	if c.Pool == 1 {
		pool = "pump-amm"
	}
	ev := TradeEvent{
		TxID:      c.Signature,
		Wallet:    c.Trader,
		Token:     c.Mint,
		Side:      side,
		Amount:    c.Tokens,
		SOLAmount: c.Sol,
		MarketCap: c.MarketCap,
		Liquidity: c.Liquidity,
		Protocol:  poolProtocol(pool, side),
		Price:     impliedPrice(c.Sol, c.Tokens, 0, 0),
	}
	if c.TimeMS > 0 {
		ev.At = time.UnixMilli(c.TimeMS)
	}
	return ev, nil
}

func validate(ev TradeEvent) error {
	if ev.TxID == "" {
		return fmt.Errorf("%w: missing signature", ErrMalformed)
	}
	if _, err := solana.PublicKeyFromBase58(ev.Token); err != nil {
		return fmt.Errorf("%w: mint %q: %v", ErrMalformed, ev.Token, err)
	}
	if ev.Side == SideMigrate {
		return nil
	}
	if _, err := solana.PublicKeyFromBase58(ev.Wallet); err != nil {
		return fmt.Errorf("%w: wallet %q: %v", ErrMalformed, ev.Wallet, err)
	}
	if ev.Amount < 0 || ev.SOLAmount < 0 {
		return fmt.Errorf("%w: negative amount", ErrMalformed)
	}
	return nil
}

// impliedPrice prefers the trade's own ratio and falls back to the curve reserves.
func impliedPrice(sol, tokens, vSol, vTokens float64) float64 {
	if sol > 0 && tokens > 0 {
		return sol / tokens
	}
	if vSol > 0 && vTokens > 0 {
		return vSol / vTokens
	}
	return 0
}

func poolProtocol(pool string, side Side) string {
	if side == SideMigrate || pool == "pump-amm" {
		return protocol.PumpSwap
	}
	return protocol.PumpFun
}
