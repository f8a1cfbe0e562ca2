package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/metrics"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
	"github.com/rovshanmuradov/solana-copybot/internal/protocol"
)

// ErrUnsupportedToken means no venue can trade the token; no decision is produced.
var ErrUnsupportedToken = protocol.ErrUnsupportedToken

// ChunkPlan splits an exit into equal sequential chunks.
type ChunkPlan struct {
	Count    int
	Interval time.Duration
}

// Progressive reports whether the exit is split into more than one chunk.
func (c ChunkPlan) Progressive() bool { return c.Count > 1 }

// SellDecision is the outcome of one evaluation cycle.
type SellDecision struct {
	ID          string
	Token       string
	Reason      Reason
	Fraction    float64
	Amount      float64
	SlippageBps int
	Protocol    string
	Chunks      ChunkPlan
	Price       float64 // price at decision time
	CreatedAt   time.Time
}

// ProtocolSelector resolves the venue for a token.
type ProtocolSelector interface {
	Select(ctx context.Context, token string) (string, error)
}

// Engine turns position snapshots into sell decisions.
type Engine struct {
	cfg      Config
	selector ProtocolSelector
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewEngine creates a strategy engine.
func NewEngine(cfg Config, selector ProtocolSelector, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if cfg.Mode == "" {
		cfg.Mode = ModeMultiFactor
	}
	if cfg.ProgressiveChunks < 1 {
		cfg.ProgressiveChunks = 1
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Engine{cfg: cfg, selector: selector, metrics: m, logger: logger.Named("strategy")}
}

// Config returns the engine thresholds.
func (e *Engine) Config() Config { return e.cfg }

// DetermineProtocol picks the venue for the token.
func (e *Engine) DetermineProtocol(ctx context.Context, token string) (string, error) {
	return e.selector.Select(ctx, token)
}

// Decide evaluates a snapshot. It returns (nil, nil) when the position should be held.
func (e *Engine) Decide(ctx context.Context, snap position.TrackedPosition) (*SellDecision, error) {
	reason := EvaluateSellConditions(e.cfg, snap)
	if reason == ReasonNone {
		return nil, nil
	}

	fraction, amount := CalculateOptimalSellAmount(snap)
	if e.cfg.Mode == ModeFullExitMirror {
		fraction, amount = 1.0, snap.AmountHeld
	}
	if amount <= 0 {
		return nil, nil
	}

	proto, err := e.DetermineProtocol(ctx, snap.Token)
	if err != nil {
		if errors.Is(err, ErrUnsupportedToken) {
			e.logger.Warn("No venue trades token, holding",
				zap.String("token", snap.Token),
				zap.String("reason", string(reason)))
		}
		return nil, fmt.Errorf("determine protocol for %s: %w", snap.Token, err)
	}

	d := &SellDecision{
		ID:          uuid.NewString(),
		Token:       snap.Token,
		Reason:      reason,
		Fraction:    fraction,
		Amount:      amount,
		SlippageBps: CalculateDynamicSlippage(snap, amount),
		Protocol:    proto,
		Chunks:      ChunkPlan{Count: e.cfg.ProgressiveChunks, Interval: e.cfg.ProgressiveInterval},
		Price:       snap.CurrentPrice,
		CreatedAt:   time.Now(),
	}
	e.metrics.Decisions.With(string(reason)).Inc()

	e.logger.Info("Sell decision",
		zap.String("id", d.ID),
		zap.String("token", d.Token),
		zap.String("reason", string(reason)),
		zap.Float64("gain_pct", snap.GainPct()),
		zap.Float64("fraction", fraction),
		zap.Float64("amount", amount),
		zap.Int("slippage_bps", d.SlippageBps),
		zap.String("protocol", proto),
		zap.Int("chunks", d.Chunks.Count))
	return d, nil
}

// NewForcedDecision builds a single-shot exit of the whole holding.
func NewForcedDecision(snap position.TrackedPosition, slippageBps int, proto string) *SellDecision {
	return &SellDecision{
		ID:          uuid.NewString(),
		Token:       snap.Token,
		Reason:      ReasonForced,
		Fraction:    1.0,
		Amount:      snap.AmountHeld,
		SlippageBps: slippageBps,
		Protocol:    proto,
		Chunks:      ChunkPlan{Count: 1},
		Price:       snap.CurrentPrice,
		CreatedAt:   time.Now(),
	}
}
