// internal/strategy/strategy.go
package strategy

import (
	"time"

	"github.com/rovshanmuradov/solana-copybot/internal/position"
)

// Reason is the trigger behind a sell decision.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonTimeExceeded Reason = "time_exceeded"
	ReasonTakeProfit   Reason = "take_profit"
	ReasonStopLoss     Reason = "stop_loss"
	ReasonRetracement  Reason = "retracement"
	ReasonLowLiquidity Reason = "low_liquidity"
	ReasonTargetExited Reason = "target_exited"
	ReasonForced       Reason = "forced"
)

// ExitMode selects which conditions may trigger a sell.
type ExitMode string

const (
	// ModeMultiFactor evaluates every condition in priority order.
	ModeMultiFactor ExitMode = "multi_factor"
	// ModeFullExitMirror sells everything when, and only when, the copy target exits.
	ModeFullExitMirror ExitMode = "full_exit_mirror"
	// ModeIndependentThreshold sells on take-profit / stop-loss and ignores the target.
	ModeIndependentThreshold ExitMode = "independent_threshold"
)

// Config holds the exit thresholds. Percentages are plain numbers (50 == 50%).
type Config struct {
	MaxHoldTime          time.Duration
	TakeProfit           float64
	StopLoss             float64 // negative
	RetracementThreshold float64
	MinLiquidity         float64
	ProgressiveChunks    int
	ProgressiveInterval  time.Duration
	Mode                 ExitMode
}

// EvaluateSellConditions checks the exit conditions in fixed priority order
// and returns the first one satisfied, or ReasonNone to hold.
func EvaluateSellConditions(cfg Config, p position.TrackedPosition) Reason {
	if p.AmountHeld <= 0 {
		return ReasonNone
	}

	switch cfg.Mode {
	case ModeFullExitMirror:
		if p.TargetExited {
			return ReasonTargetExited
		}
		return ReasonNone
	case ModeIndependentThreshold:
		gain := p.GainPct()
		if gain >= cfg.TakeProfit {
			return ReasonTakeProfit
		}
		if gain <= cfg.StopLoss {
			return ReasonStopLoss
		}
		return ReasonNone
	}

	gain := p.GainPct()
	switch {
	case cfg.MaxHoldTime > 0 && p.TimeHeld > cfg.MaxHoldTime:
		return ReasonTimeExceeded
	case gain >= cfg.TakeProfit:
		return ReasonTakeProfit
	case gain <= cfg.StopLoss:
		return ReasonStopLoss
	case gain > 0 && p.RetracementPct() >= cfg.RetracementThreshold:
		return ReasonRetracement
	// zero liquidity means "not yet observed"
	case p.Liquidity > 0 && p.Liquidity < cfg.MinLiquidity:
		return ReasonLowLiquidity
	case p.TargetExited:
		return ReasonTargetExited
	}
	return ReasonNone
}

// SellFraction maps unrealized P&L percent to the share of holdings to sell.
// Big winners are taken off the table fully, losers are mostly cut.
func SellFraction(pnlPct float64) float64 {
	switch {
	case pnlPct >= 200:
		return 1.0
	case pnlPct >= 100:
		return 0.8
	case pnlPct >= 50:
		return 0.6
	case pnlPct >= 20:
		return 0.5
	case pnlPct > 0:
		return 0.4
	default:
		return 0.9
	}
}

// CalculateOptimalSellAmount returns the fraction and absolute amount to sell.
func CalculateOptimalSellAmount(p position.TrackedPosition) (fraction, amount float64) {
	fraction = SellFraction(p.GainPct())
	return fraction, fraction * p.AmountHeld
}

// CalculateDynamicSlippage returns a slippage tolerance in basis points,
// widening with the SOL notional of the trade.
func CalculateDynamicSlippage(p position.TrackedPosition, amount float64) int {
	notional := amount * p.CurrentPrice
	switch {
	case notional > 10.0:
		return 300
	case notional > 1.0:
		return 200
	default:
		return 100
	}
}
