package position

import "time"

// Side of an own fill or a copy-target trade.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Tick is a market observation for a tracked token.
type Tick struct {
	Price     float64
	Volume    float64 // SOL notional of the trade that produced the tick
	Liquidity float64 // 0 when unknown
	MarketCap float64 // 0 when unknown
	At        time.Time
}

// Fill is an executed trade of our own wallet.
type Fill struct {
	ID       string // tx id; a fill is applied at most once
	Token    string
	Side     Side
	Amount   float64
	Price    float64
	Protocol string
	At       time.Time
}

// TrackedPosition is a point-in-time copy of everything known about a held token.
type TrackedPosition struct {
	Token string

	EntryPrice   float64
	HighestPrice float64 // max since entry
	LowestPrice  float64
	CurrentPrice float64
	Volume       float64 // trailing window
	MarketCap    float64

	AmountHeld  float64
	CostBasis   float64 // weighted average price per token
	TotalBought float64
	TotalSold   float64
	RealizedPnL float64

	EntryLiquidity float64
	Liquidity      float64

	BoughtAt  time.Time
	UpdatedAt time.Time
	TimeHeld  time.Duration

	Protocol      string
	TargetHolding float64
	TargetExited  bool
	Pending       bool

	History []Sample
}

// GainPct is the unrealized gain over cost basis, in percent.
func (p TrackedPosition) GainPct() float64 {
	basis := p.CostBasis
	if basis <= 0 {
		basis = p.EntryPrice
	}
	if basis <= 0 {
		return 0
	}
	return (p.CurrentPrice - basis) / basis * 100
}

// RetracementPct is the drop from the highest price since entry, in percent.
func (p TrackedPosition) RetracementPct() float64 {
	if p.HighestPrice <= 0 {
		return 0
	}
	return (p.HighestPrice - p.CurrentPrice) / p.HighestPrice * 100
}

// Counters are the process-wide fill totals.
type Counters struct {
	TotalBought float64
	TotalSold   float64
	Fills       uint64
}
