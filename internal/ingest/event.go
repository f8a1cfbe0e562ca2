// internal/ingest/event.go
package ingest

import (
	"errors"
	"time"
)

var (
	// ErrMalformed marks payloads that cannot be parsed or fail validation.
	ErrMalformed = errors.New("malformed feed payload")
	// ErrIrrelevant marks well-formed payloads that carry no trade (acks, pings).
	ErrIrrelevant = errors.New("irrelevant feed payload")
	// ErrDuplicate marks an event already seen inside the dedup window.
	ErrDuplicate = errors.New("duplicate trade event")
)

// Side of a trade event.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideCreate  Side = "create"
	SideMigrate Side = "migrate"
)

// TradeEvent is the normalized form of every feed payload.
type TradeEvent struct {
	TxID      string
	Wallet    string
	Token     string
	Side      Side
	Amount    float64 // token units
	SOLAmount float64
	Price     float64 // SOL per token
	MarketCap float64 // SOL
	Liquidity float64 // SOL in the curve or pool
	Protocol  string
	ConnID    int
	Sequence  uint64
	At        time.Time
}
