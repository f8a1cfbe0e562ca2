// internal/notify/payload.go
package notify

import (
	"time"

	"github.com/rovshanmuradov/solana-copybot/internal/events"
)

// Payload is the JSON body delivered to webhooks.
type Payload struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Token      string    `json:"token,omitempty"`
	DecisionID string    `json:"decision_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Protocol   string    `json:"protocol,omitempty"`
	Amount     float64   `json:"amount,omitempty"`
	Filled     float64   `json:"filled,omitempty"`
	Price      float64   `json:"price,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`

	AmountHeld  float64 `json:"amount_held,omitempty"`
	CostBasis   float64 `json:"cost_basis,omitempty"`
	RealizedPnL float64 `json:"realized_pnl,omitempty"`
	GainPct     float64 `json:"gain_pct,omitempty"`

	HealthySlots int `json:"healthy_slots,omitempty"`
	TotalSlots   int `json:"total_slots,omitempty"`
}

// NewPayload flattens an event.
func NewPayload(e events.Event) Payload {
	p := Payload{Type: string(e.Type()), Timestamp: e.Timestamp()}
	switch ev := e.(type) {
	case events.SellEvent:
		p.Token = ev.Token
		p.DecisionID = ev.DecisionID
		p.Reason = ev.Reason
		p.Protocol = ev.Protocol
		p.Amount = ev.Amount
		p.Filled = ev.Filled
		p.Price = ev.Price
		p.Attempts = ev.Attempts
		p.Error = ev.Error
	case events.PnLEvent:
		p.Token = ev.Token
		p.AmountHeld = ev.AmountHeld
		p.CostBasis = ev.CostBasis
		p.Price = ev.LastPrice
		p.RealizedPnL = ev.RealizedPnL
		p.GainPct = ev.GainPct
	case events.PoolEvent:
		p.HealthySlots = ev.Healthy
		p.TotalSlots = ev.Total
	}
	return p
}
