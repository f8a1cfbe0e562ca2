// internal/events/types.go
package events

import (
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	// Sell lifecycle
	SellInitiated      EventType = "sell_initiated"
	SellCompleted      EventType = "sell_completed"
	SellFailed         EventType = "sell_failed"
	ForceSellTriggered EventType = "force_sell_triggered"
	PnLReport          EventType = "pnl_report"

	// Feed health
	PoolUnhealthy EventType = "pool_unhealthy"
)

// AllTypes lists every event type sinks may subscribe to.
var AllTypes = []EventType{SellInitiated, SellCompleted, SellFailed, ForceSellTriggered, PnLReport, PoolUnhealthy}

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType
	EventTime time.Time
}

// Type returns the event type.
func (e BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// NewBase stamps a BaseEvent with the current time.
func NewBase(t EventType) BaseEvent {
	return BaseEvent{EventType: t, EventTime: time.Now()}
}

// SellEvent describes a step in a sell cycle. It is used for
// sell_initiated, sell_completed, sell_failed and force_sell_triggered.
type SellEvent struct {
	BaseEvent
	DecisionID string
	Token      string
	Reason     string
	Protocol   string
	Amount     float64 // intended amount
	Filled     float64 // executed amount
	Price      float64
	Attempts   int
	Error      string
}

// PnLEvent reports the position after a fill.
type PnLEvent struct {
	BaseEvent
	Token       string
	AmountHeld  float64
	CostBasis   float64
	LastPrice   float64
	RealizedPnL float64
	GainPct     float64
}

// PoolEvent reports feed pool health changes.
type PoolEvent struct {
	BaseEvent
	Healthy int
	Total   int
}
