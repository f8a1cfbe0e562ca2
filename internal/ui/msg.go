package ui

import (
	"time"

	"github.com/rovshanmuradov/solana-copybot/internal/events"
)

// tickMsg triggers a refresh from the position store and feed pool.
type tickMsg time.Time

// EventMsg carries a bus event into the program.
type EventMsg struct {
	Event events.Event
}

// forceSellMsg reports the outcome of an operator force sell.
type forceSellMsg struct {
	Token  string
	Filled float64
	Err    error
}
