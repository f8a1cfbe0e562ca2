// internal/metrics/metrics.go
package metrics

import "time"

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Observer interface {
	Observe(d time.Duration)
}

// CounterVec hands out counters keyed by a single label value.
type CounterVec interface {
	With(label string) Counter
}

// Metrics is the set of instruments shared by the engine components.
type Metrics struct {
	FeedMessages     Counter
	FeedReconnects   Counter
	FeedHealthySlots Gauge
	PoolUnhealthy    Counter

	EventsNormalized Counter
	EventsDropped    CounterVec // by drop reason
	EventsDuplicate  Counter

	Decisions          CounterVec // by trigger reason
	SellAttempts       Counter
	SellCompleted      Counter
	SellFailed         Counter
	ForceSells         Counter
	SubmissionLatency  Observer
	OpenPositions      Gauge
	NotificationsDrops Counter
}

type noop struct{}

func (noop) Inc()                  {}
func (noop) Set(float64)           {}
func (noop) Observe(time.Duration) {}
func (n noop) With(string) Counter { return n }

// NewNoop returns metrics that discard everything.
func NewNoop() *Metrics {
	n := noop{}
	return &Metrics{
		FeedMessages:       n,
		FeedReconnects:     n,
		FeedHealthySlots:   n,
		PoolUnhealthy:      n,
		EventsNormalized:   n,
		EventsDropped:      n,
		EventsDuplicate:    n,
		Decisions:          n,
		SellAttempts:       n,
		SellCompleted:      n,
		SellFailed:         n,
		ForceSells:         n,
		SubmissionLatency:  n,
		OpenPositions:      n,
		NotificationsDrops: n,
	}
}
