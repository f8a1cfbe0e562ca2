package events

import "context"

// Handler receives events from the bus dispatcher. Handlers run on the
// dispatcher goroutine and must return quickly.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc lets a plain function act as a Handler.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error { return f(ctx, event) }

// Subscription is one handler registered for one event type.
type Subscription interface {
	Unsubscribe()
}

// Subscriptions is the set returned by SubscribeAll.
type Subscriptions []Subscription

// Unsubscribe detaches every subscription in the set.
func (s Subscriptions) Unsubscribe() {
	for _, sub := range s {
		sub.Unsubscribe()
	}
}

type subscription struct {
	bus *Bus
	id  string
	typ EventType
}

func (s *subscription) Unsubscribe() { s.bus.unsubscribe(s.id, s.typ) }
