package ui

import (
	"context"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/rovshanmuradov/solana-copybot/internal/events"
)

// UpdateSender forwards bus events to the program without ever blocking
// the bus dispatcher. Messages that do not fit are counted and dropped.
type UpdateSender struct {
	msgChan chan tea.Msg
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewUpdateSender creates a sender with the given queue depth.
func NewUpdateSender(size int) *UpdateSender {
	if size <= 0 {
		size = 256
	}
	return &UpdateSender{msgChan: make(chan tea.Msg, size)}
}

// SendUpdate enqueues msg or drops it when the queue is full.
func (us *UpdateSender) SendUpdate(msg tea.Msg) {
	select {
	case us.msgChan <- msg:
		us.sent.Add(1)
	default:
		us.dropped.Add(1)
	}
}

// Handle implements events.Handler.
func (us *UpdateSender) Handle(_ context.Context, e events.Event) error {
	us.SendUpdate(EventMsg{Event: e})
	return nil
}

// Stats returns how many messages were queued and dropped.
func (us *UpdateSender) Stats() (sent, dropped uint64) {
	return us.sent.Load(), us.dropped.Load()
}

// listen returns a command that waits for the next queued message.
func (us *UpdateSender) listen() tea.Cmd {
	return func() tea.Msg {
		return <-us.msgChan
	}
}
