// internal/ingest/batch.go
package ingest

import (
	"context"
	"time"
)

// Batch sizing presets.
const (
	FastBatchSize      = 8
	FastBatchTimeout   = 5 * time.Millisecond
	NormalBatchSize    = 64
	NormalBatchTimeout = 50 * time.Millisecond
)

// BatchParams resolves batch size and timeout for the mode. Non-zero
// overrides win.
func BatchParams(fast bool, size int, timeout time.Duration) (int, time.Duration) {
	s, t := NormalBatchSize, NormalBatchTimeout
	if fast {
		s, t = FastBatchSize, FastBatchTimeout
	}
	if size > 0 {
		s = size
	}
	if timeout > 0 {
		t = timeout
	}
	return s, t
}

// Batcher groups events and flushes at Size events or Timeout after the
// first event of the batch, whichever comes first.
type Batcher struct {
	Size    int
	Timeout time.Duration
}

// Run reads in until it is closed or ctx is done. The pending batch is
// flushed before returning.
func (b Batcher) Run(ctx context.Context, in <-chan TradeEvent, flush func(context.Context, []TradeEvent)) error {
	size := b.Size
	if size < 1 {
		size = 1
	}
	batch := make([]TradeEvent, 0, size)
	// deadline is armed by the first event of each batch
	var deadline <-chan time.Time

	emit := func() {
		deadline = nil
		if len(batch) == 0 {
			return
		}
		out := batch
		batch = make([]TradeEvent, 0, size)
		flush(ctx, out)
	}

	for {
		select {
		case ev, ok := <-in:
			if !ok {
				emit()
				return nil
			}
			batch = append(batch, ev)
			if deadline == nil {
				deadline = time.After(b.Timeout)
			}
			if len(batch) >= size {
				emit()
			}
		case <-deadline:
			emit()
		case <-ctx.Done():
			emit()
			return nil
		}
	}
}
