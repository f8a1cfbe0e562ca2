package position

import "time"

// Sample is one price/volume observation.
type Sample struct {
	Price  float64
	Volume float64
	At     time.Time
}

// history is a fixed-capacity circular buffer of samples; the oldest is
// overwritten once full.
type history struct {
	buf   []Sample
	start int
	n     int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 50
	}
	return &history{buf: make([]Sample, capacity)}
}

func (h *history) push(s Sample) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = s
		h.n++
		return
	}
	h.buf[h.start] = s
	h.start = (h.start + 1) % len(h.buf)
}

func (h *history) len() int { return h.n }

// slice returns samples oldest first.
func (h *history) slice() []Sample {
	out := make([]Sample, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// volumeSince sums sample volume at or after cutoff.
func (h *history) volumeSince(cutoff time.Time) float64 {
	var total float64
	for i := 0; i < h.n; i++ {
		s := h.buf[(h.start+i)%len(h.buf)]
		if !s.At.Before(cutoff) {
			total += s.Volume
		}
	}
	return total
}
