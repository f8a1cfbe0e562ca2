package component

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/rovshanmuradov/solana-copybot/internal/ui/style"
)

var sparkChars = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// Sparkline draws the most recent prices of a position on one line.
type Sparkline struct {
	data  []float64
	width int
}

// NewSparkline creates a new sparkline component
func NewSparkline(width int) *Sparkline {
	return &Sparkline{width: width}
}

// SetData keeps the last width points of data.
func (s *Sparkline) SetData(data []float64) {
	if len(data) > s.width {
		data = data[len(data)-s.width:]
	}
	s.data = append(s.data[:0], data...)
}

// SetWidth sets the width of the sparkline
func (s *Sparkline) SetWidth(width int) {
	s.width = width
	if len(s.data) > width {
		s.data = s.data[len(s.data)-width:]
	}
}

// ChangePct is the move from the first to the last point, in percent.
func (s *Sparkline) ChangePct() float64 {
	if len(s.data) < 2 || s.data[0] == 0 {
		return 0
	}
	first, last := s.data[0], s.data[len(s.data)-1]
	return (last - first) / first * 100
}

// View renders the sparkline colored by its overall direction.
func (s *Sparkline) View() string {
	palette := style.DefaultPalette()
	if len(s.data) == 0 {
		return lipgloss.NewStyle().Foreground(palette.TextMuted).Render(strings.Repeat("▁", s.width))
	}
	return lipgloss.NewStyle().Foreground(palette.PnL(s.ChangePct())).Render(s.blocks())
}

func (s *Sparkline) blocks() string {
	lo, hi := s.data[0], s.data[0]
	for _, v := range s.data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo == hi {
		return strings.Repeat("▄", len(s.data))
	}

	var b strings.Builder
	for _, v := range s.data {
		idx := int((v - lo) / (hi - lo) * float64(len(sparkChars)-1))
		if idx < 0 {
			idx = 0
		} else if idx >= len(sparkChars) {
			idx = len(sparkChars) - 1
		}
		b.WriteRune(sparkChars[idx])
	}
	return b.String()
}
