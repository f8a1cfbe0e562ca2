package component

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/rovshanmuradov/solana-copybot/internal/ui/style"
)

// Status is the process-wide state shown above the position table.
type Status struct {
	Wallet       string
	HealthySlots int
	TotalSlots   int
	Open         int
	RealizedPnL  float64
	PaperTrading bool
}

// StatusHeader renders the one-line status bar.
type StatusHeader struct {
	status Status
	width  int

	container lipgloss.Style
	title     lipgloss.Style
	muted     lipgloss.Style
	good      lipgloss.Style
	bad       lipgloss.Style
	warn      lipgloss.Style
}

// NewStatusHeader creates a new status header component
func NewStatusHeader() *StatusHeader {
	palette := style.DefaultPalette()
	return &StatusHeader{
		container: lipgloss.NewStyle().
			Foreground(palette.Text).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(palette.Primary).
			Padding(0, 2),
		title: lipgloss.NewStyle().Foreground(palette.Primary).Bold(true),
		muted: lipgloss.NewStyle().Foreground(palette.TextSecondary),
		good:  lipgloss.NewStyle().Foreground(palette.Success).Bold(true),
		bad:   lipgloss.NewStyle().Foreground(palette.Error).Bold(true),
		warn:  lipgloss.NewStyle().Foreground(palette.Warning).Bold(true),
	}
}

func (sh *StatusHeader) SetStatus(s Status) { sh.status = s }

// SetWidth sets the component width for responsive layout
func (sh *StatusHeader) SetWidth(width int) {
	sh.width = width
	if width > 4 {
		sh.container = sh.container.Width(width - 4)
	}
}

// View renders the status header
func (sh *StatusHeader) View() string {
	s := sh.status
	parts := []string{
		sh.title.Render("copybot"),
		sh.muted.Render("wallet " + ShortKey(s.Wallet)),
		sh.renderFeed(),
		sh.muted.Render(fmt.Sprintf("open %d", s.Open)),
		sh.renderPnL(),
	}
	if s.PaperTrading {
		parts = append(parts, sh.warn.Render("PAPER"))
	}

	var line []string
	for i, p := range parts {
		if i > 0 {
			line = append(line, " | ")
		}
		line = append(line, p)
	}
	return sh.container.Render(lipgloss.JoinHorizontal(lipgloss.Left, line...))
}

func (sh *StatusHeader) renderFeed() string {
	s := sh.status
	text := fmt.Sprintf("feed %d/%d", s.HealthySlots, s.TotalSlots)
	switch {
	case s.TotalSlots > 0 && s.HealthySlots == s.TotalSlots:
		return sh.good.Render(text)
	case s.HealthySlots > 0:
		return sh.warn.Render(text)
	default:
		return sh.bad.Render(text)
	}
}

func (sh *StatusHeader) renderPnL() string {
	text := fmt.Sprintf("realized %+.4f SOL", sh.status.RealizedPnL)
	switch {
	case sh.status.RealizedPnL > 0:
		return sh.good.Render(text)
	case sh.status.RealizedPnL < 0:
		return sh.bad.Render(text)
	default:
		return sh.muted.Render(text)
	}
}

// GetHeight returns the component height for layout calculations
func (sh *StatusHeader) GetHeight() int {
	return 3
}

// ShortKey abbreviates a base58 key to its first and last four characters.
func ShortKey(k string) string {
	if len(k) <= 11 {
		return k
	}
	return k[:4] + "…" + k[len(k)-4:]
}
