package component

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/rovshanmuradov/solana-copybot/internal/logger"
	"github.com/rovshanmuradov/solana-copybot/internal/ui/style"
)

// CompactLogViewer shows the tail of the in-memory log buffer.
type CompactLogViewer struct {
	buffer    *logger.LogBuffer
	viewport  viewport.Model
	visible   bool
	showDebug bool
	lastTotal uint64

	container lipgloss.Style
	title     lipgloss.Style
	timestamp lipgloss.Style
	fields    lipgloss.Style
	levels    map[string]lipgloss.Style
}

// NewCompactLogViewer creates a new compact log viewer
func NewCompactLogViewer(buf *logger.LogBuffer) *CompactLogViewer {
	palette := style.DefaultPalette()
	return &CompactLogViewer{
		buffer:  buf,
		visible: true,
		container: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(palette.Info).
			Padding(0, 1),
		title:     lipgloss.NewStyle().Foreground(palette.Info).Bold(true),
		timestamp: lipgloss.NewStyle().Foreground(palette.TextMuted),
		fields:    lipgloss.NewStyle().Foreground(palette.TextSecondary),
		levels: map[string]lipgloss.Style{
			"ERROR": lipgloss.NewStyle().Foreground(palette.Error).Bold(true),
			"WARN":  lipgloss.NewStyle().Foreground(palette.Warning).Bold(true),
			"INFO":  lipgloss.NewStyle().Foreground(palette.Info),
			"DEBUG": lipgloss.NewStyle().Foreground(palette.TextMuted),
		},
		viewport: viewport.New(50, 4),
	}
}

// SetSize sets the component dimensions
func (clv *CompactLogViewer) SetSize(width, height int) {
	if width > 4 {
		clv.container = clv.container.Width(width - 4)
	}
	clv.viewport.Width = max(width-6, 10)
	clv.viewport.Height = max(height-3, 2)
	clv.lastTotal = 0
}

func (clv *CompactLogViewer) Toggle()         { clv.visible = !clv.visible }
func (clv *CompactLogViewer) IsVisible() bool { return clv.visible }
func (clv *CompactLogViewer) ScrollUp()       { clv.viewport.LineUp(clv.viewport.Height) }
func (clv *CompactLogViewer) ScrollDown()     { clv.viewport.LineDown(clv.viewport.Height) }

// Refresh reloads the viewport when new entries arrived. It sticks to the
// bottom unless the operator scrolled up.
func (clv *CompactLogViewer) Refresh() {
	if clv.buffer == nil {
		clv.viewport.SetContent("no log buffer")
		return
	}
	total := clv.buffer.Total()
	if total == clv.lastTotal {
		return
	}
	clv.lastTotal = total
	follow := clv.viewport.AtBottom()

	var lines []string
	for _, e := range clv.buffer.GetRecentLogs(200) {
		if e.Level == "DEBUG" && !clv.showDebug {
			continue
		}
		lines = append(lines, clv.format(e))
	}
	clv.viewport.SetContent(strings.Join(lines, "\n"))
	if follow {
		clv.viewport.GotoBottom()
	}
}

// View renders the compact log viewer
func (clv *CompactLogViewer) View() string {
	if !clv.visible {
		return ""
	}
	return clv.container.Render(lipgloss.JoinVertical(lipgloss.Left,
		clv.title.Render("logs"),
		clv.viewport.View(),
	))
}

func (clv *CompactLogViewer) format(e logger.LogEntry) string {
	lvl, ok := clv.levels[e.Level]
	if !ok {
		lvl = clv.levels["INFO"]
	}
	line := fmt.Sprintf("%s %s", clv.timestamp.Render(e.Timestamp.Format("15:04:05")), lvl.Render(e.Message))
	if len(e.Fields) == 0 {
		return line
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, e.Fields[k])
	}
	return line + " " + clv.fields.Render(strings.Join(parts, " "))
}
