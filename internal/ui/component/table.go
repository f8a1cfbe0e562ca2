package component

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/rovshanmuradov/solana-copybot/internal/ui/style"
)

// Column is a table column. A zero Width shares the remaining space.
type Column struct {
	Header string
	Width  int
	Align  lipgloss.Position
}

// Row is one rendered line; Color overrides the text color when set.
type Row struct {
	Key   string
	Cells []string
	Color lipgloss.Color
}

// Table renders positions as a selectable grid.
type Table struct {
	columns  []Column
	rows     []Row
	width    int
	selected int

	headerStyle   lipgloss.Style
	rowStyle      lipgloss.Style
	selectedStyle lipgloss.Style
	borderStyle   lipgloss.Style
}

// NewTable creates a table with the given columns.
func NewTable(columns ...Column) *Table {
	palette := style.DefaultPalette()
	return &Table{
		columns: columns,
		headerStyle: lipgloss.NewStyle().
			Foreground(palette.Secondary).
			Bold(true).
			Padding(0, 1),
		rowStyle: lipgloss.NewStyle().
			Foreground(palette.Text).
			Padding(0, 1),
		selectedStyle: lipgloss.NewStyle().
			Foreground(palette.Background).
			Background(palette.Primary).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(palette.TextMuted),
	}
}

// SetRows replaces the rows and keeps the selection on the same key when
// it is still present.
func (t *Table) SetRows(rows []Row) {
	key := t.SelectedKey()
	t.rows = rows
	t.selected = 0
	for i, r := range rows {
		if r.Key == key {
			t.selected = i
			break
		}
	}
}

// SetWidth sets the total width used to size auto columns.
func (t *Table) SetWidth(width int) { t.width = width }

func (t *Table) MoveUp() {
	if t.selected > 0 {
		t.selected--
	}
}

func (t *Table) MoveDown() {
	if t.selected < len(t.rows)-1 {
		t.selected++
	}
}

// SelectedKey returns the key of the selected row, or "" when empty.
func (t *Table) SelectedKey() string {
	if t.selected >= 0 && t.selected < len(t.rows) {
		return t.rows[t.selected].Key
	}
	return ""
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// View renders the table
func (t *Table) View() string {
	cols := t.columnWidths()

	var b strings.Builder
	for i, col := range t.columns {
		b.WriteString(renderCell(col.Header, cols[i], col.Align, t.headerStyle))
		if i < len(t.columns)-1 {
			b.WriteString("│")
		}
	}
	b.WriteString("\n")
	for i := range t.columns {
		b.WriteString(strings.Repeat("─", cols[i]+2))
		if i < len(t.columns)-1 {
			b.WriteString("┼")
		}
	}

	if len(t.rows) == 0 {
		b.WriteString("\n")
		b.WriteString(t.rowStyle.Foreground(style.DefaultPalette().TextMuted).Render("no open positions"))
	}
	for ri, row := range t.rows {
		b.WriteString("\n")
		rs := t.rowStyle
		if row.Color != "" {
			rs = rs.Foreground(row.Color)
		}
		if ri == t.selected {
			rs = t.selectedStyle
		}
		for i, col := range t.columns {
			cell := ""
			if i < len(row.Cells) {
				cell = row.Cells[i]
			}
			b.WriteString(renderCell(cell, cols[i], col.Align, rs))
			if i < len(t.columns)-1 {
				b.WriteString("│")
			}
		}
	}
	return t.borderStyle.Render(b.String())
}

func renderCell(content string, width int, align lipgloss.Position, s lipgloss.Style) string {
	if r := []rune(content); len(r) > width {
		if width > 3 {
			content = string(r[:width-3]) + "..."
		} else {
			content = string(r[:width])
		}
	}
	return s.Width(width + 2).Align(align).Render(content)
}

// columnWidths resolves auto columns against the table width without
// mutating the configured columns.
func (t *Table) columnWidths() []int {
	widths := make([]int, len(t.columns))
	fixed, auto := 0, 0
	for i, col := range t.columns {
		widths[i] = col.Width
		if col.Width > 0 {
			fixed += col.Width + 2
		} else {
			auto++
		}
	}
	if auto == 0 {
		return widths
	}
	avail := t.width - fixed - (len(t.columns) - 1) - 2 - 2*auto
	share := 10
	if avail/auto > share {
		share = avail / auto
	}
	for i := range widths {
		if widths[i] <= 0 {
			widths[i] = share
		}
	}
	return widths
}
