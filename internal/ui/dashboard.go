package ui

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/execution"
	"github.com/rovshanmuradov/solana-copybot/internal/logger"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
	"github.com/rovshanmuradov/solana-copybot/internal/ui/component"
	"github.com/rovshanmuradov/solana-copybot/internal/ui/style"
)

// Source is the engine surface the dashboard reads and drives.
type Source interface {
	Positions() []position.TrackedPosition
	FeedHealth() (healthy, total int)
	ForceSell(ctx context.Context, token string) (*execution.Result, error)
}

// Options configures the dashboard.
type Options struct {
	Wallet       string
	PaperTrading bool
	Refresh      time.Duration
}

// Dashboard is the bubbletea model of the operator terminal.
type Dashboard struct {
	ctx     context.Context
	src     Source
	updates *UpdateSender
	opts    Options

	keys   KeyMap
	help   help.Model
	header *component.StatusHeader
	table  *component.Table
	spark  *component.Sparkline
	logs   *component.CompactLogViewer

	positions map[string]position.TrackedPosition
	realized  map[string]float64 // last reported per token, survives close
	notice    string
	noticeSty lipgloss.Style
	width     int
	height    int
}

// NewDashboard builds the model. updates may be nil when no bus is attached;
// buf may be nil when logs are not captured.
func NewDashboard(ctx context.Context, src Source, updates *UpdateSender, buf *logger.LogBuffer, opts Options) *Dashboard {
	if opts.Refresh <= 0 {
		opts.Refresh = 500 * time.Millisecond
	}
	d := &Dashboard{
		ctx:     ctx,
		src:     src,
		updates: updates,
		opts:    opts,
		keys:    DefaultKeyMap(),
		help:    help.New(),
		header:  component.NewStatusHeader(),
		table: component.NewTable(
			component.Column{Header: "Token", Width: 11},
			component.Column{Header: "Venue", Width: 9},
			component.Column{Header: "Held", Width: 12, Align: lipgloss.Right},
			component.Column{Header: "Cost", Width: 12, Align: lipgloss.Right},
			component.Column{Header: "Price", Width: 12, Align: lipgloss.Right},
			component.Column{Header: "Gain%", Width: 8, Align: lipgloss.Right},
			component.Column{Header: "Retr%", Width: 7, Align: lipgloss.Right},
			component.Column{Header: "Age", Width: 8, Align: lipgloss.Right},
			component.Column{Header: "Target", Width: 8},
		),
		spark:     component.NewSparkline(40),
		logs:      component.NewCompactLogViewer(buf),
		positions: make(map[string]position.TrackedPosition),
		realized:  make(map[string]float64),
	}
	d.refresh()
	return d
}

func (d *Dashboard) tick() tea.Cmd {
	return tea.Tick(d.opts.Refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (d *Dashboard) Init() tea.Cmd {
	cmds := []tea.Cmd{d.tick()}
	if d.updates != nil {
		cmds = append(cmds, d.updates.listen())
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width, d.height = msg.Width, msg.Height
		d.header.SetWidth(msg.Width)
		d.table.SetWidth(msg.Width)
		d.help.Width = msg.Width
		d.logs.SetSize(msg.Width, max(msg.Height/3, 5))
		return d, nil

	case tickMsg:
		d.refresh()
		return d, d.tick()

	case EventMsg:
		d.onEvent(msg.Event)
		return d, d.updates.listen()

	case forceSellMsg:
		if msg.Err != nil {
			d.setNotice(fmt.Sprintf("force sell %s failed: %v", component.ShortKey(msg.Token), msg.Err), style.DefaultPalette().Error)
		} else {
			d.setNotice(fmt.Sprintf("force sold %.2f of %s", msg.Filled, component.ShortKey(msg.Token)), style.DefaultPalette().Success)
		}
		d.refresh()
		return d, nil

	case tea.KeyMsg:
		return d, d.onKey(msg)
	}
	return d, nil
}

func (d *Dashboard) onKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, d.keys.Quit):
		return tea.Quit
	case key.Matches(msg, d.keys.Help):
		d.help.ShowAll = !d.help.ShowAll
	case key.Matches(msg, d.keys.Up):
		d.table.MoveUp()
		d.syncSpark()
	case key.Matches(msg, d.keys.Down):
		d.table.MoveDown()
		d.syncSpark()
	case key.Matches(msg, d.keys.ToggleLogs):
		d.logs.Toggle()
	case key.Matches(msg, d.keys.LogsUp):
		d.logs.ScrollUp()
	case key.Matches(msg, d.keys.LogsDown):
		d.logs.ScrollDown()
	case key.Matches(msg, d.keys.ForceSell):
		return d.forceSell(d.table.SelectedKey())
	}
	return nil
}

func (d *Dashboard) forceSell(token string) tea.Cmd {
	if token == "" {
		return nil
	}
	d.setNotice("force selling "+component.ShortKey(token)+"...", style.DefaultPalette().Warning)
	ctx, src := d.ctx, d.src
	return func() tea.Msg {
		res, err := src.ForceSell(ctx, token)
		out := forceSellMsg{Token: token, Err: err}
		if res != nil {
			out.Filled = res.Filled
			if err == nil && res.Err != nil {
				out.Err = res.Err
			}
		}
		return out
	}
}

func (d *Dashboard) onEvent(e events.Event) {
	palette := style.DefaultPalette()
	switch ev := e.(type) {
	case events.SellEvent:
		tok := component.ShortKey(ev.Token)
		switch ev.Type() {
		case events.SellCompleted:
			d.setNotice(fmt.Sprintf("sold %.2f of %s (%s via %s)", ev.Filled, tok, ev.Reason, ev.Protocol), palette.Success)
		case events.SellFailed:
			d.setNotice(fmt.Sprintf("sell %s failed after %d attempts: %s", tok, ev.Attempts, ev.Error), palette.Error)
		case events.ForceSellTriggered:
			d.setNotice(fmt.Sprintf("force sell %s: %s", tok, ev.Reason), palette.Warning)
		}
	case events.PnLEvent:
		d.realized[ev.Token] = ev.RealizedPnL
	case events.PoolEvent:
		d.setNotice(fmt.Sprintf("feed degraded: %d/%d slots healthy", ev.Healthy, ev.Total), palette.Error)
	}
}

func (d *Dashboard) setNotice(text string, c lipgloss.Color) {
	d.notice = text
	d.noticeSty = lipgloss.NewStyle().Foreground(c).Bold(true)
}

// refresh pulls fresh snapshots from the engine.
func (d *Dashboard) refresh() {
	all := d.src.Positions()
	sort.Slice(all, func(i, j int) bool { return all[i].BoughtAt.Before(all[j].BoughtAt) })

	palette := style.DefaultPalette()
	now := time.Now()
	clear(d.positions)
	rows := make([]component.Row, 0, len(all))
	for _, p := range all {
		d.positions[p.Token] = p
		if p.RealizedPnL != 0 {
			d.realized[p.Token] = p.RealizedPnL
		}
		target := "-"
		switch {
		case p.TargetExited:
			target = "exited"
		case p.TargetHolding > 0:
			target = "holding"
		}
		color := palette.PnL(p.GainPct())
		if p.Pending {
			color = palette.Pending
		}
		rows = append(rows, component.Row{
			Key: p.Token,
			Cells: []string{
				component.ShortKey(p.Token),
				p.Protocol,
				fmt.Sprintf("%.2f", p.AmountHeld),
				fmt.Sprintf("%.9f", p.CostBasis),
				fmt.Sprintf("%.9f", p.CurrentPrice),
				fmt.Sprintf("%+.1f", p.GainPct()),
				fmt.Sprintf("%.1f", p.RetracementPct()),
				formatAge(now.Sub(p.BoughtAt)),
				target,
			},
			Color: color,
		})
	}
	d.table.SetRows(rows)
	d.syncSpark()

	healthy, total := d.src.FeedHealth()
	var realized float64
	for _, v := range d.realized {
		realized += v
	}
	d.header.SetStatus(component.Status{
		Wallet:       d.opts.Wallet,
		HealthySlots: healthy,
		TotalSlots:   total,
		Open:         len(all),
		RealizedPnL:  realized,
		PaperTrading: d.opts.PaperTrading,
	})
	d.logs.Refresh()
}

func (d *Dashboard) syncSpark() {
	p, ok := d.positions[d.table.SelectedKey()]
	if !ok {
		d.spark.SetData(nil)
		return
	}
	prices := make([]float64, len(p.History))
	for i, s := range p.History {
		prices[i] = s.Price
	}
	d.spark.SetData(prices)
}

// View implements tea.Model.
func (d *Dashboard) View() string {
	sections := []string{d.header.View(), d.table.View()}
	if sel := d.table.SelectedKey(); sel != "" {
		sections = append(sections, fmt.Sprintf(" %s %s %+.1f%%",
			component.ShortKey(sel), d.spark.View(), d.spark.ChangePct()))
	}
	if d.notice != "" {
		sections = append(sections, " "+d.noticeSty.Render(d.notice))
	}
	if v := d.logs.View(); v != "" {
		sections = append(sections, v)
	}
	sections = append(sections, d.help.View(d.keys))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
