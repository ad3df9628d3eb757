// Package tui is the live registry monitor (spec.md §4.J's "monitor"
// operation): a bubbletea program listing every currently loaded object
// with its refcount and dependency count, refreshed on a timer.
//
// Grounded on the general bubbletea model/update/view convention; the
// teacher's go.mod carries bubbletea/bubbles/lipgloss but never imports
// them anywhere, so there is no teacher wiring to adapt — this is new
// code in that library's own documented idiom.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zboralski/galago/internal/registry"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFC800"))
	baseStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("#505050"))
)

type tickMsg time.Time

type model struct {
	table table.Model
	reg   *registry.Registry
}

func newModel(reg *registry.Registry) model {
	columns := []table.Column{
		{Title: "Object", Width: 36},
		{Title: "Base", Width: 14},
		{Title: "Len", Width: 10},
		{Title: "Refs", Width: 6},
		{Title: "Deps", Width: 6},
		{Title: "Global", Width: 7},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.Bold(true).Foreground(lipgloss.Color("#FFC800"))
	s.Selected = s.Selected.Foreground(lipgloss.Color("#000000")).Background(lipgloss.Color("#87CEEB"))
	t.SetStyles(s)

	m := model{table: t, reg: reg}
	m.refresh()
	return m
}

func (m *model) refresh() {
	var rows []table.Row
	for _, o := range m.reg.Snapshot() {
		global := "no"
		if o.Flags&registry.FlagGlobal != 0 {
			global = "yes"
		}
		rows = append(rows, table.Row{
			shorten(o.Name),
			fmt.Sprintf("0x%x", o.Base),
			fmt.Sprintf("%d", o.Len),
			fmt.Sprintf("%d", o.RefCount),
			fmt.Sprintf("%d", len(o.Deps)),
			global,
		})
	}
	m.table.SetRows(rows)
}

func shorten(name string) string {
	if len(name) <= 36 {
		return name
	}
	return "…" + name[len(name)-35:]
}

func (m model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.refresh()
		return m, tick()
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m model) View() string {
	header := headerStyle.Render(fmt.Sprintf("galago monitor — %d objects loaded", m.reg.Count()))
	return header + "\n" + baseStyle.Render(m.table.View()) + "\n(q to quit)\n"
}

// Run starts the monitor TUI against the default registry, blocking
// until the user quits.
func Run() error {
	_, err := tea.NewProgram(newModel(registry.DefaultRegistry)).Run()
	return err
}
