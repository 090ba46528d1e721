// Package ui renders a live terminal view of a NetworkClock.
package ui

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"example.com/netclock/core/netclock"
)

const DefaultRefresh = time.Second

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	tableStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// StatusSource is the part of a NetworkClock the view polls.
type StatusSource interface {
	Status() netclock.ClockStatus
}

type statusMsg netclock.ClockStatus
type offsetMsg netclock.OffsetEvent
type eventsClosedMsg struct{}
type tickMsg time.Time

type Model struct {
	src     StatusSource
	events  <-chan netclock.OffsetEvent
	refresh time.Duration

	status   netclock.ClockStatus
	last     *netclock.OffsetEvent
	numEvent int
	quitting bool
}

// NewModel returns a view polling src every refresh interval. events may be
// nil.
func NewModel(src StatusSource, events <-chan netclock.OffsetEvent, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return Model{src: src, events: events, refresh: refresh}
}

func fetchStatus(src StatusSource) tea.Cmd {
	return func() tea.Msg {
		return statusMsg(src.Status())
	}
}

func waitForEvent(events <-chan netclock.OffsetEvent) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return offsetMsg(ev)
	}
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchStatus(m.src), waitForEvent(m.events), tick(m.refresh))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.src)
		}
		return m, nil
	case tickMsg:
		return m, tea.Batch(fetchStatus(m.src), tick(m.refresh))
	case statusMsg:
		m.status = netclock.ClockStatus(msg)
		return m, nil
	case offsetMsg:
		ev := netclock.OffsetEvent(msg)
		m.last = &ev
		m.numEvent++
		return m, waitForEvent(m.events)
	case eventsClosedMsg:
		m.events = nil
		return m, nil
	default:
		return m, nil
	}
}

func formatOffset(st netclock.ClockStatus) string {
	if !st.Determined {
		return "undetermined"
	}
	s := st.Offset.String()
	if st.Stale {
		s += " (stale)"
	}
	return s
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("netclock  state: %v  offset: %s",
		m.status.State, formatOffset(m.status))))
	b.WriteString("\n")
	if m.status.RunID != "" {
		fmt.Fprintf(&b, "run: %s\n", m.status.RunID)
	}
	if m.last != nil {
		fmt.Fprintf(&b, "last event: %v at %s (%d received)\n",
			m.last.Offset, m.last.At.Format(time.RFC3339Nano), m.numEvent)
	}
	b.WriteString("\n")

	var tb strings.Builder
	w := tabwriter.NewWriter(&tb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tREACH\tOFFSET\tDELAY\tSPREAD\tPOLL\tSAMPLES\tNOTE")
	for _, a := range m.status.Associations {
		reach := "no"
		if a.Reachable {
			reach = "yes"
		}
		note := a.LastError
		if a.Outlier {
			note = "outlier"
		}
		offset, delay, spread := "-", "-", "-"
		if a.Reachable {
			offset, delay, spread = a.Offset.String(), a.Delay.String(), a.Spread.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\t%d\t%s\n",
			a.Server, reach, offset, delay, spread, a.Poll, a.Samples, note)
	}
	_ = w.Flush()
	b.WriteString(tableStyle.Render(strings.TrimRight(tb.String(), "\n")))

	b.WriteString("\n" + helpStyle.Render("q: quit  r: refresh") + "\n")
	return b.String()
}

// Run shows the view until the user quits or ctx is done.
func Run(ctx context.Context, src StatusSource, events <-chan netclock.OffsetEvent) error {
	p := tea.NewProgram(NewModel(src, events, DefaultRefresh), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
