package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	cl "goldrun/internal/cli"
	"goldrun/internal/game"
	"goldrun/internal/push"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxLogLines = 12

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	goodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

type (
	eventMsg  cl.Event
	closedMsg struct{}
)

type watchModel struct {
	self   cl.Session
	events <-chan cl.Event
	board  table.Model
	log    []string
	tick   int64
	gold   int64
	status string
}

func newWatchModel(self cl.Session, events <-chan cl.Event) watchModel {
	board := table.New(
		table.WithColumns([]table.Column{
			{Title: "#", Width: 4},
			{Title: "Player", Width: 24},
			{Title: "Gold", Width: 14},
		}),
		table.WithHeight(10),
		table.WithFocused(false),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	styles.Selected = lipgloss.NewStyle()
	board.SetStyles(styles)
	return watchModel{self: self, events: events, board: board, status: "connected"}
}

func waitForEvent(events <-chan cl.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m watchModel) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		h := msg.Height - maxLogLines - 10
		if h < 3 {
			h = 3
		}
		m.board.SetHeight(h)
	case closedMsg:
		m.status = "disconnected"
		return m, tea.Quit
	case eventMsg:
		m.apply(cl.Event(msg))
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func (m *watchModel) apply(ev cl.Event) {
	switch ev.Event {
	case game.EventAllParticipants:
		var users []game.PublicUser
		if json.Unmarshal(ev.Data, &users) == nil {
			m.board.SetRows(leaderboardRows(users, m.self.UserID))
		}
	case game.EventTick:
		var t game.TickEvent
		if json.Unmarshal(ev.Data, &t) != nil {
			return
		}
		m.tick, m.gold = t.Tick, t.Gold
		if t.Investment != nil {
			m.push(formatInvestment(t))
		}
	case game.EventOutput:
		var o game.OutputEvent
		if json.Unmarshal(ev.Data, &o) == nil {
			for _, line := range strings.Split(strings.TrimRight(o.Output, "\n"), "\n") {
				m.push(dimStyle.Render(fmt.Sprintf("[%d] %s", o.Tick, line)))
			}
		}
	case game.EventCodeError, game.EventRunError:
		var e game.ErrorEvent
		if json.Unmarshal(ev.Data, &e) == nil {
			m.push(badStyle.Render(fmt.Sprintf("[%d] %s: %s", e.Tick, ev.Event, e.Error)))
		}
	case push.EventTokenError, push.EventWSLimit:
		m.status = ev.Event
	}
}

func (m *watchModel) push(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m watchModel) View() string {
	header := titleStyle.Render(fmt.Sprintf("goldrun  tick %d  %s: %d gold", m.tick, m.self.Username, m.gold))
	events := "waiting for events..."
	if len(m.log) > 0 {
		events = strings.Join(m.log, "\n")
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		boxStyle.Render(m.board.View()),
		boxStyle.Render(events),
		dimStyle.Render(m.status+"  q to quit"),
	) + "\n"
}

func leaderboardRows(users []game.PublicUser, self int64) []table.Row {
	rows := make([]table.Row, 0, len(users))
	for i, u := range users {
		name := truncate(u.Username, 24)
		if u.ID == self {
			name = "> " + truncate(u.Username, 22)
		}
		rows = append(rows, table.Row{strconv.Itoa(i + 1), name, comma(u.Gold)})
	}
	return rows
}

func formatInvestment(t game.TickEvent) string {
	inv := t.Investment
	line := fmt.Sprintf("[%d] invested %d, profit %+d, gold %d", t.Tick, inv.Amount, inv.Profit, t.Gold)
	if inv.Profit < 0 {
		return badStyle.Render(line)
	}
	return goodStyle.Render(line)
}

func runWatch(ctx context.Context, client *cl.Client, sess cl.Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := client.Stream(ctx, sess.AccessToken)
	if err != nil {
		return err
	}

	model := newWatchModel(sess, events)
	// Seed the board so it is not empty until the first tick.
	usersCtx, usersCancel := context.WithTimeout(ctx, 10*time.Second)
	defer usersCancel()
	if users, err := client.Users(usersCtx); err == nil {
		model.board.SetRows(leaderboardRows(sortUsers(users), sess.UserID))
	}

	final, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil {
		return err
	}
	if m, ok := final.(watchModel); ok && m.status != "connected" && m.status != "disconnected" {
		return fmt.Errorf("stream closed: %s", m.status)
	}
	return nil
}
