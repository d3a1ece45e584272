package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	kyberui "github.com/cyph3rasi/kyber/ui"
)

// TaskSource is the slice of the API client the watch view needs.
type TaskSource interface {
	ListTasks(ctx context.Context, limit int) (kyberui.TasksResponse, error)
	CancelTask(ctx context.Context, ref string) (kyberui.CancelResponse, error)
}

type tasksMsg struct {
	resp kyberui.TasksResponse
	err  error
}

type tickMsg time.Time

type cancelMsg struct {
	ref  string
	resp kyberui.CancelResponse
	err  error
}

const requestTimeout = 10 * time.Second

// WatchModel is a live table of active and recent tasks.
type WatchModel struct {
	styles   *StyleSet
	src      TaskSource
	interval time.Duration
	limit    int

	table   table.Model
	tasks   []kyberui.TaskSummary
	notice  string
	err     error
	updated time.Time
}

// NewWatchModel polls src every interval, showing up to limit finished
// tasks below the active ones.
func NewWatchModel(styles *StyleSet, src TaskSource, interval time.Duration, limit int) *WatchModel {
	if styles == nil {
		styles = DefaultStyles()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if limit <= 0 {
		limit = 10
	}
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "REF", Width: 10},
			{Title: "STATUS", Width: 11},
			{Title: "STEP", Width: 7},
			{Title: "ACTION", Width: 36},
			{Title: "LABEL", Width: 28},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	t.SetStyles(styles.Table)
	return &WatchModel{styles: styles, src: src, interval: interval, limit: limit, table: t}
}

func (m *WatchModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m *WatchModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		resp, err := m.src.ListTasks(ctx, m.limit)
		return tasksMsg{resp: resp, err: err}
	}
}

func (m *WatchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *WatchModel) cancel(ref string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		resp, err := m.src.CancelTask(ctx, ref)
		return cancelMsg{ref: ref, resp: resp, err: err}
	}
}

func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		case "c":
			if ref := m.Selected(); ref != "" {
				m.notice = "cancelling " + ref + "..."
				return m, m.cancel(ref)
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		if h := msg.Height - 8; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case tasksMsg:
		m.err = msg.err
		if msg.err == nil {
			m.updated = time.Now()
			m.setTasks(append(append([]kyberui.TaskSummary{}, msg.resp.Active...), msg.resp.History...))
		}
		return m, nil

	case cancelMsg:
		switch {
		case msg.err != nil:
			m.notice = fmt.Sprintf("cancel %s: %v", msg.ref, msg.err)
		default:
			m.notice = msg.resp.Message
		}
		return m, m.fetch()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *WatchModel) setTasks(ts []kyberui.TaskSummary) {
	m.tasks = ts
	rows := make([]table.Row, 0, len(ts))
	for _, t := range ts {
		rows = append(rows, table.Row{
			t.Reference,
			string(t.Status),
			fmt.Sprintf("%d/%d", t.Iteration, t.MaxIterations),
			oneLine(t.CurrentAction),
			oneLine(t.Label),
		})
	}
	m.table.SetRows(rows)
	if c := m.table.Cursor(); c >= len(rows) && len(rows) > 0 {
		m.table.SetCursor(len(rows) - 1)
	}
}

// Selected returns the reference under the cursor, or "".
func (m *WatchModel) Selected() string {
	row := m.table.SelectedRow()
	if len(row) == 0 {
		return ""
	}
	return row[0]
}

func (m *WatchModel) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("kyber tasks"))
	if !m.updated.IsZero() {
		b.WriteString(m.styles.Dim.Render("  updated " + m.updated.Format("15:04:05")))
	}
	b.WriteString("\n\n")

	if len(m.tasks) == 0 {
		b.WriteString(m.styles.Dim.Render("No tasks yet."))
		b.WriteString("\n")
	} else {
		b.WriteString(m.table.View())
		b.WriteString("\n")
		if t, ok := m.selectedTask(); ok {
			b.WriteString(StatusStyle(t.Status).Render(string(t.Status)))
			b.WriteString(" ")
			b.WriteString(m.styles.Dim.Render(detail(t)))
			b.WriteString("\n")
		}
	}

	if m.err != nil {
		b.WriteString(m.styles.Error.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}
	if m.notice != "" {
		b.WriteString(m.notice)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	for i, k := range [][2]string{{"↑/↓", "select"}, {"c", "cancel"}, {"r", "refresh"}, {"q", "quit"}} {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(m.styles.KbdKey.Render(k[0]))
		b.WriteString(" ")
		b.WriteString(m.styles.KbdDesc.Render(k[1]))
	}
	b.WriteString("\n")
	return b.String()
}

func (m *WatchModel) selectedTask() (kyberui.TaskSummary, bool) {
	ref := m.Selected()
	for _, t := range m.tasks {
		if t.Reference == ref {
			return t, true
		}
	}
	return kyberui.TaskSummary{}, false
}

func detail(t kyberui.TaskSummary) string {
	parts := []string{t.Reference}
	if t.Origin != "" {
		parts = append(parts, "from "+t.Origin)
	}
	if t.Promoted {
		parts = append(parts, "background")
	}
	switch {
	case t.Error != "":
		parts = append(parts, "error: "+oneLine(t.Error))
	case t.Result != "":
		parts = append(parts, "result: "+truncate(oneLine(t.Result), 80))
	}
	return strings.Join(parts, " · ")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
