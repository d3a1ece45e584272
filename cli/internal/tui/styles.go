// Package tui holds the interactive terminal views of the kyber CLI.
package tui

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/cyph3rasi/kyber/core/tasks"
)

// StyleSet groups the lipgloss styles shared by the views.
type StyleSet struct {
	Title   lipgloss.Style
	Dim     lipgloss.Style
	Error   lipgloss.Style
	KbdKey  lipgloss.Style
	KbdDesc lipgloss.Style
	Table   table.Styles
}

// DefaultStyles returns the dark-terminal palette.
func DefaultStyles() *StyleSet {
	ts := table.DefaultStyles()
	ts.Header = ts.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	ts.Selected = ts.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)

	return &StyleSet{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		KbdKey:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
		KbdDesc: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		Table:   ts,
	}
}

// StatusStyle colors a task status.
func StatusStyle(s tasks.Status) lipgloss.Style {
	st := lipgloss.NewStyle()
	switch s {
	case tasks.StatusRunning:
		return st.Foreground(lipgloss.Color("39"))
	case tasks.StatusQueued:
		return st.Foreground(lipgloss.Color("244"))
	case tasks.StatusCancelling:
		return st.Foreground(lipgloss.Color("214"))
	case tasks.StatusCompleted:
		return st.Foreground(lipgloss.Color("42"))
	case tasks.StatusFailed:
		return st.Foreground(lipgloss.Color("196"))
	case tasks.StatusCancelled:
		return st.Foreground(lipgloss.Color("214"))
	}
	return st
}
