package chattui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Theme holds the ANSI-256 color tokens the views draw with.
type Theme struct {
	Name string

	Foreground string
	Muted      string
	Accent     string
	Own        string
	Other      string
	Unread     string
	Online     string
	Pending    string
	Failed     string
	Banner     string
	ActivePane string
	IdlePane   string
	Selected   string
}

// Themes lists available palettes by name.
var Themes = map[string]Theme{
	"default": {
		Name:       "default",
		Foreground: "252",
		Muted:      "245",
		Accent:     "75",
		Own:        "81",
		Other:      "147",
		Unread:     "214",
		Online:     "41",
		Pending:    "220",
		Failed:     "203",
		Banner:     "160",
		ActivePane: "75",
		IdlePane:   "240",
		Selected:   "237",
	},
	"high-contrast": {
		Name:       "high-contrast",
		Foreground: "15",
		Muted:      "250",
		Accent:     "51",
		Own:        "14",
		Other:      "15",
		Unread:     "11",
		Online:     "10",
		Pending:    "11",
		Failed:     "9",
		Banner:     "9",
		ActivePane: "15",
		IdlePane:   "244",
		Selected:   "238",
	},
}

// ThemeByName resolves a theme; empty means default.
func ThemeByName(name string) (Theme, error) {
	if name == "" {
		name = "default"
	}
	theme, ok := Themes[name]
	if !ok {
		return Theme{}, fmt.Errorf("invalid theme %q", name)
	}
	return theme, nil
}

type styles struct {
	text     lipgloss.Style
	muted    lipgloss.Style
	accent   lipgloss.Style
	own      lipgloss.Style
	other    lipgloss.Style
	badge    lipgloss.Style
	online   lipgloss.Style
	pending  lipgloss.Style
	failed   lipgloss.Style
	banner   lipgloss.Style
	selected lipgloss.Style
	active   lipgloss.Style
	idle     lipgloss.Style
}

func newStyles(t Theme) styles {
	pane := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	return styles{
		text:     lipgloss.NewStyle().Foreground(lipgloss.Color(t.Foreground)),
		muted:    lipgloss.NewStyle().Foreground(lipgloss.Color(t.Muted)),
		accent:   lipgloss.NewStyle().Foreground(lipgloss.Color(t.Accent)).Bold(true),
		own:      lipgloss.NewStyle().Foreground(lipgloss.Color(t.Own)).Bold(true),
		other:    lipgloss.NewStyle().Foreground(lipgloss.Color(t.Other)).Bold(true),
		badge:    lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color(t.Unread)).Bold(true),
		online:   lipgloss.NewStyle().Foreground(lipgloss.Color(t.Online)),
		pending:  lipgloss.NewStyle().Foreground(lipgloss.Color(t.Pending)).Italic(true),
		failed:   lipgloss.NewStyle().Foreground(lipgloss.Color(t.Failed)).Bold(true),
		banner:   lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color(t.Banner)).Bold(true),
		selected: lipgloss.NewStyle().Background(lipgloss.Color(t.Selected)),
		active:   pane.BorderForeground(lipgloss.Color(t.ActivePane)),
		idle:     pane.BorderForeground(lipgloss.Color(t.IdlePane)),
	}
}
