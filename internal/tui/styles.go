package tui

import "github.com/charmbracelet/lipgloss"

// palette names colors by what they mean in a review, not by hue.
type palette struct {
	text, muted, frame, surface lipgloss.Color

	added, removed, hunk, title lipgloss.Color

	shelved, submitted, unknown lipgloss.Color
	accent                      lipgloss.Color
}

var darkPalette = palette{
	text:      lipgloss.Color("#e6e6e6"),
	muted:     lipgloss.Color("#7a8294"),
	frame:     lipgloss.Color("#3b4252"),
	surface:   lipgloss.Color("#2e3440"),
	added:     lipgloss.Color("#a3be8c"),
	removed:   lipgloss.Color("#bf616a"),
	hunk:      lipgloss.Color("#b48ead"),
	title:     lipgloss.Color("#88c0d0"),
	shelved:   lipgloss.Color("#ebcb8b"),
	submitted: lipgloss.Color("#a3be8c"),
	unknown:   lipgloss.Color("#d08770"),
	accent:    lipgloss.Color("#ebcb8b"),
}

// theme holds every style the browser draws with.
type theme struct {
	panel    lipgloss.Style
	section  lipgloss.Style
	title    lipgloss.Style
	note     lipgloss.Style
	failure  lipgloss.Style
	selected lipgloss.Style

	// changed files by depot action
	fileEdit   lipgloss.Style
	fileAdd    lipgloss.Style
	fileDelete lipgloss.Style

	gutter  lipgloss.Style
	added   lipgloss.Style
	removed lipgloss.Style
	context lipgloss.Style
	hunk    lipgloss.Style

	shelved   lipgloss.Style
	submitted lipgloss.Style
	unknown   lipgloss.Style

	approve lipgloss.Style
	reject  lipgloss.Style
	stale   lipgloss.Style

	bar lipgloss.Style
	key lipgloss.Style
}

func newTheme(p palette) theme {
	fg := func(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }
	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(p.frame).
		Padding(0, 1)

	return theme{
		panel:    panel,
		section:  fg(p.hunk).Bold(true),
		title:    fg(p.title).Bold(true),
		note:     fg(p.muted).Italic(true),
		failure:  fg(p.removed).Bold(true),
		selected: fg(p.text).Background(p.frame).Bold(true),

		fileEdit:   fg(p.text),
		fileAdd:    fg(p.added),
		fileDelete: fg(p.removed).Strikethrough(true),

		gutter:  fg(p.muted).Width(4).Align(lipgloss.Right),
		added:   fg(p.added),
		removed: fg(p.removed),
		context: fg(p.text),
		hunk:    fg(p.hunk).Bold(true),

		shelved:   fg(p.shelved),
		submitted: fg(p.submitted),
		unknown:   fg(p.unknown),

		approve: fg(p.added).Bold(true),
		reject:  fg(p.removed).Bold(true),
		stale:   fg(p.muted).Faint(true),

		bar: fg(p.text).Background(p.surface).Padding(0, 1),
		key: fg(p.accent),
	}
}

var th = newTheme(darkPalette)
