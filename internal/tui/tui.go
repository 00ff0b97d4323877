// Package tui implements the Bubble Tea review browser: a review's
// versions and votes on the left, the diff between two versions on the right.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sprite-ai/p4review/internal/diff"
	"github.com/sprite-ai/p4review/internal/review"
)

// DiffLoader returns the diff between two 1-based versions; version 0 is
// the depot content the review is based on.
type DiffLoader func(from, to int) (*diff.DiffSet, error)

type diffLoadedMsg struct {
	from, to int
	ds       *diff.DiffSet
	err      error
}

// Model is the top-level Bubble Tea model for the review browser.
type Model struct {
	review   *review.Review
	versions []review.Version
	load     DiffLoader

	// Selected comparison. to is 1-based; from is to-1 or 0 against base.
	to          int
	againstBase bool

	diffSet *diff.DiffSet
	loadErr error
	loading bool

	// UI state
	width  int
	height int

	fileIndex    int
	scrollOffset int
	viewHeight   int
	lines        []diffRow

	splitView bool
	showHelp  bool
}

// New creates a browser for rv starting at its latest version.
func New(rv *review.Review, load DiffLoader) Model {
	versions := rv.Versions()
	return Model{
		review:   rv,
		versions: versions,
		load:     load,
		to:       len(versions),
	}
}

func (m Model) from() int {
	if m.againstBase || m.to == 0 {
		return 0
	}
	return m.to - 1
}

func (m Model) files() []*diff.File {
	if m.diffSet == nil {
		return nil
	}
	return m.diffSet.Files
}

func (m *Model) updateLines() {
	files := m.files()
	if len(files) == 0 {
		m.lines = nil
		return
	}
	m.lines = buildRows(files[m.fileIndex])
}

// loadDiff fetches the diff for the current selection.
func (m *Model) loadDiff() tea.Cmd {
	if m.to == 0 || m.load == nil {
		return nil
	}
	m.loading = true
	from, to, load := m.from(), m.to, m.load
	return func() tea.Msg {
		ds, err := load(from, to)
		return diffLoadedMsg{from: from, to: to, ds: ds, err: err}
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.loadDiff()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewHeight = m.height - 4 // status bar + help bar + borders
		return m, nil

	case diffLoadedMsg:
		// A reply for a selection the user has already moved away from.
		if msg.to != m.to || msg.from != m.from() {
			return m, nil
		}
		m.loading = false
		m.diffSet, m.loadErr = msg.ds, msg.err
		m.fileIndex, m.scrollOffset = 0, 0
		m.updateLines()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, keys.Down):
			if m.scrollOffset < len(m.lines)-1 {
				m.scrollOffset++
			}

		case key.Matches(msg, keys.Up):
			if m.scrollOffset > 0 {
				m.scrollOffset--
			}

		case key.Matches(msg, keys.NextFile):
			if m.fileIndex < len(m.files())-1 {
				m.fileIndex++
				m.scrollOffset = 0
				m.updateLines()
			}

		case key.Matches(msg, keys.PrevFile):
			if m.fileIndex > 0 {
				m.fileIndex--
				m.scrollOffset = 0
				m.updateLines()
			}

		case key.Matches(msg, keys.NextHunk):
			m.jumpToNextHunk()

		case key.Matches(msg, keys.PrevHunk):
			m.jumpToPrevHunk()

		case key.Matches(msg, keys.PrevVersion):
			if m.to > 1 {
				m.to--
				cmd := m.loadDiff()
				return m, cmd
			}

		case key.Matches(msg, keys.NextVersion):
			if m.to < len(m.versions) {
				m.to++
				cmd := m.loadDiff()
				return m, cmd
			}

		case key.Matches(msg, keys.Base):
			if m.to > 1 {
				m.againstBase = !m.againstBase
				cmd := m.loadDiff()
				return m, cmd
			}

		case key.Matches(msg, keys.Toggle):
			m.splitView = !m.splitView

		case key.Matches(msg, keys.Help):
			m.showHelp = !m.showHelp
		}
	}

	return m, nil
}

func (m *Model) jumpToNextHunk() {
	for i := m.scrollOffset + 1; i < len(m.lines); i++ {
		if m.lines[i].kind == rowHunk {
			m.scrollOffset = i
			return
		}
	}
}

func (m *Model) jumpToPrevHunk() {
	for i := m.scrollOffset - 1; i >= 0; i-- {
		if m.lines[i].kind == rowHunk {
			m.scrollOffset = i
			return
		}
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	if m.showHelp {
		return m.renderHelp()
	}

	sideWidth := m.sideWidth()
	diffWidth := m.width - sideWidth - 1

	side := m.renderSide(sideWidth, m.height-2)
	diffView := m.renderDiffView(diffWidth, m.height-2)

	main := lipgloss.JoinHorizontal(lipgloss.Top, side, " ", diffView)
	return lipgloss.JoinVertical(lipgloss.Left, main, m.renderStatusBar())
}

func (m Model) sideWidth() int {
	maxLen := 24
	for i, v := range m.versions {
		if n := len(versionLabel(i+1, v)); n > maxLen {
			maxLen = n
		}
	}
	for _, f := range m.files() {
		if n := len(f.Name()) + 16; n > maxLen {
			maxLen = n
		}
	}
	w := maxLen + 4
	if w > m.width/3 {
		w = m.width / 3
	}
	if w < 24 {
		w = 24
	}
	return w
}

// renderSide stacks versions, votes and the changed files of the selection.
func (m Model) renderSide(width, height int) string {
	inner := width - 4
	var b strings.Builder

	b.WriteString(th.section.Render("Versions"))
	b.WriteByte('\n')
	if len(m.versions) == 0 {
		b.WriteString(th.note.Render("No versions"))
		b.WriteByte('\n')
	}
	for i, v := range m.versions {
		b.WriteString(styleVersion(i+1, v, i+1 == m.to, inner))
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	b.WriteString(th.section.Render("Votes"))
	b.WriteByte('\n')
	votes := m.review.Votes()
	if len(votes) == 0 {
		b.WriteString(th.note.Render("none"))
		b.WriteByte('\n')
	}
	for _, user := range m.review.Voters() {
		b.WriteString(styleVote(user, votes[user], inner))
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	b.WriteString(th.section.Render("Files"))
	for i, f := range m.files() {
		b.WriteByte('\n')
		b.WriteString(styleFile(f, i == m.fileIndex, inner))
	}

	return th.panel.Width(width).Height(height - 2).Render(b.String())
}

func (m Model) renderDiffView(width, height int) string {
	innerHeight := height - 2
	switch {
	case m.to == 0:
		return th.panel.Width(width).Height(innerHeight).Render("No versions")
	case m.loadErr != nil:
		return th.panel.Width(width).Height(innerHeight).Render(th.failure.Render("diff: " + m.loadErr.Error()))
	case m.loading && m.diffSet == nil:
		return th.panel.Width(width).Height(innerHeight).Render("Loading diff...")
	case len(m.files()) == 0:
		return th.panel.Width(width).Height(innerHeight).Render("No changes")
	}

	f := m.files()[m.fileIndex]
	innerWidth := width - 4 // borders + padding

	header := th.title.Render(diffHeader(f, m.from(), m.to, m.review.Votes()))

	visibleLines := innerHeight - 2 // header takes some space
	if visibleLines < 1 {
		visibleLines = 1
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteByte('\n')

	if m.splitView {
		m.renderSplitDiff(&b, innerWidth, visibleLines)
	} else {
		m.renderUnifiedDiff(&b, innerWidth, visibleLines)
	}

	return th.panel.Width(width).Height(innerHeight).Render(b.String())
}

func (m Model) renderUnifiedDiff(b *strings.Builder, width, visibleLines int) {
	end := m.scrollOffset + visibleLines
	if end > len(m.lines) {
		end = len(m.lines)
	}

	for i := m.scrollOffset; i < end; i++ {
		b.WriteString(m.lines[i].unified(width))
		if i < end-1 {
			b.WriteByte('\n')
		}
	}
}

func (m Model) renderSplitDiff(b *strings.Builder, width, visibleLines int) {
	halfWidth := (width - 3) / 2 // -3 for separator

	end := m.scrollOffset + visibleLines
	if end > len(m.lines) {
		end = len(m.lines)
	}

	for i := m.scrollOffset; i < end; i++ {
		left, right := m.lines[i].split(halfWidth)
		b.WriteString(left)
		b.WriteString(" │ ")
		b.WriteString(right)
		if i < end-1 {
			b.WriteByte('\n')
		}
	}
}

func (m Model) renderStatusBar() string {
	left := fmt.Sprintf(" Review %d  %s  %s", m.review.ID(), m.review.Author(), m.review.State().Label())
	if m.to > 0 {
		left += fmt.Sprintf("  v%d→v%d", m.from(), m.to)
	}
	if files := m.files(); len(files) > 0 {
		left += fmt.Sprintf("  File %d/%d", m.fileIndex+1, len(files))
	}
	if len(m.lines) > 0 {
		left += fmt.Sprintf("  Line %d/%d", m.scrollOffset+1, len(m.lines))
	}

	mode := "unified"
	if m.splitView {
		mode = "split"
	}
	var added, deleted int
	if m.diffSet != nil {
		_, added, deleted = m.diffSet.Stats()
	}
	right := fmt.Sprintf("+%d -%d  %s  ? help ", added, deleted, mode)

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}

	return th.bar.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}

func (m Model) renderHelp() string {
	var b strings.Builder

	b.WriteString(th.title.Render("p4review: Keyboard Shortcuts"))
	b.WriteString("\n\n")

	helpItems := []struct{ key, desc string }{
		{"↑/k", "Scroll up"},
		{"↓/j", "Scroll down"},
		{"n/Tab", "Next file"},
		{"N/S-Tab", "Previous file"},
		{"]", "Next hunk"},
		{"[", "Previous hunk"},
		{"</,", "Older version"},
		{">/.", "Newer version"},
		{"b", "Toggle diff against depot base"},
		{"v", "Toggle unified/split view"},
		{"?", "Toggle this help"},
		{"q", "Quit"},
	}

	for _, item := range helpItems {
		b.WriteString(fmt.Sprintf("  %s  %s\n",
			th.key.Width(12).Render(item.key),
			item.desc,
		))
	}

	b.WriteString("\n")
	b.WriteString(th.note.Render("Press ? to close help"))

	return b.String()
}

// Run starts the browser for rv.
func Run(rv *review.Review, load DiffLoader) error {
	p := tea.NewProgram(New(rv, load), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
