package tui

import (
	"fmt"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/charmbracelet/lipgloss"

	"github.com/sprite-ai/p4review/internal/diff"
	"github.com/sprite-ai/p4review/internal/model"
	"github.com/sprite-ai/p4review/internal/review"
)

type rowKind int

const (
	rowLine rowKind = iota
	rowHunk
	rowGap
	rowNote
)

// diffRow is one display row of a file diff. old and new are 1-based line
// numbers, zero when the row has no line on that side.
type diffRow struct {
	kind     rowKind
	op       gitdiff.LineOp
	old, new int
	text     string
	tokens   []diff.Token
}

// buildRows lays out f as hunk headers and numbered lines.
func buildRows(f *diff.File) []diffRow {
	if f.IsBinary {
		return []diffRow{{kind: rowNote, text: "binary content differs"}}
	}
	if len(f.Fragments) == 0 {
		return []diffRow{{kind: rowNote, text: fileAction(f) + " without content changes"}}
	}

	var text []string
	for _, frag := range f.Fragments {
		for _, l := range frag.Lines {
			text = append(text, strings.TrimRight(l.Line, "\r\n"))
		}
	}
	colored := diff.HighlightLines(f.Name(), text)

	rows := make([]diffRow, 0, len(text)+2*len(f.Fragments))
	next := 0
	for i, frag := range f.Fragments {
		if i > 0 {
			rows = append(rows, diffRow{kind: rowGap})
		}
		rows = append(rows, diffRow{kind: rowHunk, text: hunkTitle(frag)})

		oldNo, newNo := int(frag.OldPosition), int(frag.NewPosition)
		for _, l := range frag.Lines {
			r := diffRow{op: l.Op, text: text[next], tokens: colored[next].Tokens}
			next++
			if l.Op != gitdiff.OpAdd {
				r.old = oldNo
				oldNo++
			}
			if l.Op != gitdiff.OpDelete {
				r.new = newNo
				newNo++
			}
			rows = append(rows, r)
		}
	}
	return rows
}

// hunkTitle formats a fragment header, omitting counts of one.
func hunkTitle(frag *gitdiff.TextFragment) string {
	span := func(sign string, pos, n int64) string {
		if n == 1 {
			return fmt.Sprintf("%s%d", sign, pos)
		}
		return fmt.Sprintf("%s%d,%d", sign, pos, n)
	}
	title := "@@ " + span("-", frag.OldPosition, frag.OldLines) + " " + span("+", frag.NewPosition, frag.NewLines) + " @@"
	if frag.Comment != "" {
		title += " " + frag.Comment
	}
	return title
}

// fileAction names the depot action a file diff corresponds to.
func fileAction(f *diff.File) string {
	switch {
	case f.IsNew:
		return "add"
	case f.IsDeleted:
		return "delete"
	case f.IsRenamed:
		return "move"
	default:
		return "edit"
	}
}

// diffHeader titles the diff pane: the file, its action, the compared
// versions and how many votes predate the newer one.
func diffHeader(f *diff.File, from, to int, votes map[string]review.Vote) string {
	base := fmt.Sprintf("v%d", from)
	if from == 0 {
		base = "depot"
	}
	h := fmt.Sprintf("%s [%s]  %s → v%d", f.Name(), fileAction(f), base, to)

	var older int
	for _, v := range votes {
		if v.Version != 0 && v.Version < to {
			older++
		}
	}
	switch older {
	case 0:
	case 1:
		h += "  · 1 vote cast on an earlier version"
	default:
		h += fmt.Sprintf("  · %d votes cast on earlier versions", older)
	}
	return h
}

func gutterNum(n int) string {
	if n == 0 {
		return th.gutter.Render("")
	}
	return th.gutter.Render(fmt.Sprint(n))
}

func opSign(op gitdiff.LineOp) string {
	switch op {
	case gitdiff.OpAdd:
		return "+"
	case gitdiff.OpDelete:
		return "-"
	}
	return " "
}

// body draws the row text, syntax coloring context lines only so additions
// and deletions keep their diff color.
func (r diffRow) body(limit int) string {
	sign := opSign(r.op)
	if lipgloss.Width(sign+r.text) > limit {
		line := clip(sign+r.text, limit)
		switch r.op {
		case gitdiff.OpAdd:
			return th.added.Render(line)
		case gitdiff.OpDelete:
			return th.removed.Render(line)
		}
		return th.context.Render(line)
	}

	switch r.op {
	case gitdiff.OpAdd:
		return th.added.Render(sign + r.text)
	case gitdiff.OpDelete:
		return th.removed.Render(sign + r.text)
	}
	if len(r.tokens) == 0 {
		return th.context.Render(sign + r.text)
	}
	var b strings.Builder
	b.WriteString(sign)
	for _, tok := range r.tokens {
		if tok.Color == "" {
			b.WriteString(tok.Text)
			continue
		}
		b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color(tok.Color)).Render(tok.Text))
	}
	return b.String()
}

// unified renders r with old and new line numbers side by side.
func (r diffRow) unified(width int) string {
	switch r.kind {
	case rowHunk:
		return th.hunk.Width(width).Render(r.text)
	case rowGap:
		return ""
	case rowNote:
		return th.note.Render(r.text)
	}
	return gutterNum(r.old) + " " + gutterNum(r.new) + " " + r.body(width-10)
}

// split renders r as a left (old) and right (new) column of half width.
func (r diffRow) split(half int) (left, right string) {
	blank := strings.Repeat(" ", half)
	switch r.kind {
	case rowHunk:
		return th.hunk.Width(half).Render(r.text), ""
	case rowGap:
		return blank, ""
	case rowNote:
		return th.note.Render(r.text), ""
	}

	limit := half - 5
	switch r.op {
	case gitdiff.OpDelete:
		return gutterNum(r.old) + " " + r.body(limit), blank
	case gitdiff.OpAdd:
		return blank, gutterNum(r.new) + " " + r.body(limit)
	}
	ctx := th.context.Render(" " + clip(r.text, limit-1))
	return gutterNum(r.old) + " " + ctx, gutterNum(r.new) + " " + ctx
}

// clip shortens s to at most n display cells, marking the cut.
func clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

// versionLabel is the plain text of a version row, e.g.
// "v2  @5  bob  shelved  changed".
func versionLabel(n int, v review.Version) string {
	kind := "committed"
	if v.Pending {
		kind = "shelved"
	}
	var diffNote string
	switch {
	case v.Difference.IsUnknown():
		diffNote = "unknown"
	case !v.Difference.IsChange():
		diffNote = "same"
	default:
		diffNote = "changed"
	}
	label := fmt.Sprintf("v%d  @%d  %s  %s  %s", n, v.Change, v.User, kind, diffNote)
	if v.OriginalChange != 0 {
		label += fmt.Sprintf("  (was @%d)", v.OriginalChange)
	}
	return label
}

func styleVersion(n int, v review.Version, selected bool, width int) string {
	label := clip(versionLabel(n, v), width)
	style := th.submitted
	switch {
	case selected:
		style = th.selected
	case v.Difference.IsUnknown():
		style = th.unknown
	case v.Pending:
		style = th.shelved
	}
	return style.Width(width).Render(label)
}

// voteLabel renders "bob +1" or "carol -1 (stale @v1)".
func voteLabel(user string, v review.Vote) string {
	value := "+1"
	if v.Value == model.VoteDown {
		value = "-1"
	}
	label := user + " " + value
	if v.IsStale {
		label += fmt.Sprintf(" (stale @v%d)", v.Version)
	}
	return label
}

func styleVote(user string, v review.Vote, width int) string {
	label := clip(voteLabel(user, v), width)
	switch {
	case v.IsStale:
		return th.stale.Render(label)
	case v.Value == model.VoteDown:
		return th.reject.Render(label)
	default:
		return th.approve.Render(label)
	}
}

func styleFile(f *diff.File, selected bool, width int) string {
	name := f.Name()
	room := width - 14
	if room > 0 && len([]rune(name)) > room {
		r := []rune(name)
		name = "…" + string(r[len(r)-room+1:])
	}
	line := fmt.Sprintf("%-*s %-6s +%d -%d", room, name, fileAction(f), f.AddedLines, f.DeletedLines)

	style := th.fileEdit
	switch {
	case selected:
		style = th.selected
	case f.IsNew:
		style = th.fileAdd
	case f.IsDeleted:
		style = th.fileDelete
	}
	return style.Width(width).Render(line)
}
