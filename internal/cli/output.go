package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/sprite-ai/p4review/internal/diff"
	"github.com/sprite-ai/p4review/internal/model"
	"github.com/sprite-ai/p4review/internal/review"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8be9fd"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272a4"))
	upStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#50fa7b"))
	downStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5555"))
	staleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272a4"))
	addedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#50fa7b"))
	deletedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5555"))
	hunkStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#bd93f9"))
)

// reviewJSON is ToArray plus computed votes unless a projection is asked for.
func reviewJSON(rv *review.Review, fields []string) map[string]any {
	out := rv.ToArray(fields...)
	if len(fields) == 0 {
		out["votes"] = rv.Votes()
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReview(w io.Writer, rv *review.Review) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Review %d", rv.ID())))
	field := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-13s", label+":")), value)
	}
	field("Author", rv.Author())
	field("State", fmt.Sprintf("%s (%s)", rv.State().Label(), rv.State()))
	if desc := strings.TrimSpace(rv.Description()); desc != "" {
		field("Description", strings.SplitN(desc, "\n", 2)[0])
	}
	field("Changes", joinInts(rv.Changes()))
	if commits := rv.Commits(); len(commits) > 0 {
		field("Commits", joinInts(commits))
	}
	if status := rv.CommitStatus(); len(status) > 0 {
		field("Committing", fmt.Sprintf("%v", status["change"]))
	}
	field("Pending", fmt.Sprintf("%t", rv.IsPending()))

	participants := rv.Participants()
	var names []string
	for _, id := range rv.ParticipantIDs() {
		if participants[id].Required {
			id += "*"
		}
		names = append(names, id)
	}
	field("Participants", strings.Join(names, ", "))

	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render("Versions"))
	for i, v := range rv.Versions() {
		kind := "committed"
		if v.Pending {
			kind = "shelved"
		}
		line := fmt.Sprintf("  v%-3d @%-8d %-10s %-9s %-7s %s", i+1, v.Change, v.User, kind, v.Difference, formatTime(v.Time))
		if v.ArchiveChange != 0 {
			line += fmt.Sprintf("  archive @%d", v.ArchiveChange)
		}
		if v.OriginalChange != 0 {
			line += fmt.Sprintf("  (was @%d)", v.OriginalChange)
		}
		if v.Stream != "" {
			line += "  " + v.Stream
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render("Votes"))
	votes := rv.Votes()
	if len(votes) == 0 {
		fmt.Fprintln(w, "  none")
	}
	for _, user := range rv.Voters() {
		fmt.Fprintln(w, "  "+formatVote(user, votes[user]))
	}
	if len(rv.RequiredReviewers()) > 0 {
		fmt.Fprintf(w, "  quorum met: %t\n", rv.QuorumMet())
	}
}

func formatVote(user string, v review.Vote) string {
	text := user + " +1"
	style := upStyle
	if v.Value == model.VoteDown {
		text, style = user+" -1", downStyle
	}
	if v.IsStale {
		return staleStyle.Render(fmt.Sprintf("%s (stale, voted on v%d)", text, v.Version))
	}
	return style.Render(fmt.Sprintf("%s (v%d)", text, v.Version))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}

func printStat(w io.Writer, ds *diff.DiffSet) {
	files, added, deleted := ds.Stats()
	fmt.Fprintf(w, "%d file(s) changed, %d insertions(+), %d deletions(-)\n\n", files, added, deleted)
	for _, f := range ds.Files {
		status := "M"
		if f.IsNew {
			status = "A"
		} else if f.IsDeleted {
			status = "D"
		} else if f.IsRenamed {
			status = "R"
		}
		fmt.Fprintf(w, "  %s %-50s +%-4d -%d\n", status, f.DepotPath(), f.AddedLines, f.DeletedLines)
	}
}

// printDiff writes the raw diff with added, deleted and hunk lines colored.
func printDiff(w io.Writer, ds *diff.DiffSet) {
	for _, line := range strings.SplitAfter(ds.Raw, "\n") {
		text := strings.TrimSuffix(line, "\n")
		switch {
		case text == "":
			if line != "" {
				fmt.Fprintln(w)
			}
			continue
		case strings.HasPrefix(text, "+++"), strings.HasPrefix(text, "---"):
			text = headerStyle.Render(text)
		case strings.HasPrefix(text, "+"):
			text = addedStyle.Render(text)
		case strings.HasPrefix(text, "-"):
			text = deletedStyle.Render(text)
		case strings.HasPrefix(text, "@@"):
			text = hunkStyle.Render(text)
		}
		fmt.Fprintln(w, text)
	}
}

func printReviewList(w io.Writer, reviews []*review.Review) {
	sort.Slice(reviews, func(i, j int) bool { return reviews[i].ID() > reviews[j].ID() })
	for _, rv := range reviews {
		desc := strings.SplitN(strings.TrimSpace(rv.Description()), "\n", 2)[0]
		fmt.Fprintf(w, "%-8d %-12s %-15s v%-3d %s\n", rv.ID(), rv.Author(), rv.State(), len(rv.Versions()), desc)
	}
}
