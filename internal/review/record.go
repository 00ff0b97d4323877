package review

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/sprite-ai/p4review/internal/model"
)

// record is the persisted shape of a review at UpgradeLevel.
type record struct {
	ID            int                    `json:"id"`
	Type          string                 `json:"type"`
	Author        string                 `json:"author"`
	Changes       []int                  `json:"changes"`
	Commits       []int                  `json:"commits"`
	CommitStatus  map[string]any         `json:"commitStatus"`
	Participants  map[string]Participant `json:"participants"`
	Versions      []Version              `json:"versions"`
	State         model.State            `json:"state"`
	TestStatus    string                 `json:"testStatus"`
	TestDetails   map[string]any         `json:"testDetails"`
	DeployStatus  string                 `json:"deployStatus"`
	DeployDetails map[string]any         `json:"deployDetails"`
	Description   string                 `json:"description"`
	Projects      map[string][]string    `json:"projects"`
	Pending       bool                   `json:"pending"`
	HasReviewer   int                    `json:"hasReviewer"`
	// LegacyAssigned marks records migrated with a reviewer assigned but
	// not named.
	LegacyAssigned bool   `json:"legacyAssigned,omitempty"`
	Token          string `json:"token,omitempty"`
	Upgrade        int    `json:"upgrade"`
	Created        int64  `json:"created"`
	Updated        int64  `json:"updated"`
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(secs int64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

func (r *Review) toRecord() record {
	rec := record{
		ID:             r.id,
		Type:           r.typ,
		Author:         r.author,
		Changes:        append([]int{}, r.changes...),
		Commits:        append([]int{}, r.commits...),
		CommitStatus:   cloneMap(r.commitStatus),
		Participants:   r.Participants(),
		Versions:       append([]Version{}, r.versions...),
		State:          r.state,
		TestStatus:     r.testStatus,
		TestDetails:    cloneMap(r.testDetails),
		DeployStatus:   r.deployStatus,
		DeployDetails:  cloneMap(r.deployDetails),
		Description:    r.description,
		Projects:       r.Projects(),
		Pending:        r.IsPending(),
		Token:          r.token,
		LegacyAssigned: r.legacyAssigned,
		Upgrade:        r.upgrade,
		Created:        unixOrZero(r.created),
		Updated:        unixOrZero(r.updated),
	}
	if r.HasReviewer() {
		rec.HasReviewer = 1
	}
	return rec
}

func fromRecord(rec record) *Review {
	r := &Review{
		id:             rec.ID,
		typ:            rec.Type,
		author:         rec.Author,
		changes:        rec.Changes,
		commits:        rec.Commits,
		commitStatus:   rec.CommitStatus,
		participants:   rec.Participants,
		versions:       rec.Versions,
		state:          rec.State,
		testStatus:     rec.TestStatus,
		testDetails:    rec.TestDetails,
		deployStatus:   rec.DeployStatus,
		deployDetails:  rec.DeployDetails,
		description:    rec.Description,
		projects:       rec.Projects,
		token:          rec.Token,
		legacyAssigned: rec.LegacyAssigned,
		upgrade:        rec.Upgrade,
		created:        timeOrZero(rec.Created),
		updated:        timeOrZero(rec.Updated),
	}
	if r.typ == "" {
		r.typ = DefaultType
	}
	if r.state == "" {
		r.state = model.StateNeedsReview
	}
	if r.participants == nil {
		r.participants = map[string]Participant{}
	}
	r.ensureAuthor()
	return r
}

// Index field names.
const (
	FieldKeywords     = "keywords"
	FieldAuthor       = "author"
	FieldParticipants = "participants"
	FieldState        = "state"
	FieldProject      = "project"
	FieldTestStatus   = "testStatus"
	FieldHasReviewer  = "hasReviewer"
	FieldPending      = "pending"
	FieldChange       = "change"
	FieldType         = "type"
)

func boolTerm(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (r *Review) indexFields() map[string][]string {
	fields := map[string][]string{
		FieldKeywords:     Keywords(r.description),
		FieldAuthor:       {r.author},
		FieldParticipants: r.ParticipantIDs(),
		FieldState:        {string(r.state)},
		FieldProject:      sortedKeys(r.projects),
		FieldHasReviewer:  {boolTerm(r.HasReviewer())},
		FieldPending:      {boolTerm(r.IsPending())},
		FieldType:         {r.typ},
	}
	if r.testStatus != "" {
		fields[FieldTestStatus] = []string{r.testStatus}
	}
	var changes []string
	for _, c := range r.changes {
		changes = append(changes, strconv.Itoa(c))
	}
	fields[FieldChange] = changes
	return fields
}

// Keywords splits text into index terms: whitespace, commas and periods
// separate terms, surrounding punctuation is trimmed and terms are
// lowercased. Duplicates are removed; order follows first occurrence.
func Keywords(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == '.'
	})
	seen := map[string]bool{}
	var out []string
	for _, p := range parts {
		term := strings.ToLower(strings.TrimFunc(p, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		}))
		if term == "" || seen[term] {
			continue
		}
		seen[term] = true
		out = append(out, term)
	}
	return out
}
