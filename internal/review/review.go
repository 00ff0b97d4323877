// Package review implements the review versioning and approval engine:
// the Review aggregate, its version ledger, participant votes, schema
// upgrades of stored records, and the approval state machine including
// commit.
package review

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/sprite-ai/p4review/internal/model"
)

// DefaultType is the type of reviews created without an explicit type.
const DefaultType = "default"

// Review is the aggregate root. Setters validate before mutating; a
// setter that returns an error leaves the review unchanged.
type Review struct {
	id            int
	typ           string
	author        string
	changes       []int
	commits       []int
	participants  map[string]Participant
	versions      []Version
	state         model.State
	testStatus    string
	testDetails   map[string]any
	deployStatus  string
	deployDetails map[string]any
	commitStatus  map[string]any
	description   string
	projects      map[string][]string
	token         string
	// legacyAssigned counts as a reviewer for records migrated from an
	// assigned flag that named nobody.
	legacyAssigned bool
	upgrade        int
	created        time.Time
	updated        time.Time

	// storeVersion is the record store version read at fetch.
	storeVersion int64
}

// New returns an unsaved review in the initial state.
func New(author, description string) *Review {
	r := &Review{
		typ:          DefaultType,
		author:       author,
		description:  description,
		state:        model.StateNeedsReview,
		participants: map[string]Participant{},
		upgrade:      UpgradeLevel,
	}
	r.ensureAuthor()
	return r
}

func (r *Review) ID() int              { return r.id }
func (r *Review) Type() string         { return r.typ }
func (r *Review) Author() string       { return r.author }
func (r *Review) Description() string  { return r.description }
func (r *Review) State() model.State   { return r.state }
func (r *Review) TestStatus() string   { return r.testStatus }
func (r *Review) DeployStatus() string { return r.deployStatus }
func (r *Review) Upgrade() int         { return r.upgrade }
func (r *Review) Created() time.Time   { return r.created }
func (r *Review) Updated() time.Time   { return r.updated }
func (r *Review) TestDetails() map[string]any {
	return cloneMap(r.testDetails)
}
func (r *Review) DeployDetails() map[string]any {
	return cloneMap(r.deployDetails)
}

// Changes returns every changelist id associated with the review.
func (r *Review) Changes() []int { return append([]int(nil), r.changes...) }

// Commits returns the submitted changelist ids, in the order recorded.
func (r *Review) Commits() []int { return append([]int(nil), r.commits...) }

// Projects returns project id -> branches.
func (r *Review) Projects() map[string][]string {
	out := make(map[string][]string, len(r.projects))
	for k, v := range r.projects {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// IsPending reports whether the latest version is still an open shelf.
func (r *Review) IsPending() bool {
	if len(r.versions) == 0 {
		return false
	}
	return r.versions[len(r.versions)-1].Pending
}

// SetType sets the review type. Only allowed before the first save.
func (r *Review) SetType(t string) error {
	if t == "" {
		return invalid(ErrInvalidArgument, "type must not be empty")
	}
	if r.id != 0 {
		return invalid(ErrInvalidArgument, "type is fixed once the review is saved")
	}
	r.typ = t
	return nil
}

// SetAuthor changes the author, who is always a participant.
func (r *Review) SetAuthor(user string) error {
	if user == "" {
		return invalid(ErrInvalidArgument, "author must not be empty")
	}
	r.author = user
	r.ensureAuthor()
	return nil
}

func (r *Review) SetDescription(d string) { r.description = d }

func (r *Review) SetTestStatus(status string, details map[string]any) {
	r.testStatus = status
	r.testDetails = cloneMap(details)
}

func (r *Review) SetDeployStatus(status string, details map[string]any) {
	r.deployStatus = status
	r.deployDetails = cloneMap(details)
}

// SetProjects replaces the project -> branches mapping.
func (r *Review) SetProjects(projects map[string][]string) error {
	for id := range projects {
		if id == "" {
			return invalid(ErrInvalidArgument, "empty project id")
		}
	}
	r.projects = map[string][]string{}
	for k, v := range projects {
		r.projects[k] = append([]string(nil), v...)
	}
	return nil
}

// AddChange associates a changelist with the review. Duplicates are ignored.
func (r *Review) AddChange(id int) error {
	if id <= 0 {
		return invalid(ErrInvalidArgument, "invalid change id %d", id)
	}
	r.changes = appendUnique(r.changes, id)
	return nil
}

// AddCommit records a submitted changelist; it is also added to Changes.
func (r *Review) AddCommit(id int) error {
	if err := r.AddChange(id); err != nil {
		return err
	}
	r.commits = appendUnique(r.commits, id)
	return nil
}

// SetCommitStatus records progress of an in-flight commit.
func (r *Review) SetCommitStatus(status map[string]any) {
	r.commitStatus = cloneMap(status)
}

// CommitStatus returns the commit progress slot. It reports empty once the
// change it refers to, by original or renumbered id, has been recorded.
func (r *Review) CommitStatus() map[string]any {
	if len(r.commitStatus) == 0 {
		return map[string]any{}
	}
	if change, ok := toInt(r.commitStatus["change"]); ok && r.hasCommit(change) {
		return map[string]any{}
	}
	return cloneMap(r.commitStatus)
}

func (r *Review) hasCommit(change int) bool {
	for _, c := range r.commits {
		if c == change {
			return true
		}
	}
	for _, v := range r.versions {
		if !v.Pending && (v.Change == change || v.OriginalChange == change) {
			return true
		}
	}
	return false
}

// SetState moves the review to s, which must be a registered state.
func (r *Review) SetState(s model.State) error {
	if !s.IsValid() {
		return invalid(ErrInvalidState, "%q", s)
	}
	r.state = s
	return nil
}

// ToArray renders the review for API output. The token is never included.
// When fields is non-empty only those keys are returned.
func (r *Review) ToArray(fields ...string) map[string]any {
	rec := r.toRecord()
	rec.Token = ""
	data, err := json.Marshal(rec)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	delete(out, "token")
	out["stateLabel"] = r.state.Label()
	out["commitStatus"] = r.CommitStatus()

	if len(fields) == 0 {
		return out
	}
	projected := make(map[string]any, len(fields))
	for _, f := range fields {
		if f == "token" {
			continue
		}
		if v, ok := out[f]; ok {
			projected[f] = v
		}
	}
	return projected
}

func (r *Review) ensureAuthor() {
	if r.author == "" {
		return
	}
	if r.participants == nil {
		r.participants = map[string]Participant{}
	}
	if _, ok := r.participants[r.author]; !ok {
		r.participants[r.author] = Participant{}
	}
}

func appendUnique(ids []int, id int) []int {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// toInt converts loosely typed decoded JSON numbers and strings.
func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		var n int
		if err := json.Unmarshal([]byte(t), &n); err != nil {
			return 0, false
		}
		return n, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
