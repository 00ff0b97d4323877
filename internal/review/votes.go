package review

import (
	"encoding/json"
	"sort"

	"github.com/sprite-ai/p4review/internal/model"
)

// StoredVote is the persisted part of a vote.
type StoredVote struct {
	Value   model.VoteValue `json:"value"`
	Version int             `json:"version"`
}

// Vote is a participant's vote with its staleness computed against the
// review's current versions.
type Vote struct {
	Value   model.VoteValue `json:"value"`
	Version int             `json:"version"`
	IsStale bool            `json:"isStale"`
}

// Participant is the per-user data bag. Keys other than required and vote
// are kept in Extra and round-trip untouched.
type Participant struct {
	Required bool
	Vote     *StoredVote
	Extra    map[string]any
}

func (p Participant) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+2)
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.Required {
		out["required"] = true
	}
	if p.Vote != nil {
		out["vote"] = p.Vote
	}
	return json.Marshal(out)
}

func (p *Participant) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Participant{}
	for k, v := range raw {
		switch k {
		case "required":
			p.Required, _ = v.(bool)
		case "vote":
			if vote, ok := parseStoredVote(v); ok {
				p.Vote = &vote
			}
		default:
			if p.Extra == nil {
				p.Extra = map[string]any{}
			}
			p.Extra[k] = v
		}
	}
	return nil
}

func parseStoredVote(v any) (StoredVote, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return StoredVote{}, false
	}
	value, ok := model.NormalizeVote(m["value"])
	if !ok {
		return StoredVote{}, false
	}
	version, _ := toInt(m["version"])
	return StoredVote{Value: value, Version: version}, true
}

func (p Participant) clone() Participant {
	out := Participant{Required: p.Required}
	if p.Vote != nil {
		v := *p.Vote
		out.Vote = &v
	}
	if p.Extra != nil {
		out.Extra = cloneMap(p.Extra)
	}
	return out
}

// Participants returns a copy of the participant map.
func (r *Review) Participants() map[string]Participant {
	out := make(map[string]Participant, len(r.participants))
	for user, p := range r.participants {
		out[user] = p.clone()
	}
	return out
}

// ParticipantIDs returns participant user ids, sorted.
func (r *Review) ParticipantIDs() []string {
	return sortedKeys(r.participants)
}

// AddParticipants adds users with no attributes. Existing entries are kept.
func (r *Review) AddParticipants(users ...string) error {
	for _, u := range users {
		if u == "" {
			return invalid(ErrInvalidArgument, "empty participant id")
		}
	}
	for _, u := range users {
		if _, ok := r.participants[u]; !ok {
			r.participants[u] = Participant{}
		}
	}
	return nil
}

// AddParticipant merges attrs into user's entry, creating it if needed.
// The "required" attribute must be a bool; votes go through SetVote.
func (r *Review) AddParticipant(user string, attrs map[string]any) error {
	if user == "" {
		return invalid(ErrInvalidArgument, "empty participant id")
	}
	if v, ok := attrs["required"]; ok {
		if _, isBool := v.(bool); !isBool {
			return invalid(ErrInvalidArgument, "required must be a bool, got %T", v)
		}
	}
	if _, ok := attrs["vote"]; ok {
		return invalid(ErrInvalidArgument, "votes must be set with SetVote")
	}

	p := r.participants[user].clone()
	for k, v := range attrs {
		if k == "required" {
			p.Required = v.(bool)
			continue
		}
		if p.Extra == nil {
			p.Extra = map[string]any{}
		}
		p.Extra[k] = v
	}
	r.participants[user] = p
	return nil
}

// RemoveParticipant drops a user. The author cannot be removed.
func (r *Review) RemoveParticipant(user string) error {
	if user == r.author {
		return invalid(ErrInvalidArgument, "cannot remove the author %q", user)
	}
	delete(r.participants, user)
	return nil
}

// HasReviewer reports whether anyone other than the author participates,
// or the record was migrated with a reviewer assigned.
func (r *Review) HasReviewer() bool {
	if r.legacyAssigned {
		return true
	}
	for user := range r.participants {
		if user != r.author {
			return true
		}
	}
	return false
}

// RequiredReviewers returns participants flagged as required, sorted.
func (r *Review) RequiredReviewers() []string {
	var out []string
	for _, user := range sortedKeys(r.participants) {
		if r.participants[user].Required {
			out = append(out, user)
		}
	}
	return out
}

// QuorumMet reports whether every required reviewer has a current up vote.
func (r *Review) QuorumMet() bool {
	votes := r.Votes()
	for _, user := range r.RequiredReviewers() {
		v, ok := votes[user]
		if !ok || v.Value != model.VoteUp || v.IsStale {
			return false
		}
	}
	return true
}

// SetVote records user's vote against the latest version.
func (r *Review) SetVote(user string, value any) error {
	return r.SetVoteAt(user, value, len(r.versions))
}

// SetVoteAt records user's vote against a specific 1-based version.
func (r *Review) SetVoteAt(user string, value any, version int) error {
	if user == "" {
		return invalid(ErrInvalidArgument, "empty voter id")
	}
	v, ok := model.NormalizeVote(value)
	if !ok {
		return invalid(ErrInvalidVote, "%v", value)
	}
	if version < 0 || version > len(r.versions) {
		return invalid(ErrInvalidArgument, "version %d out of range 0..%d", version, len(r.versions))
	}
	p := r.participants[user].clone()
	p.Vote = &StoredVote{Value: v, Version: version}
	r.participants[user] = p
	return nil
}

// SetVotes replaces all votes. Entries that do not normalize to an up or
// down vote are dropped.
func (r *Review) SetVotes(votes map[string]any) {
	for user, p := range r.participants {
		if p.Vote != nil {
			p = p.clone()
			p.Vote = nil
			r.participants[user] = p
		}
	}
	for _, user := range sortedKeys(votes) {
		_ = r.SetVote(user, votes[user])
	}
}

// ClearVote removes user's vote; the user stays a participant.
func (r *Review) ClearVote(user string) {
	p, ok := r.participants[user]
	if !ok || p.Vote == nil {
		return
	}
	p = p.clone()
	p.Vote = nil
	r.participants[user] = p
}

// Votes returns every vote with staleness computed.
func (r *Review) Votes() map[string]Vote {
	out := map[string]Vote{}
	for user, p := range r.participants {
		if p.Vote == nil {
			continue
		}
		out[user] = Vote{Value: p.Vote.Value, Version: p.Vote.Version, IsStale: r.isStale(p.Vote.Version)}
	}
	return out
}

func (r *Review) UpVotes() map[string]Vote   { return r.filterVotes(model.VoteUp) }
func (r *Review) DownVotes() map[string]Vote { return r.filterVotes(model.VoteDown) }

func (r *Review) filterVotes(value model.VoteValue) map[string]Vote {
	out := map[string]Vote{}
	for user, v := range r.Votes() {
		if v.Value == value {
			out[user] = v
		}
	}
	return out
}

// isStale reports whether some version after version changed content.
func (r *Review) isStale(version int) bool {
	for w := version + 1; w <= len(r.versions); w++ {
		if w < 1 {
			continue
		}
		if r.versions[w-1].Difference.IsChange() {
			return true
		}
	}
	return false
}

// Voters returns the users who have voted, sorted.
func (r *Review) Voters() []string {
	votes := r.Votes()
	users := make([]string, 0, len(votes))
	for u := range votes {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
