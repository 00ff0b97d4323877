// Package model defines the small value types shared across p4review.
package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// State is the approval state of a review. The set is open: RegisterState
// adds custom states on top of the built-in ones.
type State string

const (
	StateNeedsReview   State = "needsReview"
	StateNeedsRevision State = "needsRevision"
	StateApproved      State = "approved"
	StateArchived      State = "archived"
	StateRejected      State = "rejected"
)

var (
	statesMu sync.RWMutex
	states   = map[State]string{
		StateNeedsReview:   "Needs Review",
		StateNeedsRevision: "Needs Revision",
		StateApproved:      "Approved",
		StateArchived:      "Archived",
		StateRejected:      "Rejected",
	}
)

// RegisterState makes s a recognized state with the given display label.
func RegisterState(s State, label string) {
	statesMu.Lock()
	defer statesMu.Unlock()
	states[s] = label
}

// States returns every recognized state, sorted.
func States() []State {
	statesMu.RLock()
	defer statesMu.RUnlock()
	out := make([]State, 0, len(states))
	for s := range states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsValid reports whether s is a recognized state.
func (s State) IsValid() bool {
	statesMu.RLock()
	defer statesMu.RUnlock()
	_, ok := states[s]
	return ok
}

// Label returns the human readable label, or the raw value for unknown states.
func (s State) Label() string {
	statesMu.RLock()
	defer statesMu.RUnlock()
	if label, ok := states[s]; ok {
		return label
	}
	return string(s)
}

// Difference tells how a version's content relates to the version before it.
// Zero means identical. Positive markers only compare against each other;
// their magnitude carries no meaning. Unknown means the comparison could
// not be made and is treated as a change.
type Difference struct {
	marker  int
	unknown bool
}

// Identical is the difference of a version with the same content as its predecessor.
var Identical = Difference{}

// UnknownDifference is recorded when content could not be compared.
var UnknownDifference = Difference{unknown: true}

// Changed returns a change marker. Markers below 1 are clamped to 1.
func Changed(marker int) Difference {
	if marker < 1 {
		marker = 1
	}
	return Difference{marker: marker}
}

// IsChange reports whether the difference invalidates earlier votes.
func (d Difference) IsChange() bool { return d.unknown || d.marker != 0 }

// IsUnknown reports whether the comparison could not be made.
func (d Difference) IsUnknown() bool { return d.unknown }

// Marker returns the numeric marker; unknown differences report 0.
func (d Difference) Marker() int {
	if d.unknown {
		return 0
	}
	return d.marker
}

func (d Difference) String() string {
	if d.unknown {
		return "unknown"
	}
	return strconv.Itoa(d.marker)
}

// MarshalJSON encodes the difference as an integer or the string "unknown".
func (d Difference) MarshalJSON() ([]byte, error) {
	if d.unknown {
		return []byte(`"unknown"`), nil
	}
	return []byte(strconv.Itoa(d.marker)), nil
}

// UnmarshalJSON accepts integers, numeric strings, booleans and "unknown";
// legacy records stored all of those.
func (d *Difference) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseDifference(v)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDifference converts a loosely typed stored value into a Difference.
func ParseDifference(v any) (Difference, error) {
	switch t := v.(type) {
	case nil:
		return Identical, nil
	case bool:
		if t {
			return Changed(1), nil
		}
		return Identical, nil
	case float64:
		return Difference{marker: int(t)}, nil
	case int:
		return Difference{marker: t}, nil
	case string:
		if t == "unknown" {
			return UnknownDifference, nil
		}
		n, err := strconv.Atoi(t)
		if err != nil {
			return Difference{}, fmt.Errorf("invalid difference %q", t)
		}
		return Difference{marker: n}, nil
	default:
		return Difference{}, fmt.Errorf("invalid difference %v", v)
	}
}

// VoteValue is an up (+1) or down (-1) vote.
type VoteValue int

const (
	VoteDown VoteValue = -1
	VoteUp   VoteValue = 1
)

// NormalizeVote converts a loosely typed vote into VoteUp or VoteDown.
// Anything else, zero included, is rejected.
func NormalizeVote(v any) (VoteValue, bool) {
	var n float64
	switch t := v.(type) {
	case VoteValue:
		n = float64(t)
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	case float64:
		n = t
	case string:
		switch t {
		case "up", "+1", "1":
			return VoteUp, true
		case "down", "-1":
			return VoteDown, true
		}
		return 0, false
	default:
		return 0, false
	}
	switch n {
	case 1:
		return VoteUp, true
	case -1:
		return VoteDown, true
	}
	return 0, false
}

func (v VoteValue) String() string {
	switch v {
	case VoteUp:
		return "up"
	case VoteDown:
		return "down"
	default:
		return "none"
	}
}
