package review

import (
	"encoding/json"
	"time"

	"github.com/sprite-ai/p4review/internal/model"
)

// Version is one snapshot of a review's content.
type Version struct {
	// Change is the canonical shelf while pending, the commit once submitted.
	Change int
	// ArchiveChange holds an immutable copy of the content; 0 when absent.
	ArchiveChange int
	// OriginalChange is the id a commit had before the server renumbered it.
	OriginalChange int
	User           string
	Time           time.Time
	Pending        bool
	Difference     model.Difference
	// Stream is empty on classic depots.
	Stream string
}

// ContentChange returns the change holding this version's content.
func (v Version) ContentChange() int {
	if v.ArchiveChange != 0 {
		return v.ArchiveChange
	}
	return v.Change
}

type versionJSON struct {
	Change         int              `json:"change"`
	ArchiveChange  int              `json:"archiveChange,omitempty"`
	OriginalChange int              `json:"originalChange,omitempty"`
	User           string           `json:"user"`
	Time           int64            `json:"time"`
	Pending        bool             `json:"pending"`
	Difference     model.Difference `json:"difference"`
	Stream         *string          `json:"stream"`
}

func (v Version) MarshalJSON() ([]byte, error) {
	out := versionJSON{
		Change:         v.Change,
		ArchiveChange:  v.ArchiveChange,
		OriginalChange: v.OriginalChange,
		User:           v.User,
		Pending:        v.Pending,
		Difference:     v.Difference,
	}
	if !v.Time.IsZero() {
		out.Time = v.Time.Unix()
	}
	if v.Stream != "" {
		out.Stream = &v.Stream
	}
	return json.Marshal(out)
}

func (v *Version) UnmarshalJSON(data []byte) error {
	var in versionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*v = Version{
		Change:         in.Change,
		ArchiveChange:  in.ArchiveChange,
		OriginalChange: in.OriginalChange,
		User:           in.User,
		Pending:        in.Pending,
		Difference:     in.Difference,
	}
	if in.Time != 0 {
		v.Time = time.Unix(in.Time, 0).UTC()
	}
	if in.Stream != nil {
		v.Stream = *in.Stream
	}
	return nil
}

// Versions returns a copy of the version history, oldest first.
func (r *Review) Versions() []Version {
	return append([]Version(nil), r.versions...)
}

// Version returns the 1-based version n.
func (r *Review) Version(n int) (Version, bool) {
	if n < 1 || n > len(r.versions) {
		return Version{}, false
	}
	return r.versions[n-1], true
}

// LatestVersion returns the most recent version, if any.
func (r *Review) LatestVersion() (Version, bool) {
	return r.Version(len(r.versions))
}

// SetVersions replaces the version history. Every version needs a change id.
func (r *Review) SetVersions(versions []Version) error {
	for i, v := range versions {
		if v.Change <= 0 {
			return invalid(ErrInvalidArgument, "version %d has no change", i+1)
		}
		if v.ArchiveChange < 0 {
			return invalid(ErrInvalidArgument, "version %d has invalid archive change %d", i+1, v.ArchiveChange)
		}
	}
	r.versions = append([]Version(nil), versions...)
	return nil
}

// nextMarker returns a difference marker above every marker seen so far.
func (r *Review) nextMarker() model.Difference {
	highest := 0
	for _, v := range r.versions {
		if m := v.Difference.Marker(); m > highest {
			highest = m
		}
	}
	return model.Changed(highest + 1)
}
