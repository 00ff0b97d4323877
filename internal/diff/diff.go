// Package diff parses the git-style unified diffs the gateway produces
// between review versions.
package diff

import (
	"fmt"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

// File represents a single file in a diff with its parsed fragments.
type File struct {
	OldName      string
	NewName      string
	IsNew        bool
	IsDeleted    bool
	IsRenamed    bool
	IsBinary     bool
	Fragments    []*gitdiff.TextFragment
	AddedLines   int
	DeletedLines int
}

// Name returns the display name for the file.
func (f *File) Name() string {
	if f.IsRenamed {
		return fmt.Sprintf("%s → %s", f.OldName, f.NewName)
	}
	if f.IsNew {
		return f.NewName
	}
	if f.IsDeleted {
		return f.OldName
	}
	if f.NewName != "" {
		return f.NewName
	}
	return f.OldName
}

// DiffSet holds the parsed diff for all files.
type DiffSet struct {
	Files []*File
	Raw   string // the raw unified diff text
}

// Stats returns aggregate statistics.
func (ds *DiffSet) Stats() (files, added, deleted int) {
	files = len(ds.Files)
	for _, f := range ds.Files {
		added += f.AddedLines
		deleted += f.DeletedLines
	}
	return
}

// Parse reads a unified diff string and returns a DiffSet.
func Parse(raw string) (*DiffSet, error) {
	parsed, _, err := gitdiff.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	ds := &DiffSet{Raw: raw}
	for _, f := range parsed {
		df := &File{
			IsNew:     f.IsNew,
			IsDeleted: f.IsDelete,
			IsRenamed: f.IsRename,
			IsBinary:  f.IsBinary,
		}

		if f.OldName != "" {
			df.OldName = f.OldName
		}
		if f.NewName != "" {
			df.NewName = f.NewName
		}

		for _, frag := range f.TextFragments {
			df.Fragments = append(df.Fragments, frag)
			for _, line := range frag.Lines {
				switch line.Op {
				case gitdiff.OpAdd:
					df.AddedLines++
				case gitdiff.OpDelete:
					df.DeletedLines++
				}
			}
		}

		ds.Files = append(ds.Files, df)
	}

	return ds, nil
}

// DepotPath returns the file's path in depot syntax. Diff headers carry
// paths without the leading "//".
func (f *File) DepotPath() string {
	name := f.NewName
	if f.IsDeleted || name == "" {
		name = f.OldName
	}
	if name == "" || strings.HasPrefix(name, "//") {
		return name
	}
	return "//" + name
}

// File returns the file with the given depot path, or nil.
func (ds *DiffSet) File(depotPath string) *File {
	for _, f := range ds.Files {
		if f.DepotPath() == depotPath {
			return f
		}
	}
	return nil
}

// Under returns a DiffSet holding only the files below the depot path
// prefix, e.g. "//depot/main/...".
func (ds *DiffSet) Under(prefix string) *DiffSet {
	prefix = strings.TrimSuffix(prefix, "...")
	out := &DiffSet{Raw: ds.Raw}
	for _, f := range ds.Files {
		if strings.HasPrefix(f.DepotPath(), prefix) {
			out.Files = append(out.Files, f)
		}
	}
	return out
}
