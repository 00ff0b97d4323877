// Package gateway abstracts the version-control backend that reviews are
// built on: changelists, shelves, submits, streams and client workspaces.
package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a changelist, client or stream does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is returned when the backend cannot be reached or times out.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrSubmitRejected is returned when the server refuses a submit,
	// for example because files are locked or out of date.
	ErrSubmitRejected = errors.New("submit rejected")
)

// ChangeStatus is the lifecycle status of a changelist.
type ChangeStatus string

const (
	StatusPending   ChangeStatus = "pending"
	StatusShelved   ChangeStatus = "shelved"
	StatusSubmitted ChangeStatus = "submitted"
)

// File is one file revision referenced by a changelist.
type File struct {
	DepotPath string `json:"depotFile"`
	Action    string `json:"action"`
	Type      string `json:"type,omitempty"`
	Digest    string `json:"digest,omitempty"`
	Revision  int    `json:"rev,omitempty"`
}

// Changelist is a pending or submitted change.
type Changelist struct {
	ID          int
	OriginalID  int // id before a submit renumbered the change; 0 when never renumbered
	Description string
	User        string
	Client      string
	Time        time.Time
	Status      ChangeStatus
	Files       []File
	Stream      string // stream of the change's client; empty on classic depots
}

// IsPending reports whether the change is still open (shelved or not).
func (c *Changelist) IsPending() bool {
	return c.Status == StatusPending || c.Status == StatusShelved
}

// IsSubmitted reports whether the change has been committed.
func (c *Changelist) IsSubmitted() bool {
	return c.Status == StatusSubmitted
}

// IsShelved reports whether the change has shelved files.
func (c *Changelist) IsShelved() bool {
	return c.Status == StatusShelved
}

// Original returns the id the change had before submission.
func (c *Changelist) Original() int {
	if c.OriginalID != 0 {
		return c.OriginalID
	}
	return c.ID
}

// Comparison is the result of comparing the content of two changes.
type Comparison struct {
	Identical bool
	// Unknown is set when the backend could not establish identity,
	// e.g. digests are missing for some files.
	Unknown bool
}

// Stream describes a stream depot path.
type Stream struct {
	Path   string
	Type   string // mainline, development, release, task, virtual
	Parent string
	Owner  string
	Name   string
}

// Client is a workspace spec.
type Client struct {
	Name   string
	Owner  string
	Root   string
	Stream string
	View   []string
}

// NewChange describes a changelist to create.
type NewChange struct {
	Description string
	User        string
	Client      string
}

// Gateway is everything the review engine needs from the backend.
// Every method must fail with ErrUnavailable (wrapped) on connection
// problems and ErrNotFound (wrapped) for missing objects.
type Gateway interface {
	FetchChangelist(ctx context.Context, id int) (*Changelist, error)
	CreateChangelist(ctx context.Context, nc NewChange) (int, error)
	// DeleteChangelist removes a pending change and any files shelved in it.
	DeleteChangelist(ctx context.Context, id int) error
	// SetChangelistUser rewrites the owner of an existing change. Requires
	// admin rights for submitted changes.
	SetChangelistUser(ctx context.Context, id int, user string) error

	// Shelve replaces the shelved files of target with those shelved in source.
	Shelve(ctx context.Context, target, source int) error
	// Unshelve opens the files shelved in source into target on the given client.
	Unshelve(ctx context.Context, client string, source, target int) error
	// DeleteShelf removes all shelved files from a pending change.
	DeleteShelf(ctx context.Context, id int) error
	// Archive creates a new pending change holding an immutable shelved
	// copy of source's content and returns its id.
	Archive(ctx context.Context, source int, user string) (int, error)
	// Submit commits target from the given client and returns the final id,
	// which differs from target when the server renumbers the change.
	Submit(ctx context.Context, client string, target int) (int, error)
	// Revert discards files opened in target on the client and deletes it.
	Revert(ctx context.Context, client string, target int) error

	// DiffContent compares the file content of two changes.
	DiffContent(ctx context.Context, a, b int) (Comparison, error)
	// DiffUnified renders a unified diff from a to b. a == 0 means the depot
	// content b is based on.
	DiffUnified(ctx context.Context, a, b int) (string, error)

	ResolveStream(ctx context.Context, path string) (*Stream, error)
	FetchClient(ctx context.Context, name string) (*Client, error)
	SaveClient(ctx context.Context, c Client) error
	DeleteClient(ctx context.Context, name string) error
}
