package review

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sprite-ai/p4review/internal/gateway"
	"github.com/sprite-ai/p4review/internal/store"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidVote         = errors.New("invalid vote")
	ErrInvalidState        = errors.New("invalid state")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrBackendUnavailable  = errors.New("backend unavailable")
	ErrCommitFailed        = errors.New("commit failed")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// OpError attaches the operation and ids involved to a backend failure.
// It unwraps to both its Kind and the underlying cause.
type OpError struct {
	Op     string
	Review int
	Change int
	Kind   error
	Err    error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Review != 0 {
		fmt.Fprintf(&b, " review %d", e.Review)
	}
	if e.Change != 0 {
		fmt.Fprintf(&b, " change %d", e.Change)
	}
	fmt.Fprintf(&b, ": %v", e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *OpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// kindOf maps a collaborator error onto the review error taxonomy.
func kindOf(err error) error {
	switch {
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, gateway.ErrSubmitRejected):
		return ErrCommitFailed
	case errors.Is(err, store.ErrConflict):
		return ErrConcurrencyConflict
	default:
		return ErrBackendUnavailable
	}
}

func opError(op string, review, change int, err error) error {
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Review: review, Change: change, Kind: kindOf(err), Err: err}
}

func invalid(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
