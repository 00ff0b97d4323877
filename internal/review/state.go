package review

import (
	"context"

	"github.com/sprite-ai/p4review/internal/gateway"
	"github.com/sprite-ai/p4review/internal/model"
)

// Transition is SetState plus the "approved:commit" pseudo state, which
// approves the review and commits it. The review is saved.
func (e *Engine) Transition(ctx context.Context, r *Review, target string, opts CommitOptions) (*gateway.Changelist, error) {
	if target == TransitionApproveCommit {
		if !r.IsPending() {
			return nil, invalid(ErrInvalidState, "review %d has nothing to commit", r.id)
		}
		prev := r.state
		r.state = model.StateApproved
		cl, err := e.Commit(ctx, r, opts)
		if err != nil && cl == nil {
			r.state = prev
		}
		return cl, err
	}
	if err := r.SetState(model.State(target)); err != nil {
		return nil, err
	}
	return nil, e.Save(ctx, r)
}

// TransitionApproveCommit approves and commits in one step.
const TransitionApproveCommit = "approved:commit"
